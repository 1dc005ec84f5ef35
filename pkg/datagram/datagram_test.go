package datagram

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripEncoding(t *testing.T) {
	commands := []Command{APRD, APWR, APRW, FPRD, FPWR, FPRW, BRD, BWR, BRW, LRD, LWR, LRW, ARMW, FRMW}

	for _, cmd := range commands {
		cmd := cmd
		t.Run(cmd.String(), func(t *testing.T) {
			size := 1 + rand.Intn(32)
			d, err := New(cmd, size)
			require.NoError(t, err)

			switch cmd {
			case APRD, APWR, APRW, ARMW:
				d.Address = AddressPosition(int16(rand.Intn(1000)-500), uint16(rand.Intn(65536)))
			case FPRD, FPWR, FPRW, FRMW:
				d.Address = AddressStation(uint16(rand.Intn(65536)), uint16(rand.Intn(65536)))
			case BRD, BWR, BRW:
				d.Address = AddressBroadcast(uint16(rand.Intn(65536)))
			case LRD, LWR, LRW:
				d.Address = AddressLogical(rand.Uint32())
			}
			d.Index = uint8(rand.Intn(256))
			for i := range d.Data() {
				d.Data()[i] = byte(rand.Intn(256))
			}

			buf := make([]byte, WireHeaderSize)
			d.EncodeHeader(buf)
			gotCmd, gotIndex, gotAddr, gotSize := ParseHeader(buf)

			assert.Equal(t, d.Command, gotCmd)
			assert.Equal(t, d.Index, gotIndex)
			assert.Equal(t, d.Address, gotAddr)
			assert.Equal(t, d.Size(), gotSize)
		})
	}
}

func TestAddressingBitExact(t *testing.T) {
	t.Run("APRD ring position", func(t *testing.T) {
		addr := AddressPosition(-7, 0x0130)
		pos, reg := DecodePosition(addr)
		assert.EqualValues(t, -7, pos)
		assert.EqualValues(t, 0x0130, reg)
		// wire encoding of ring position is two's-complement negated
		assert.Equal(t, byte(7), addr[0])
		assert.Equal(t, byte(0), addr[1])
	})

	t.Run("FPRD station address", func(t *testing.T) {
		addr := AddressStation(0x03E8, 0x0130)
		station, reg := DecodeStation(addr)
		assert.EqualValues(t, 0x03E8, station)
		assert.EqualValues(t, 0x0130, reg)
	})

	t.Run("broadcast zeroes station", func(t *testing.T) {
		addr := AddressBroadcast(0x0010)
		station, reg := DecodeStation(addr)
		assert.EqualValues(t, 0, station)
		assert.EqualValues(t, 0x0010, reg)
	})

	t.Run("logical offset", func(t *testing.T) {
		addr := AddressLogical(0xDEADBEEF)
		assert.EqualValues(t, 0xDEADBEEF, DecodeLogical(addr))
	})
}

func TestWorkingCounterExpectations(t *testing.T) {
	t.Run("unicast read-write expects 3", func(t *testing.T) {
		d, err := NewAPRW(0, 0x0130, 2)
		require.NoError(t, err)
		assert.EqualValues(t, 3, d.ExpectWC)
	})

	t.Run("unicast read/write expects 1", func(t *testing.T) {
		d, err := NewFPWR(1, 0x0120, 2)
		require.NoError(t, err)
		assert.EqualValues(t, 1, d.ExpectWC)
	})

	t.Run("unacked classification", func(t *testing.T) {
		d, err := NewFPWR(1, 0x0120, 2)
		require.NoError(t, err)
		d.MarkReceived(0, 1, false)
		assert.True(t, d.Unacked())
		assert.Equal(t, StateError, d.State)
	})

	t.Run("fully acked write", func(t *testing.T) {
		d, err := NewFPWR(1, 0x0120, 2)
		require.NoError(t, err)
		d.MarkReceived(1, 1, false)
		assert.False(t, d.Unacked())
		assert.Equal(t, StateReceived, d.State)
	})

	t.Run("timeout overrides working counter", func(t *testing.T) {
		d, err := NewFPWR(1, 0x0120, 2)
		require.NoError(t, err)
		d.MarkReceived(1, 1, true)
		assert.Equal(t, StateTimedOut, d.State)
	})
}

func TestRepeatIsIndependent(t *testing.T) {
	src, err := NewFPWR(1, 0x0120, 2)
	require.NoError(t, err)
	copy(src.Data(), []byte{0xAA, 0xBB})

	rep := Repeat(src)
	rep.Data()[0] = 0x00

	assert.Equal(t, src.Command, rep.Command)
	assert.Equal(t, src.Address, rep.Address)
	assert.NotSame(t, &src.data, &rep.data)
	assert.Equal(t, byte(0xAA), src.Data()[0])
	assert.Equal(t, StateInit, rep.State)
}

func TestExternalBufferNeverResized(t *testing.T) {
	buf := make([]byte, 4, 8)
	d := NewExternal(FPWR, buf)
	assert.Equal(t, OriginExternal, d.Origin())
	assert.Equal(t, 4, d.Size())
	err := d.WithSize(8)
	assert.NoError(t, err)
	err = d.WithSize(9)
	assert.Error(t, err)
}
