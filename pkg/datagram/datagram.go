// Package datagram builds and parses EtherCAT datagrams: the addressed
// read/write units that ride inside one Ethernet frame on the wire.
//
// Layout and working-counter semantics follow spec.md §4.A / §6. Naming and
// state shape are adapted from the teacher's CANopen request/response
// framing (pkg/sdo/common.go, pkg/sdo/requests.go) generalized from an
// 8-byte CAN frame to an arbitrarily sized payload buffer.
package datagram

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command identifies one of the 14 EtherCAT datagram commands. Numeric
// values match the wire command codes used by the original C master
// (master/datagram.h) so captured traces stay bit-comparable.
type Command uint8

const (
	None Command = 0x00
	APRD Command = 0x01 // Auto-increment physical read
	APWR Command = 0x02 // Auto-increment physical write
	APRW Command = 0x03 // Auto-increment physical read-write
	FPRD Command = 0x04 // Configured-address physical read
	FPWR Command = 0x05 // Configured-address physical write
	FPRW Command = 0x06 // Configured-address physical read-write
	BRD  Command = 0x07 // Broadcast read
	BWR  Command = 0x08 // Broadcast write
	BRW  Command = 0x09 // Broadcast read-write
	LRD  Command = 0x0A // Logical read
	LWR  Command = 0x0B // Logical write
	LRW  Command = 0x0C // Logical read-write
	ARMW Command = 0x0D // Auto-increment physical read, multiple write
	FRMW Command = 0x0E // Configured-address physical read, multiple write
)

var commandStrings = map[Command]string{
	None: "?", APRD: "APRD", APWR: "APWR", APRW: "APRW",
	FPRD: "FPRD", FPWR: "FPWR", FPRW: "FPRW",
	BRD: "BRD", BWR: "BWR", BRW: "BRW",
	LRD: "LRD", LWR: "LWR", LRW: "LRW",
	ARMW: "ARMW", FRMW: "FRMW",
}

func (c Command) String() string {
	if s, ok := commandStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("CMD(0x%02x)", uint8(c))
}

// State is the datagram's observable lifecycle position, per spec.md §3.
type State uint8

const (
	StateInit State = iota
	StateQueued
	StateSent
	StateReceived
	StateTimedOut
	StateError
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateQueued:
		return "QUEUED"
	case StateSent:
		return "SENT"
	case StateReceived:
		return "RECEIVED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateError:
		return "ERROR"
	default:
		return "INVALID"
	}
}

// Origin decides who owns (and must free) a datagram's payload buffer.
type Origin uint8

const (
	OriginInternal Origin = iota // allocated by prealloc, freed by the datagram
	OriginExternal               // borrowed from the caller, never resized/freed here
)

var ErrAllocation = errors.New("datagram: payload allocation failed")

// Datagram is a single unit of wire work: one command, one address, one
// payload window, and the bookkeeping the master engine needs to route its
// reply back to the FSM that issued it.
type Datagram struct {
	Command Command
	Address [4]byte // raw addressing header, meaning depends on Command (see AddressFor* helpers)

	data     []byte
	size     int // declared payload size, <= len(data)
	origin   Origin
	Index    uint8 // master-assigned on send
	WC       uint16
	ExpectWC uint16 // expected working-counter contribution, for ADDRESS_UNACKED classification

	State State

	SentTick     uint64 // monotonic tick at send
	SentCycles   uint64 // optional CPU cycle counter at send, 0 if unused
	ReceivedTick uint64

	SkipCount uint
	Label     string

	// queue-membership link, owned by whichever queue currently holds this
	// datagram; nil when idle.
	next *Datagram
}

// New allocates a datagram with an internally-owned buffer of the given
// size. Capacity is fixed at allocation time; External buffers supplied via
// NewExternal are never resized.
func New(cmd Command, size int) (*Datagram, error) {
	if size < 0 {
		return nil, ErrAllocation
	}
	return &Datagram{
		Command: cmd,
		data:    make([]byte, size),
		size:    size,
		origin:  OriginInternal,
		State:   StateInit,
	}, nil
}

// NewExternal wraps a caller-owned buffer. The datagram never reallocates
// or frees it; declared size is fixed to len(buf) when the datagram is
// built (see WithSize to shrink the declared size without touching cap).
func NewExternal(cmd Command, buf []byte) *Datagram {
	return &Datagram{
		Command: cmd,
		data:    buf,
		size:    len(buf),
		origin:  OriginExternal,
		State:   StateInit,
	}
}

// WithSize re-declares the payload size to use, must be <= cap of the
// underlying buffer. Used when a command's declared length is smaller than
// the pre-allocated window (e.g. mailbox prepare_send).
func (d *Datagram) WithSize(size int) error {
	if size < 0 || size > cap(d.data) {
		return ErrAllocation
	}
	d.data = d.data[:size]
	d.size = size
	return nil
}

// Data returns the payload buffer, sized to the datagram's declared length.
func (d *Datagram) Data() []byte { return d.data[:d.size] }

// Size returns the declared payload size.
func (d *Datagram) Size() int { return d.size }

// Origin reports who owns the payload buffer.
func (d *Datagram) Origin() Origin { return d.origin }

// Repeat produces an independent datagram with identical type, address and
// data, ready to be re-queued (spec.md §4.A repeat(src)).
func Repeat(src *Datagram) *Datagram {
	buf := make([]byte, len(src.data))
	copy(buf, src.data)
	return &Datagram{
		Command:  src.Command,
		Address:  src.Address,
		data:     buf,
		size:     src.size,
		origin:   OriginInternal,
		ExpectWC: src.ExpectWC,
		Label:    src.Label,
		State:    StateInit,
	}
}

// --- Addressing helpers, per spec.md §4.A table ---

// AddressPosition encodes -ring_position:i16 || reg:u16 for
// APRD/APWR/APRW/ARMW. Ring position is two's-complement negated: each
// slave decrements the value as it forwards the datagram and claims it
// when the value reaches zero.
func AddressPosition(ringPosition int16, reg uint16) [4]byte {
	var addr [4]byte
	binary.LittleEndian.PutUint16(addr[0:2], uint16(-ringPosition))
	binary.LittleEndian.PutUint16(addr[2:4], reg)
	return addr
}

// AddressStation encodes station_address:u16 || reg:u16 for
// FPRD/FPWR/FPRW/FRMW.
func AddressStation(station uint16, reg uint16) [4]byte {
	var addr [4]byte
	binary.LittleEndian.PutUint16(addr[0:2], station)
	binary.LittleEndian.PutUint16(addr[2:4], reg)
	return addr
}

// AddressBroadcast encodes 0x0000 || reg:u16 for BRD/BWR/BRW.
func AddressBroadcast(reg uint16) [4]byte {
	return AddressStation(0, reg)
}

// AddressLogical encodes offset:u32 for LRD/LWR/LRW.
func AddressLogical(offset uint32) [4]byte {
	var addr [4]byte
	binary.LittleEndian.PutUint32(addr[:], offset)
	return addr
}

// DecodePosition is the inverse of AddressPosition, used by round-trip
// tests and by diagnostics.
func DecodePosition(addr [4]byte) (ringPosition int16, reg uint16) {
	neg := binary.LittleEndian.Uint16(addr[0:2])
	return -int16(neg), binary.LittleEndian.Uint16(addr[2:4])
}

// DecodeStation is the inverse of AddressStation/AddressBroadcast.
func DecodeStation(addr [4]byte) (station uint16, reg uint16) {
	return binary.LittleEndian.Uint16(addr[0:2]), binary.LittleEndian.Uint16(addr[2:4])
}

// DecodeLogical is the inverse of AddressLogical.
func DecodeLogical(addr [4]byte) uint32 {
	return binary.LittleEndian.Uint32(addr[:])
}

// --- Constructors per command family ---

func aprd(ringPosition int16, reg uint16, size int) (*Datagram, error) {
	d, err := New(APRD, size)
	if err != nil {
		return nil, err
	}
	d.Address = AddressPosition(ringPosition, reg)
	d.ExpectWC = 1
	return d, nil
}

// NewAPRD builds an auto-increment physical read.
func NewAPRD(ringPosition int16, reg uint16, size int) (*Datagram, error) {
	return aprd(ringPosition, reg, size)
}

// NewAPWR builds an auto-increment physical write.
func NewAPWR(ringPosition int16, reg uint16, size int) (*Datagram, error) {
	d, err := New(APWR, size)
	if err != nil {
		return nil, err
	}
	d.Address = AddressPosition(ringPosition, reg)
	d.ExpectWC = 1
	return d, nil
}

// NewAPRW builds an auto-increment physical read-write (2 for read + 1 for
// write per participating slave).
func NewAPRW(ringPosition int16, reg uint16, size int) (*Datagram, error) {
	d, err := New(APRW, size)
	if err != nil {
		return nil, err
	}
	d.Address = AddressPosition(ringPosition, reg)
	d.ExpectWC = 3
	return d, nil
}

// NewARMW builds an auto-increment physical read, multiple write.
func NewARMW(ringPosition int16, reg uint16, size int) (*Datagram, error) {
	d, err := New(ARMW, size)
	if err != nil {
		return nil, err
	}
	d.Address = AddressPosition(ringPosition, reg)
	d.ExpectWC = 1
	return d, nil
}

// NewFPRD builds a configured-address physical read.
func NewFPRD(station uint16, reg uint16, size int) (*Datagram, error) {
	d, err := New(FPRD, size)
	if err != nil {
		return nil, err
	}
	d.Address = AddressStation(station, reg)
	d.ExpectWC = 1
	return d, nil
}

// NewFPWR builds a configured-address physical write.
func NewFPWR(station uint16, reg uint16, size int) (*Datagram, error) {
	d, err := New(FPWR, size)
	if err != nil {
		return nil, err
	}
	d.Address = AddressStation(station, reg)
	d.ExpectWC = 1
	return d, nil
}

// NewFPWRExternal builds a configured-address physical write over a
// caller-owned buffer (the mailbox codec writes directly into the
// datagram's payload region, so it borrows rather than copies).
func NewFPWRExternal(station uint16, reg uint16, buf []byte) *Datagram {
	d := NewExternal(FPWR, buf)
	d.Address = AddressStation(station, reg)
	d.ExpectWC = 1
	return d
}

// NewFPRW builds a configured-address physical read-write.
func NewFPRW(station uint16, reg uint16, size int) (*Datagram, error) {
	d, err := New(FPRW, size)
	if err != nil {
		return nil, err
	}
	d.Address = AddressStation(station, reg)
	d.ExpectWC = 3
	return d, nil
}

// NewFRMW builds a configured-address physical read, multiple write.
func NewFRMW(station uint16, reg uint16, size int) (*Datagram, error) {
	d, err := New(FRMW, size)
	if err != nil {
		return nil, err
	}
	d.Address = AddressStation(station, reg)
	d.ExpectWC = 1
	return d, nil
}

// NewBRD builds a broadcast read. expectWC is the number of slaves the
// caller expects to answer (usually the live slave count); pass 0 if
// unknown.
func NewBRD(reg uint16, size int, expectWC uint16) (*Datagram, error) {
	d, err := New(BRD, size)
	if err != nil {
		return nil, err
	}
	d.Address = AddressBroadcast(reg)
	d.ExpectWC = expectWC
	return d, nil
}

// NewBWR builds a broadcast write.
func NewBWR(reg uint16, size int, expectWC uint16) (*Datagram, error) {
	d, err := New(BWR, size)
	if err != nil {
		return nil, err
	}
	d.Address = AddressBroadcast(reg)
	d.ExpectWC = expectWC
	return d, nil
}

// NewBRW builds a broadcast read-write.
func NewBRW(reg uint16, size int, expectWC uint16) (*Datagram, error) {
	d, err := New(BRW, size)
	if err != nil {
		return nil, err
	}
	d.Address = AddressBroadcast(reg)
	d.ExpectWC = expectWC * 3
	return d, nil
}

// NewLRD builds a logical read over the flat process-image address space.
func NewLRD(offset uint32, size int, expectWC uint16) (*Datagram, error) {
	d, err := New(LRD, size)
	if err != nil {
		return nil, err
	}
	d.Address = AddressLogical(offset)
	d.ExpectWC = expectWC
	return d, nil
}

// NewLWR builds a logical write.
func NewLWR(offset uint32, size int, expectWC uint16) (*Datagram, error) {
	d, err := New(LWR, size)
	if err != nil {
		return nil, err
	}
	d.Address = AddressLogical(offset)
	d.ExpectWC = expectWC
	return d, nil
}

// NewLRW builds a logical read-write.
func NewLRW(offset uint32, size int, expectWC uint16) (*Datagram, error) {
	d, err := New(LRW, size)
	if err != nil {
		return nil, err
	}
	d.Address = AddressLogical(offset)
	d.ExpectWC = expectWC * 3
	return d, nil
}

// WireHeaderSize is the fixed datagram header length on the wire (spec.md
// §6): cmd:u8, idx:u8, addr:[4], len:u11|R:u3|C:u1|M:u1, irq:u16.
const WireHeaderSize = 10

// WireTrailerSize is the working-counter trailer length.
const WireTrailerSize = 2

// EncodeHeader writes the 10-byte wire header for this datagram into dst.
// The "more follows" bit is owned by the frame composer (out of scope
// here) and is always written as 0; callers batching multiple datagrams
// into one frame must OR it in afterwards.
func (d *Datagram) EncodeHeader(dst []byte) {
	if len(dst) < WireHeaderSize {
		panic("datagram: header buffer too small")
	}
	dst[0] = uint8(d.Command)
	dst[1] = d.Index
	copy(dst[2:6], d.Address[:])
	lenAndFlags := uint16(d.size) & 0x07FF // len:u11, R:u3=0, C:u1=0, M:u1=0
	binary.LittleEndian.PutUint16(dst[6:8], lenAndFlags)
	binary.LittleEndian.PutUint16(dst[8:10], 0) // irq, unused by the core
}

// ParseHeader reads back command, index, address and declared length from
// a 10-byte wire header. It is the inverse of EncodeHeader, used by
// round-trip tests.
func ParseHeader(src []byte) (cmd Command, index uint8, addr [4]byte, size int) {
	cmd = Command(src[0])
	index = src[1]
	copy(addr[:], src[2:6])
	lenAndFlags := binary.LittleEndian.Uint16(src[6:8])
	size = int(lenAndFlags & 0x07FF)
	return
}

// EncodeWC writes the 2-byte working-counter trailer.
func EncodeWC(dst []byte, wc uint16) {
	binary.LittleEndian.PutUint16(dst, wc)
}

// DecodeWC reads the 2-byte working-counter trailer.
func DecodeWC(src []byte) uint16 {
	return binary.LittleEndian.Uint16(src)
}

// MarkSent transitions INIT/QUEUED -> SENT and stamps the send tick. Called
// by Master.Cycle as it hands the datagram to the adapter, per spec.md
// §3's transition-ownership invariant.
func (d *Datagram) MarkSent(index uint8, tick uint64) {
	d.Index = index
	d.SentTick = tick
	d.State = StateSent
}

// MarkReceived transitions SENT -> RECEIVED|TIMED_OUT|ERROR and records the
// working counter. Called by the receive path, and by Master.Stop to
// time out datagrams still in flight.
func (d *Datagram) MarkReceived(wc uint16, tick uint64, timedOut bool) {
	d.WC = wc
	d.ReceivedTick = tick
	switch {
	case timedOut:
		d.State = StateTimedOut
	case d.ExpectWC != 0 && wc < d.ExpectWC:
		d.State = StateError
	default:
		d.State = StateReceived
	}
}

// Unacked reports whether the reply's working counter fell short of what
// was expected (spec.md §7 ADDRESS_UNACKED).
func (d *Datagram) Unacked() bool {
	return d.ExpectWC != 0 && d.WC < d.ExpectWC
}
