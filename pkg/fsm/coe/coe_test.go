package coe

import (
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/mailbox"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func newTestSlave() *slave.Slave {
	s := slave.New(logrus.New(), 0)
	s.StationAddress = 0x1001
	s.MailboxProtocols = slave.ProtoCoE
	s.MailboxRx = slave.MailboxWindow{Offset: 0x1000, Size: 64}
	s.MailboxTx = slave.MailboxWindow{Offset: 0x1100, Size: 64}
	return s
}

// respond fills reply.Data() to mimic the slave side for whatever
// command/address Exec most recently issued, and marks its working
// counter, so tests can drive a full Exec/Consume loop without a real
// bus.
type server struct {
	t         *testing.T
	s         *slave.Slave
	responses [][]byte // queued CoE responses to hand back on fetch, in order
	onWrite   func(d *datagram.Datagram) // observes every mailbox write before it is acked
}

func (srv *server) step(fsmExec func(now uint64) (fsm.Progress, *datagram.Datagram, error),
	fsmConsume func(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress) fsm.Progress {

	progress, d, err := fsmExec(0)
	require.NoError(srv.t, err)
	if progress != fsm.Running {
		return progress
	}
	require.NotNil(srv.t, d)

	switch d.Command {
	case datagram.FPWR:
		if srv.onWrite != nil {
			srv.onWrite(d)
		}
		d.MarkReceived(1, 0, false) // ack the write, slave "absorbed" the mailbox message
	case datagram.FPRD:
		if d.Size() == 1 {
			// SM1 status poll
			buf := d.Data()
			if len(srv.responses) > 0 {
				buf[0] = 1 << 3 // new message pending
			}
			d.MarkReceived(1, 0, false)
		} else {
			// tx mailbox fetch
			require.NotEmpty(srv.t, srv.responses)
			payload := srv.responses[0]
			srv.responses = srv.responses[1:]
			buf := d.Data()
			binary.LittleEndian.PutUint16(buf[0:2], uint16(len(payload)))
			binary.LittleEndian.PutUint16(buf[2:4], 0)
			buf[4] = 0
			buf[5] = uint8(mailbox.ProtoCoE)
			copy(buf[mailbox.HeaderSize:], payload)
			d.MarkReceived(1, 0, false)
		}
	default:
		srv.t.Fatalf("unexpected command %s", d.Command)
	}
	return fsmConsume(d, 0)
}

func (srv *server) run(fsmExec func(now uint64) (fsm.Progress, *datagram.Datagram, error),
	fsmConsume func(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress) fsm.Progress {
	for i := 0; i < 200; i++ {
		p := srv.step(fsmExec, fsmConsume)
		if p != fsm.Running {
			return p
		}
	}
	srv.t.Fatal("fsm never terminated")
	return fsm.Failed
}

func expeditedUploadResponse(index uint16, subindex uint8, value []byte) []byte {
	buf := make([]byte, HeaderSize+3+4)
	encodeCoEHeader(buf, 0, TypeSDOResponse)
	n := 4 - len(value)
	flags := uint8(flagExpedited | flagSizeIndicated | (uint8(n) << 2))
	buf[2] = (respUpload << 5) | flags
	binary.LittleEndian.PutUint16(buf[3:5], index)
	buf[5] = subindex
	copy(buf[6:6+len(value)], value)
	return buf
}

func abortResponse(code AbortCode) []byte {
	buf := make([]byte, HeaderSize+4)
	encodeCoEHeader(buf, 0, TypeSDOResponse)
	buf[2] = cmdAbort << 5
	binary.LittleEndian.PutUint32(buf[HeaderSize:], uint32(code))
	return buf
}

func TestUploadExpeditedRoundTrip(t *testing.T) {
	s := newTestSlave()
	up := NewUpload(discardLogger(), s, 0, 0x6041, 0x00, false)
	srv := &server{t: t, s: s, responses: [][]byte{expeditedUploadResponse(0x6041, 0x00, []byte{0x37, 0x06})}}

	progress := srv.run(up.Exec, up.Consume)
	require.Equal(t, fsm.Done, progress)
	assert.Equal(t, []byte{0x37, 0x06}, up.Result())
}

func TestUploadAbortSurfacesCode(t *testing.T) {
	s := newTestSlave()
	up := NewUpload(discardLogger(), s, 0, 0x1018, 0x05, false)
	srv := &server{t: t, s: s, responses: [][]byte{abortResponse(AbortSubUnknown)}}

	progress := srv.run(up.Exec, up.Consume)
	require.Equal(t, fsm.Failed, progress)
	abortErr, ok := up.Err().(*AbortError)
	require.True(t, ok)
	assert.Equal(t, AbortSubUnknown, abortErr.Code)
}

func TestUploadSegmentedRoundTrip(t *testing.T) {
	s := newTestSlave()
	up := NewUpload(discardLogger(), s, 0, 0x1008, 0x00, false)

	full := []byte("ethercat-master")
	initiate := make([]byte, HeaderSize+7)
	encodeCoEHeader(initiate, 0, TypeSDOResponse)
	initiate[2] = (respUpload << 5) | flagSizeIndicated
	binary.LittleEndian.PutUint16(initiate[3:5], 0x1008)
	initiate[5] = 0x00
	binary.LittleEndian.PutUint32(initiate[6:10], uint32(len(full)))

	var responses [][]byte
	responses = append(responses, initiate)
	toggle := false
	for off := 0; off < len(full); off += minSegmentData {
		end := off + minSegmentData
		last := false
		if end >= len(full) {
			end = len(full)
			last = true
		}
		chunk := full[off:end]
		empty := minSegmentData - len(chunk)
		buf := make([]byte, HeaderSize+minSegmentData)
		encodeCoEHeader(buf, 0, TypeSDOResponse)
		var flags uint8
		if toggle {
			flags |= flagToggle
		}
		if last {
			flags |= flagLastSegment
		}
		flags |= uint8(empty&0x07) << 2
		buf[2] = (respUpload << 5) | flags
		copy(buf[HeaderSize:], chunk)
		responses = append(responses, buf)
		toggle = !toggle
	}

	srv := &server{t: t, s: s, responses: responses}
	progress := srv.run(up.Exec, up.Consume)
	require.Equal(t, fsm.Done, progress)
	assert.Equal(t, full, up.Result())
}

func TestDownloadExpeditedRoundTrip(t *testing.T) {
	s := newTestSlave()
	dl := NewDownload(discardLogger(), s, 0, 0x6060, 0x01, false, []byte{0x08})

	ack := make([]byte, HeaderSize)
	encodeCoEHeader(ack, 0, TypeSDOResponse)
	ack[2] = respDownloadExp << 5

	srv := &server{t: t, s: s, responses: [][]byte{ack}}
	progress := srv.run(dl.Exec, dl.Consume)
	require.Equal(t, fsm.Done, progress)
}

func downloadSegmentAck() []byte {
	buf := make([]byte, HeaderSize)
	encodeCoEHeader(buf, 0, TypeSDOResponse)
	buf[2] = respDownload << 5
	return buf
}

// TestDownloadSegmentedReassemblesAcrossMailboxSizes drives a multi-segment
// download over slaves with different configured rx-mailbox sizes and
// checks the segment size actually used, the toggle bit alternation, and
// the reassembled payload on the wire (spec.md §4.E, §8 properties 4/5).
func TestDownloadSegmentedReassemblesAcrossMailboxSizes(t *testing.T) {
	cases := []struct {
		name        string
		mailboxSize uint16
		dataLen     int
	}{
		{"undersized mailbox falls back to the 7-byte segment floor", 16, 23},
		{"large mailbox uses the full rx window per segment", 64, 130},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSlave()
			s.MailboxRx = slave.MailboxWindow{Offset: 0x1000, Size: tc.mailboxSize}

			data := make([]byte, tc.dataLen)
			for i := range data {
				data[i] = byte(i)
			}
			dl := NewDownload(discardLogger(), s, 0, 0x1008, 0x00, false, data)

			wantMaxSegment := int(tc.mailboxSize) - mailbox.HeaderSize - HeaderSize
			if wantMaxSegment < minSegmentData {
				wantMaxSegment = minSegmentData
			}

			var reassembled []byte
			segments := 0
			toggle := false

			srv := &server{t: t, s: s}
			srv.onWrite = func(d *datagram.Datagram) {
				coePayload := d.Data()[mailbox.HeaderSize:]
				if coePayload[2]>>5 == cmdDownloadSegment {
					flags := coePayload[2] & 0x1F
					require.Equal(t, toggle, flags&flagToggle != 0, "toggle bit must alternate per segment")
					toggle = !toggle
					last := flags&flagLastSegment != 0
					emptyCount := int((flags >> 2) & 0x07)
					segData := coePayload[HeaderSize:]
					n := len(segData) - emptyCount
					require.GreaterOrEqual(t, n, 0)
					require.LessOrEqual(t, n, wantMaxSegment, "segment exceeds the mailbox-derived maximum")
					if !last {
						require.Equal(t, wantMaxSegment, n, "non-final segment must fill the full window")
					}
					reassembled = append(reassembled, segData[:n]...)
					segments++
				}
				srv.responses = append(srv.responses, downloadSegmentAck())
			}

			progress := srv.run(dl.Exec, dl.Consume)
			require.Equal(t, fsm.Done, progress)
			assert.GreaterOrEqual(t, segments, 2, "test should exercise a genuinely multi-segment transfer")
			assert.Equal(t, data, reassembled)
		})
	}
}

func TestAbortCodeDescriptionFallsBackToGeneral(t *testing.T) {
	unknown := AbortCode(0xDEADBEEF)
	assert.Equal(t, abortDescriptions[AbortGeneral], unknown.Description())
	assert.Contains(t, AbortNotExist.Error(), "does not exist")
}

func TestCoEHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, 2)
	encodeCoEHeader(buf, 0x1AB, TypeSDORequest)
	number, typ := decodeCoEHeader(buf)
	assert.Equal(t, uint16(0x1AB), number)
	assert.Equal(t, uint8(TypeSDORequest), typ)
}

func TestIsEmergencyDetectsType(t *testing.T) {
	buf := make([]byte, 2+8)
	encodeCoEHeader(buf, 0, TypeEmergency)
	binary.LittleEndian.PutUint16(buf[2:4], 0x2310)
	buf[4] = 0x01
	em, ok := isEmergency(buf)
	require.True(t, ok)
	assert.Equal(t, uint16(0x2310), em.ErrorCode)
	assert.Equal(t, uint8(0x01), em.ErrorReg)

	nonEmergency := make([]byte, 2)
	encodeCoEHeader(nonEmergency, 0, TypeSDOResponse)
	_, ok = isEmergency(nonEmergency)
	assert.False(t, ok)
}
