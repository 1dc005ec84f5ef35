package soe

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
	s.MailboxProtocols = slave.ProtoSoE
	s.MailboxRx = slave.MailboxWindow{Offset: 0x1000, Size: 64}
	s.MailboxTx = slave.MailboxWindow{Offset: 0x1100, Size: 64}
	return s
}

// server mimics the slave side of a single mailbox exchange, queuing
// servo-profile response payloads to hand back on fetch.
type server struct {
	t         *testing.T
	responses [][]byte
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
		d.MarkReceived(1, 0, false)
	case datagram.FPRD:
		if d.Size() == 1 {
			buf := d.Data()
			if len(srv.responses) > 0 {
				buf[0] = 1 << 3
			}
			d.MarkReceived(1, 0, false)
		} else {
			require.NotEmpty(srv.t, srv.responses)
			payload := srv.responses[0]
			srv.responses = srv.responses[1:]
			buf := d.Data()
			binary.LittleEndian.PutUint16(buf[0:2], uint16(len(payload)))
			binary.LittleEndian.PutUint16(buf[2:4], 0)
			buf[4] = 0
			buf[5] = uint8(mailbox.ProtoSoE)
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

func notifyResponse(idn uint16, elements uint8) []byte {
	buf := make([]byte, HeaderSize)
	encodeHeader(buf, opNotify, 0, elements, idn)
	return buf
}

func errorResponse(idn uint16) []byte {
	buf := make([]byte, HeaderSize)
	encodeHeader(buf, opNotify, 0, 0, idn)
	buf[0] |= flagError
	return buf
}

func TestWriteRoundTrip(t *testing.T) {
	s := newTestSlave()
	w := NewWrite(discardLogger(), s, 0, 0x0024, []byte{0x10, 0x00})
	srv := &server{t: t, responses: [][]byte{notifyResponse(0x0024, 1)}}

	progress := srv.run(w.Exec, w.Consume)
	require.Equal(t, fsm.Done, progress)
	require.NoError(t, w.Err())
}

func TestWriteFailsOnErrorReply(t *testing.T) {
	s := newTestSlave()
	w := NewWrite(discardLogger(), s, 1, 0x0011, []byte{0x01})
	srv := &server{t: t, responses: [][]byte{errorResponse(0x0011)}}

	progress := srv.run(w.Exec, w.Consume)
	require.Equal(t, fsm.Failed, progress)
	assert.Error(t, w.Err())
}

func TestWriteFailsOnMismatchedIDN(t *testing.T) {
	s := newTestSlave()
	w := NewWrite(discardLogger(), s, 0, 0x0024, []byte{0x10, 0x00})
	srv := &server{t: t, responses: [][]byte{notifyResponse(0x0025, 1)}}

	progress := srv.run(w.Exec, w.Consume)
	require.Equal(t, fsm.Failed, progress)
	assert.Error(t, w.Err())
}
