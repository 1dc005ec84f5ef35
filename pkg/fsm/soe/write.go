package soe

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

type writeStage uint8

const (
	writeSend writeStage = iota
	writeDone
	writeFailed
)

// Write applies one IDN value to a drive (spec.md §4.H steps 10/17:
// "apply PREOP/SAFEOP-state SoE configuration"). Values configured at
// this layer are assumed to fit a single exchange; the servo-profile
// segmented-transfer path that real IDN streaming data would need is out
// of scope ("specified interface only").
type Write struct {
	transport
	driveNo uint8
	idn     uint16
	data    []byte

	stage   writeStage
	started bool

	err error
}

// NewWrite builds a write FSM setting idn on driveNo to data.
func NewWrite(log *logrus.Entry, s *slave.Slave, driveNo uint8, idn uint16, data []byte) *Write {
	return &Write{
		transport: newTransport(log, s),
		driveNo:   driveNo,
		idn:       idn,
		data:      data,
	}
}

func (w *Write) Err() error { return w.err }

func (w *Write) fail(err error) fsm.Progress {
	w.stage = writeFailed
	w.err = err
	return fsm.Failed
}

func (w *Write) buildRequest() []byte {
	buf := make([]byte, HeaderSize+len(w.data))
	encodeHeader(buf, opWrite, w.driveNo, uint8(len(w.data)), w.idn)
	copy(buf[HeaderSize:], w.data)
	return buf
}

// Exec advances the write FSM by one datagram.
func (w *Write) Exec(now uint64) (fsm.Progress, *datagram.Datagram, error) {
	if w.stage == writeDone {
		return fsm.Done, nil, nil
	}
	if w.stage == writeFailed {
		return fsm.Failed, nil, w.err
	}
	if !w.started {
		w.started = true
		w.transport.beginExchange(w.buildRequest())
	}
	return w.transport.exec()
}

// Consume processes a reply datagram for the most recently issued
// transport-level request.
func (w *Write) Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress {
	if w.stage == writeDone {
		return fsm.Done
	}
	if w.stage == writeFailed {
		return fsm.Failed
	}

	ready, progress := w.transport.consumeTransport(reply, elapsed)
	if progress == fsm.Failed {
		return w.fail(fmt.Errorf("soe write: transport failure"))
	}
	if !ready {
		return fsm.Running
	}

	payload := w.transport.incoming
	if len(payload) < HeaderSize {
		return w.fail(fmt.Errorf("soe write: short reply (%d bytes)", len(payload)))
	}
	op, _, _, idn, isError := decodeHeader(payload)
	if isError {
		return w.fail(fmt.Errorf("soe write: drive %d idn 0x%04x rejected", w.driveNo, w.idn))
	}
	if op != opNotify || idn != w.idn {
		return w.fail(fmt.Errorf("soe write: unexpected reply op=%d idn=0x%04x for request idn=0x%04x", op, idn, w.idn))
	}
	w.stage = writeDone
	return fsm.Done
}
