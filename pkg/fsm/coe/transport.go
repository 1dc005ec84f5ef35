package coe

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/mailbox"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

const protocolTag = uint8(mailbox.ProtoCoE)

// DefaultResponseTimeout is the per-exchange mailbox poll timeout
// (spec.md §4.E "response_timeout (default 1000 ms)").
const DefaultResponseTimeout = 1000 * time.Millisecond

var holderSeq uint64

func nextHolderID() uint64 { return atomic.AddUint64(&holderSeq, 1) }

// phase is the transport-substrate sub-state, shared by upload and
// download (spec.md §4.E "Transport substrate").
type phase uint8

const (
	phaseSend phase = iota
	phaseSendConsume
	phasePollCheck
	phasePollConsume
	phaseFetch
	phaseFetchConsume
	phaseAwaitDeposit
)

// transport is the embedded state shared by Upload and Download: it owns
// the mailbox lock handshake, the poll/fetch cycle, and emergency
// absorption, leaving only "what goes in the request payload" and "what
// to do with a non-emergency reply" to the embedding FSM.
type transport struct {
	log    *logrus.Entry
	slave  *slave.Slave
	holder uint64

	phase phase

	outgoing []byte // payload built by the embedder, sent as-is
	incoming []byte // payload most recently fetched, valid in phaseFetchConsume

	retries int
}

func newTransport(log *logrus.Entry, s *slave.Slave) transport {
	return transport{
		log:     log,
		slave:   s,
		holder:  nextHolderID(),
		retries: 5,
	}
}

// beginExchange resets the transport for a fresh send/poll/fetch cycle
// carrying outgoing as the request payload.
func (t *transport) beginExchange(outgoing []byte) {
	t.outgoing = outgoing
	t.phase = phaseSend
	t.retries = 5
}

// exec returns the next datagram to send. While another FSM holds the
// mailbox lock, it keeps issuing the cheap SM1 status poll so the
// caller's "exactly one datagram per Exec" contract holds; Consume
// checks the deposit buffer rather than the poll's own reply in that
// phase.
func (t *transport) exec() (fsm.Progress, *datagram.Datagram, error) {
	switch t.phase {
	case phaseSend:
		d, err := mailbox.PrepareSend(t.slave, mailbox.ProtoCoE, t.outgoing)
		if err != nil {
			return fsm.Failed, nil, err
		}
		t.phase = phaseSendConsume
		return fsm.Running, d, nil

	case phasePollCheck:
		switch t.slave.TryAcquireMailboxLock(t.holder) {
		case slave.ForeignInFlight:
			t.phase = phaseAwaitDeposit
			return t.execAwaitDeposit()
		}
		d, err := mailbox.PrepareCheck(t.slave)
		if err != nil {
			return fsm.Failed, nil, err
		}
		t.phase = phasePollConsume
		return fsm.Running, d, nil

	case phaseAwaitDeposit:
		return t.execAwaitDeposit()

	case phaseFetch:
		d, err := mailbox.PrepareFetch(t.slave)
		if err != nil {
			t.slave.ReleaseMailboxLock(t.holder)
			return fsm.Failed, nil, err
		}
		t.phase = phaseFetchConsume
		return fsm.Running, d, nil
	}
	return fsm.Running, nil, nil
}

// execAwaitDeposit issues a harmless status poll while waiting for the
// lock holder's fetch to land in the deposit buffer; the reply is
// ignored in favor of the deposit check done in consumeTransport.
func (t *transport) execAwaitDeposit() (fsm.Progress, *datagram.Datagram, error) {
	d, err := mailbox.PrepareCheck(t.slave)
	if err != nil {
		return fsm.Failed, nil, err
	}
	return fsm.Running, d, nil
}

// consumeTransport processes a reply datagram for phases that issued one.
// It returns (ready=true) once a non-emergency payload is sitting in
// t.incoming for the embedder to interpret, or a terminal Progress on
// failure.
func (t *transport) consumeTransport(reply *datagram.Datagram, elapsed time.Duration) (ready bool, progress fsm.Progress) {
	switch t.phase {
	case phaseSendConsume:
		if reply.State == datagram.StateTimedOut || reply.Unacked() {
			if t.retries <= 0 {
				return false, fsm.Failed
			}
			t.retries--
			t.phase = phaseSend
			return false, fsm.Running
		}
		t.retries = 5
		t.phase = phasePollCheck
		return false, fsm.Running

	case phasePollConsume:
		if reply.State == datagram.StateTimedOut || reply.Unacked() {
			t.slave.ReleaseMailboxLock(t.holder)
			if t.retries <= 0 {
				return false, fsm.Failed
			}
			t.retries--
			t.phase = phasePollCheck
			return false, fsm.Running
		}
		if !mailbox.MailboxCheck(reply) {
			if elapsed >= DefaultResponseTimeout {
				t.slave.ReleaseMailboxLock(t.holder)
				return false, fsm.Failed
			}
			t.phase = phasePollCheck
			return false, fsm.Running
		}
		t.phase = phaseFetch
		return false, fsm.Running

	case phaseAwaitDeposit:
		if payload, ok := t.slave.TakeMailboxDeposit(protocolTag); ok {
			t.incoming = payload
			if em, ok := isEmergency(t.incoming); ok {
				t.log.WithFields(logrus.Fields{
					"error_code": em.ErrorCode,
					"error_reg":  em.ErrorReg,
				}).Warn("absorbed CoE emergency message, retrying exchange")
				t.phase = phasePollCheck
				return false, fsm.Running
			}
			return true, fsm.Running
		}
		// still waiting; the status reply itself carries no information we
		// need here, so it is discarded and we poll again next tick.
		return false, fsm.Running

	case phaseFetchConsume:
		if reply.State == datagram.StateTimedOut || reply.Unacked() {
			t.slave.ReleaseMailboxLock(t.holder)
			if t.retries <= 0 {
				return false, fsm.Failed
			}
			t.retries--
			t.phase = phaseFetch
			return false, fsm.Running
		}
		env, payload, err := mailbox.Fetch(t.slave, mailbox.ProtoCoE, reply)
		t.slave.DepositMailbox(protocolTag, payload)
		t.slave.ReleaseMailboxLock(t.holder)
		if err != nil {
			t.log.WithError(err).Warn("mailbox fetch error")
			return false, fsm.Failed
		}
		_ = env
		t.incoming = payload

		if em, ok := isEmergency(t.incoming); ok {
			t.log.WithFields(logrus.Fields{
				"error_code": em.ErrorCode,
				"error_reg":  em.ErrorReg,
			}).Warn("absorbed CoE emergency message, retrying exchange")
			t.phase = phasePollCheck
			return false, fsm.Running
		}
		return true, fsm.Running
	}
	return false, fsm.Running
}
