package soe

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/mailbox"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

const protocolTag = uint8(mailbox.ProtoSoE)

// DefaultResponseTimeout is the per-exchange mailbox poll timeout,
// mirroring pkg/fsm/coe's transport (spec.md §4.E applies the same
// default across mailbox protocols).
const DefaultResponseTimeout = 1000 * time.Millisecond

var holderSeq uint64

func nextHolderID() uint64 { return atomic.AddUint64(&holderSeq, 1) }

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

// transport is the send/poll/fetch substrate shared by this package's
// FSMs, adapted from pkg/fsm/coe's transport with the protocol tag fixed
// to SoE and no emergency-message absorption (the servo profile has no
// equivalent of CoE's unsolicited emergency object). Kept as a separate
// copy rather than a shared exported type because coe's transport is
// deliberately unexported — each mailbox protocol owns its framing.
type transport struct {
	log    *logrus.Entry
	slave  *slave.Slave
	holder uint64

	phase phase

	outgoing []byte
	incoming []byte

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

func (t *transport) beginExchange(outgoing []byte) {
	t.outgoing = outgoing
	t.phase = phaseSend
	t.retries = 5
}

func (t *transport) exec() (fsm.Progress, *datagram.Datagram, error) {
	switch t.phase {
	case phaseSend:
		d, err := mailbox.PrepareSend(t.slave, mailbox.ProtoSoE, t.outgoing)
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

func (t *transport) execAwaitDeposit() (fsm.Progress, *datagram.Datagram, error) {
	d, err := mailbox.PrepareCheck(t.slave)
	if err != nil {
		return fsm.Failed, nil, err
	}
	return fsm.Running, d, nil
}

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
			return true, fsm.Running
		}
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
		env, payload, err := mailbox.Fetch(t.slave, mailbox.ProtoSoE, reply)
		t.slave.DepositMailbox(protocolTag, payload)
		t.slave.ReleaseMailboxLock(t.holder)
		if err != nil {
			t.log.WithError(err).Warn("mailbox fetch error")
			return false, fsm.Failed
		}
		_ = env
		t.incoming = payload
		return true, fsm.Running
	}
	return false, fsm.Running
}
