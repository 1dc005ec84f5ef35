// Package statechange implements the application-layer state-change FSM:
// "move slave S to target state T, or report failure with a decoded
// AL-status message" (spec.md §4.D).
//
// Grounded on the teacher's pkg/nmt.NMT state/command/callback shape
// (write-then-observe, spontaneous-change tolerance) generalized from a
// CANopen NMT command broadcast to an EtherCAT per-slave register
// write/poll cycle, and on
// _examples/original_source/master/fsm_change.c for the AL-status
// message table (SPEC_FULL.md C.1) and the ack_err acknowledge sequence.
package statechange

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

const (
	regALControl     = 0x0120
	regALStatus      = 0x0130
	regALStatusCode  = 0x0134

	protocolTimeout  = 5 * time.Second
	writeWCTolerance = 3 * time.Second
	defaultRetries   = 5
)

// alStatusMessages is the fixed lookup table the FSM logs and returns
// when acknowledging an error (SPEC_FULL.md C.1, grounded on
// fsm_change.c's al_status_messages).
var alStatusMessages = map[uint16]string{
	0x0000: "no error",
	0x0001: "unspecified error",
	0x0002: "no memory",
	0x0011: "invalid requested state change",
	0x0012: "unknown requested state",
	0x0013: "bootstrap not supported",
	0x0014: "no valid firmware",
	0x0015: "invalid mailbox configuration (bootstrap)",
	0x0016: "invalid mailbox configuration (preop)",
	0x0017: "invalid sync manager configuration",
	0x0018: "no valid inputs available",
	0x0019: "no valid outputs available",
	0x001A: "synchronization error",
	0x001B: "sync manager watchdog",
	0x001C: "invalid sync manager types",
	0x001D: "invalid output configuration",
	0x001E: "invalid input configuration",
	0x001F: "invalid watchdog configuration",
	0x0020: "slave needs cold start",
	0x0021: "slave needs init",
	0x0022: "slave needs preop",
	0x0023: "slave needs safeop",
	0x0030: "invalid DC sync configuration",
	0x0031: "invalid DC latch configuration",
	0x0032: "PLL error",
	0x0033: "invalid DC I/O error",
	0x0034: "invalid DC timeout error",
	0x0035: "DC invalid sync cycle time",
	0x0036: "DC sync0 cycle time",
	0x0037: "DC sync1 cycle time",
}

// Message resolves an AL status code to a human-readable string.
func Message(code uint16) string {
	if msg, ok := alStatusMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("unknown AL status code 0x%04x", code)
}

type stage uint8

const (
	stageWrite stage = iota
	stagePoll
	stageReadErrorCode
	stageAckWrite
	stageAckPoll
	stageDone
	stageFailed
)

// Mode selects whether the FSM performs the full write-then-poll
// sequence or only the acknowledge branch (spec.md §4.D "ack_only mode
// runs only the acknowledge branch").
type Mode uint8

const (
	ModeFull Mode = iota
	ModeAckOnly
)

// FSM drives one slave from its current AL state to a requested target
// state.
type FSM struct {
	log    *logrus.Entry
	slave  *slave.Slave
	target slave.ALState
	mode   Mode

	stage        stage
	retries      int
	startTick    uint64
	ackStartTick uint64
	spontaneous  bool

	errCode uint16
	err     error
}

// New starts a state-change FSM for slave s targeting target.
func New(log *logrus.Logger, s *slave.Slave, target slave.ALState, mode Mode) *FSM {
	if log == nil {
		log = logrus.StandardLogger()
	}
	f := &FSM{
		log:     log.WithFields(logrus.Fields{"component": "statechange", "slave": s.RingPosition, "target": target}),
		slave:   s,
		target:  target,
		mode:    mode,
		retries: defaultRetries,
	}
	if mode == ModeAckOnly {
		f.stage = stageReadErrorCode
	} else {
		f.stage = stageWrite
	}
	return f
}

func (f *FSM) fail(err error) fsm.Progress {
	f.stage = stageFailed
	f.err = err
	f.log.WithError(err).Warn("state change failed")
	return fsm.Failed
}

// Err returns the failure reason once Exec reports fsm.Failed.
func (f *FSM) Err() error { return f.err }

// Exec issues the next datagram for this tick.
func (f *FSM) Exec(now uint64) (fsm.Progress, *datagram.Datagram, error) {
	switch f.stage {
	case stageWrite:
		d, err := datagram.NewFPWR(f.slave.StationAddress, regALControl, 2)
		if err != nil {
			return f.fail(err), nil, err
		}
		d.Data()[0] = byte(f.target)
		d.Data()[1] = byte(f.target >> 8)
		f.startTick = now
		return fsm.Running, d, nil

	case stagePoll:
		d, err := datagram.NewFPRD(f.slave.StationAddress, regALStatus, 2)
		if err != nil {
			return f.fail(err), nil, err
		}
		return fsm.Running, d, nil

	case stageReadErrorCode:
		d, err := datagram.NewFPRD(f.slave.StationAddress, regALStatusCode, 2)
		if err != nil {
			return f.fail(err), nil, err
		}
		return fsm.Running, d, nil

	case stageAckWrite:
		d, err := datagram.NewFPWR(f.slave.StationAddress, regALControl, 2)
		if err != nil {
			return f.fail(err), nil, err
		}
		cur := uint16(f.slave.CurrentState) &^ uint16(slave.AckErrBit)
		d.Data()[0] = byte(cur)
		d.Data()[1] = byte(cur >> 8)
		f.ackStartTick = now
		return fsm.Running, d, nil

	case stageAckPoll:
		d, err := datagram.NewFPRD(f.slave.StationAddress, regALStatus, 2)
		if err != nil {
			return f.fail(err), nil, err
		}
		return fsm.Running, d, nil
	}
	return fsm.Running, nil, fmt.Errorf("statechange: Exec called while a reply is pending (stage %d)", f.stage)
}

// Consume feeds back the reply to the datagram Exec most recently issued.
func (f *FSM) Consume(reply *datagram.Datagram, elapsedSinceStart, elapsedSinceAck time.Duration) fsm.Progress {
	switch f.stage {
	case stageWrite:
		if reply.State == datagram.StateTimedOut {
			if f.retries > 0 {
				f.retries--
				return fsm.Running
			}
			return f.fail(fmt.Errorf("statechange: datagram retries exhausted writing AL control"))
		}
		if reply.Unacked() {
			if elapsedSinceStart >= writeWCTolerance {
				return f.fail(fmt.Errorf("statechange: working counter 0 for %s", writeWCTolerance))
			}
			return fsm.Running
		}
		f.retries = defaultRetries
		f.stage = stagePoll
		return fsm.Running

	case stagePoll:
		if reply.State == datagram.StateTimedOut {
			if f.retries > 0 {
				f.retries--
				return fsm.Running
			}
			return f.fail(fmt.Errorf("statechange: datagram retries exhausted polling AL status"))
		}
		if reply.Unacked() {
			if elapsedSinceStart >= writeWCTolerance {
				return f.fail(fmt.Errorf("statechange: working counter 0 for %s", writeWCTolerance))
			}
			return fsm.Running
		}

		status := slave.ALState(uint16(reply.Data()[0]) | uint16(reply.Data()[1])<<8)
		f.slave.CurrentState = status

		if status&^slave.AckErrBit == f.target {
			f.stage = stageDone
			return fsm.Done
		}
		if status.HasAckErr() {
			f.stage = stageReadErrorCode
			return fsm.Running
		}
		if status&^slave.AckErrBit != f.target && !f.spontaneous {
			f.spontaneous = true
			f.log.WithField("observed", status).Warn("spontaneous state change while waiting for target")
		}
		if elapsedSinceStart >= protocolTimeout {
			return f.fail(fmt.Errorf("statechange: timed out after %s waiting for %s", protocolTimeout, f.target))
		}
		return fsm.Running

	case stageReadErrorCode:
		f.errCode = uint16(reply.Data()[0]) | uint16(reply.Data()[1])<<8
		f.log.WithField("code", fmt.Sprintf("0x%04x", f.errCode)).Warn(Message(f.errCode))
		f.retries = defaultRetries
		f.stage = stageAckWrite
		return fsm.Running

	case stageAckWrite:
		if reply.State == datagram.StateTimedOut {
			if f.retries > 0 {
				f.retries--
				return fsm.Running
			}
			return f.fail(fmt.Errorf("statechange: datagram retries exhausted writing ack_err clear"))
		}
		if reply.Unacked() {
			if elapsedSinceAck >= protocolTimeout {
				return f.fail(fmt.Errorf("statechange: working counter 0 clearing ack_err"))
			}
			return fsm.Running
		}
		f.stage = stageAckPoll
		return fsm.Running

	case stageAckPoll:
		if reply.State == datagram.StateTimedOut || reply.Unacked() {
			if elapsedSinceAck >= protocolTimeout {
				return f.fail(fmt.Errorf("statechange: ack_err did not clear within %s", protocolTimeout))
			}
			return fsm.Running
		}
		status := slave.ALState(uint16(reply.Data()[0]) | uint16(reply.Data()[1])<<8)
		f.slave.CurrentState = status
		if status.HasAckErr() {
			if elapsedSinceAck >= protocolTimeout {
				return f.fail(fmt.Errorf("statechange: ack_err did not clear within %s", protocolTimeout))
			}
			return fsm.Running
		}
		if f.mode == ModeAckOnly {
			f.stage = stageDone
			return fsm.Done
		}
		return f.fail(fmt.Errorf("statechange: slave %d refused transition to %s: %s", f.slave.RingPosition, f.target, Message(f.errCode)))
	}
	return fsm.Running
}
