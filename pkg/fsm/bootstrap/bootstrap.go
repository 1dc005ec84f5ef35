// Package bootstrap implements the register-clearing and mailbox-SM-setup
// subset shared by the scan FSM (spec.md §4.G step 8, "move slave to
// PREOP via §4.H (subset)") and the slave-config FSM (spec.md §4.H steps
// 2-8): clear FMMUs/SMs/DC assign-activate, configure the two mailbox
// sync managers, flip SII ownership around the transition, then drive the
// slave to the target state via the state-change FSM.
//
// Grounded on the teacher's pkg/network boot-up idiom of composing a
// smaller state machine (NMT reset/bootup) out of register writes
// followed by a state-change wait, and on
// _examples/original_source/master/fsm_slave_config.c's clear_fmmus /
// clear_sync / mbox_sync / state-change ordering.
package bootstrap

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/fsm/statechange"
	"github.com/ecmaster-go/ethercat/pkg/mailbox"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

const (
	regFMMUBase      = 0x0600
	regFMMUSize      = 16
	regSMSize        = 8
	regDCAssign      = 0x0980
	regSIIAccess     = 0x0500
	siiOwnerEtherCAT = 0x00
	siiOwnerPDI      = 0x01

	smWriteTimeout = time.Second
)

type stage uint8

const (
	stageClearFMMU stage = iota
	stageClearSM
	stageClearDC
	stageConfigSM0
	stageConfigSM0Poll
	stageConfigSM1
	stageConfigSM1Poll
	stageReassignPDI
	stageToTarget
	stageReassignEtherCAT
	stageDone
	stageFailed
)

// FSM drives one slave through the shared init->target bootstrap
// sequence. now is treated as a monotonic nanosecond tick (spec.md §5);
// the FSM records the tick a wait began and diffs the most recent Exec's
// tick against it, rather than trusting a caller-supplied elapsed to
// span the whole wait, since the nested state-change FSM's own two-phase
// timeouts need a wait-duration that survives many intermediate polls.
type FSM struct {
	log    *logrus.Entry
	slave  *slave.Slave
	img    *slave.Image
	target slave.ALState

	stage      stage
	stageStart uint64
	lastNow    uint64

	sub *statechange.FSM

	err error
}

// New builds a bootstrap FSM targeting target (PREOP or BOOT). img
// supplies the SII-advertised mailbox windows used to configure SM0/SM1;
// it may be nil if the slave's mailbox windows were already learned by an
// earlier scan (the FSM falls back to the slave's own MailboxRx/Tx
// fields).
func New(log *logrus.Entry, s *slave.Slave, img *slave.Image, target slave.ALState) *FSM {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FSM{
		log:    log.WithField("component", "bootstrap"),
		slave:  s,
		img:    img,
		target: target,
		stage:  stageClearFMMU,
	}
}

func (f *FSM) Err() error { return f.err }

func (f *FSM) fail(err error) fsm.Progress {
	f.stage = stageFailed
	f.err = err
	f.log.WithError(err).Warn("bootstrap failed")
	return fsm.Failed
}

func (f *FSM) elapsedSinceStageStart() time.Duration {
	return time.Duration(f.lastNow - f.stageStart)
}

func (f *FSM) rxWindow() slave.MailboxWindow {
	if f.target == slave.StateBoot {
		if f.img != nil {
			return f.img.BootstrapMailbox
		}
		return f.slave.MailboxBootstrapRx
	}
	if f.img != nil {
		return f.img.StandardMailbox
	}
	return f.slave.MailboxRx
}

func (f *FSM) txWindow() slave.MailboxWindow {
	if f.target == slave.StateBoot {
		if f.img == nil {
			return f.slave.MailboxBootstrapTx
		}
		// The SII image carries only a single bootstrap window; the tx
		// half is assumed contiguous immediately after it, a convention
		// this module invents in the absence of a second SII field (see
		// DESIGN.md). Callers that already know the real window (a
		// rescan) should leave img nil and rely on the slave's own
		// MailboxBootstrapTx instead.
		rx := f.rxWindow()
		return slave.MailboxWindow{Offset: rx.Offset + rx.Size, Size: rx.Size}
	}
	if f.img != nil {
		return f.img.StandardMailboxOut
	}
	return f.slave.MailboxTx
}

func buildSMConfig(s *slave.Slave, smIndex uint8, win slave.MailboxWindow, control uint8) (*datagram.Datagram, error) {
	reg := mailbox.RegSMConfigBase + uint16(smIndex)*regSMSize
	d, err := datagram.NewFPWR(s.StationAddress, reg, regSMSize)
	if err != nil {
		return nil, err
	}
	buf := d.Data()
	buf[0] = byte(win.Offset)
	buf[1] = byte(win.Offset >> 8)
	buf[2] = byte(win.Size)
	buf[3] = byte(win.Size >> 8)
	buf[4] = control
	buf[5] = 0 // status, read-only on the slave
	buf[6] = 1 // activate
	buf[7] = 0 // PDI control
	return d, nil
}

// Exec advances the FSM by one datagram.
func (f *FSM) Exec(now uint64) (fsm.Progress, *datagram.Datagram, error) {
	f.lastNow = now

	switch f.stage {
	case stageClearFMMU:
		d, err := datagram.NewFPWR(f.slave.StationAddress, regFMMUBase, int(f.slave.FMMUCount)*regFMMUSize)
		if err != nil {
			return f.fail(err), nil, err
		}
		f.stage = stageClearSM
		return fsm.Running, d, nil

	case stageClearSM:
		d, err := datagram.NewFPWR(f.slave.StationAddress, mailbox.RegSMConfigBase, int(f.slave.SMCount)*regSMSize)
		if err != nil {
			return f.fail(err), nil, err
		}
		f.stage = stageClearDC
		return fsm.Running, d, nil

	case stageClearDC:
		d, err := datagram.NewFPWR(f.slave.StationAddress, regDCAssign, 2)
		if err != nil {
			return f.fail(err), nil, err
		}
		f.stage = stageConfigSM0
		return fsm.Running, d, nil

	case stageConfigSM0:
		d, err := buildSMConfig(f.slave, 0, f.rxWindow(), slave.ControlByteMailboxOut)
		if err != nil {
			return f.fail(err), nil, err
		}
		f.stageStart = now
		f.stage = stageConfigSM0Poll
		return fsm.Running, d, nil

	case stageConfigSM0Poll:
		d, err := buildSMConfig(f.slave, 0, f.rxWindow(), slave.ControlByteMailboxOut)
		if err != nil {
			return f.fail(err), nil, err
		}
		return fsm.Running, d, nil

	case stageConfigSM1:
		d, err := buildSMConfig(f.slave, 1, f.txWindow(), slave.ControlByteMailboxIn)
		if err != nil {
			return f.fail(err), nil, err
		}
		f.stageStart = now
		f.stage = stageConfigSM1Poll
		return fsm.Running, d, nil

	case stageConfigSM1Poll:
		d, err := buildSMConfig(f.slave, 1, f.txWindow(), slave.ControlByteMailboxIn)
		if err != nil {
			return f.fail(err), nil, err
		}
		return fsm.Running, d, nil

	case stageReassignPDI:
		d, err := datagram.NewFPWR(f.slave.StationAddress, regSIIAccess, 1)
		if err != nil {
			return f.fail(err), nil, err
		}
		d.Data()[0] = siiOwnerPDI
		return fsm.Running, d, nil

	case stageToTarget:
		return f.sub.Exec(now)

	case stageReassignEtherCAT:
		d, err := datagram.NewFPWR(f.slave.StationAddress, regSIIAccess, 1)
		if err != nil {
			return f.fail(err), nil, err
		}
		d.Data()[0] = siiOwnerEtherCAT
		f.stage = stageDone
		return fsm.Running, d, nil

	case stageDone:
		return fsm.Done, nil, nil
	}
	return fsm.Failed, nil, f.err
}

// Consume feeds back the reply to the datagram most recently returned by
// Exec.
func (f *FSM) Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress {
	switch f.stage {
	case stageConfigSM0Poll:
		if !reply.Unacked() {
			f.stage = stageConfigSM1
			return fsm.Running
		}
		if f.elapsedSinceStageStart() >= smWriteTimeout {
			return f.fail(fmt.Errorf("bootstrap: SM0 config unacknowledged after %s", smWriteTimeout))
		}
		return fsm.Running

	case stageConfigSM1Poll:
		if !reply.Unacked() {
			f.stage = stageReassignPDI
			return fsm.Running
		}
		if f.elapsedSinceStageStart() >= smWriteTimeout {
			return f.fail(fmt.Errorf("bootstrap: SM1 config unacknowledged after %s", smWriteTimeout))
		}
		return fsm.Running

	case stageReassignPDI:
		// Tolerated on failure (spec.md §4.H step 6): move on regardless.
		f.stageStart = f.lastNow
		f.stage = stageToTarget
		f.sub = statechange.New(nil, f.slave, f.target, statechange.ModeFull)
		return fsm.Running

	case stageToTarget:
		elapsedSub := f.elapsedSinceStageStart()
		progress := f.sub.Consume(reply, elapsedSub, elapsedSub)
		if progress == fsm.Failed {
			return f.fail(fmt.Errorf("bootstrap: state change to %s: %w", f.target, f.sub.Err()))
		}
		if progress == fsm.Done {
			f.stage = stageReassignEtherCAT
			return fsm.Running
		}
		return fsm.Running

	case stageDone:
		return fsm.Done
	}
	// Every other stage (FMMU/SM/DC clear, final SII reassign) is a
	// fire-and-forget register write, errors tolerated per spec.md §4.H
	// step 4/6.
	return fsm.Running
}
