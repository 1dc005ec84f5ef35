// Package config implements the slave-config FSM (spec.md §4.H): drives
// one slave from its current AL state through the full 18-step
// configuration sequence to OP, applying its externally owned
// SlaveConfig along the way.
//
// Grounded on _examples/original_source/master/fsm_slave_config.c's
// state sequence (fsm states for each of the steps above, in the same
// order) and on this module's own pkg/fsm/bootstrap (steps 2-8) and
// pkg/fsm/pdomap (step 11), which this package composes rather than
// reimplementing.
package config

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/fsm/bootstrap"
	"github.com/ecmaster-go/ethercat/pkg/fsm/coe"
	"github.com/ecmaster-go/ethercat/pkg/fsm/pdomap"
	"github.com/ecmaster-go/ethercat/pkg/fsm/soe"
	"github.com/ecmaster-go/ethercat/pkg/fsm/statechange"
	"github.com/ecmaster-go/ethercat/pkg/mailbox"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

const (
	regWatchdogDivider = 0x0400
	regWatchdogPDI     = 0x0420
	regFMMUBase        = 0x0600
	regFMMUSize        = 16
	regSMSize          = 8
	regDCCycleTimes    = 0x09A0
	regDCSyncDiff      = 0x092C
	regDCStartTime     = 0x0990
	regDCAssignActivate = 0x0980

	dcSyncTolerance = 10 * time.Microsecond
	dcSyncTimeout   = 5 * time.Second
	watchdogTimeout = time.Second
)

// DCStartOffset is how far ahead of the current tick the computed DC start
// time is placed (spec.md §9 Open Question: "DC start-time forward
// offset"). Exported so a deployment with a slower cyclic exchange than
// this module assumes can widen it.
const DCStartOffset = 100 * time.Millisecond

type stage uint8

const (
	stageInit stage = iota
	stageBootstrap
	stageSDOConfig
	stageSoEPreop
	stagePDOConfig
	stageWatchdog
	stageWatchdogPDI
	stageSMConfig
	stageFMMUConfig
	stageDCWriteCycle
	stageDCPollSync
	stageDCWriteStart
	stageDCEnable
	stageSafeop
	stageSoESafeop
	stageOp
	stageDone
	stageFailed
)

// downloader is the subset of *coe.Download and *soe.Write this package
// drives, defined as an interface so tests can substitute fakes.
type downloader interface {
	Exec(now uint64) (fsm.Progress, *datagram.Datagram, error)
	Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress
	Err() error
}

// FSM drives one slave through the full slave-config sequence.
type FSM struct {
	log   *logrus.Entry
	slave *slave.Slave
	cfg   *slave.SlaveConfig
	img   *slave.Image

	stage      stage
	lastNow    uint64
	stageStart uint64

	bootstrapTarget slave.ALState

	boot *bootstrap.FSM
	sc   *statechange.FSM

	sdoPos  int
	soePos  int
	current downloader

	idx    int
	pdoSub *pdomap.FSM

	err error
}

// New builds a slave-config FSM applying cfg to s, driving it all the
// way from its current state to OP. img supplies the SII-advertised
// mailbox windows bootstrap needs to configure SM0/SM1; it may be nil if
// the slave was already scanned (bootstrap then falls back to the
// slave's own MailboxRx/Tx fields).
func New(log *logrus.Entry, s *slave.Slave, img *slave.Image, cfg *slave.SlaveConfig) *FSM {
	return &FSM{
		log:             log.WithField("component", "config"),
		slave:           s,
		cfg:             cfg,
		img:             img,
		stage:           stageInit,
		bootstrapTarget: slave.StatePreop,
	}
}

// NewQuickStart builds a slave-config FSM that enters directly at step
// 17 (spec.md §4.H "Quick-start entry"): the slave is assumed already in
// SAFEOP with PDO traffic running, and only the SAFEOP-state SoE
// configuration is applied before moving to OP.
func NewQuickStart(log *logrus.Entry, s *slave.Slave, cfg *slave.SlaveConfig) *FSM {
	return &FSM{
		log:   log.WithField("component", "config"),
		slave: s,
		cfg:   cfg,
		stage: stageSoESafeop,
	}
}

func (f *FSM) Err() error { return f.err }

func (f *FSM) fail(err error) fsm.Progress {
	f.stage = stageFailed
	f.err = err
	f.log.WithError(err).Warn("slave config failed")
	return fsm.Failed
}

func (f *FSM) elapsedSinceStageStart() time.Duration {
	return time.Duration(f.lastNow - f.stageStart)
}

// checkReconfiguration implements spec.md §4.H's "Reconfiguration"
// clause: steps 9-18 restart at step 1 if the application detached the
// slave's configuration while they were running.
func (f *FSM) checkReconfiguration() bool {
	if f.stage < stageSDOConfig {
		return false
	}
	if f.slave.Attached() {
		return false
	}
	f.log.Warn("slave configuration detached mid-sequence, restarting at step 1")
	f.stage = stageInit
	f.boot = nil
	f.sc = nil
	f.current = nil
	f.pdoSub = nil
	f.sdoPos = 0
	f.soePos = 0
	f.idx = 0
	return true
}

func buildSMRegisterWrite(s *slave.Slave, sm slave.SM) (*datagram.Datagram, error) {
	reg := mailbox.RegSMConfigBase + uint16(sm.Index)*regSMSize
	d, err := datagram.NewFPWR(s.StationAddress, reg, regSMSize)
	if err != nil {
		return nil, err
	}
	buf := d.Data()
	binary.LittleEndian.PutUint16(buf[0:2], sm.PhysicalStart)
	binary.LittleEndian.PutUint16(buf[2:4], sm.Length)
	buf[4] = sm.ControlRegister
	buf[5] = 0
	if sm.Enable {
		buf[6] = 1
	}
	buf[7] = 0
	return d, nil
}

func processDataSMLength(sm slave.SM) uint16 {
	if len(sm.PDOs) == 0 {
		return sm.Length
	}
	var bits int
	for _, p := range sm.PDOs {
		bits += p.BitLength()
	}
	return uint16((bits + 7) / 8)
}

func buildFMMUWrite(s *slave.Slave, reg uint16, fc slave.FMMUConfig) (*datagram.Datagram, error) {
	d, err := datagram.NewFPWR(s.StationAddress, reg, regFMMUSize)
	if err != nil {
		return nil, err
	}
	buf := d.Data()
	binary.LittleEndian.PutUint32(buf[0:4], fc.LogicalStart)
	binary.LittleEndian.PutUint16(buf[4:6], fc.Length)
	buf[6] = fc.LogicalStartBit
	buf[7] = fc.LogicalStopBit
	binary.LittleEndian.PutUint16(buf[8:10], fc.PhysicalStart)
	buf[10] = fc.PhysicalStartBit
	if fc.Type == slave.FMMUOutputs {
		buf[11] = 0x01 // read-enable: master writes outputs, slave reads
	} else {
		buf[11] = 0x02 // write-enable: slave writes inputs, master reads
	}
	buf[12] = 0 // reserved
	buf[15] = 1 // activate
	return d, nil
}

func absDiff32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// Exec advances the FSM by one datagram.
func (f *FSM) Exec(now uint64) (fsm.Progress, *datagram.Datagram, error) {
	f.lastNow = now
	f.checkReconfiguration()

	switch f.stage {
	case stageInit:
		if f.sc == nil {
			f.sc = statechange.New(nil, f.slave, slave.StateInit, statechange.ModeFull)
			f.stageStart = now
		}
		return f.sc.Exec(now)

	case stageBootstrap:
		if f.boot == nil {
			f.boot = bootstrap.New(f.log, f.slave, f.img, f.bootstrapTarget)
		}
		return f.boot.Exec(now)

	case stageSDOConfig:
		if f.sdoPos >= len(f.cfg.SDOWrites) {
			f.stage = stageSoEPreop
			return f.Exec(now)
		}
		if f.current == nil {
			w := f.cfg.SDOWrites[f.sdoPos]
			f.current = coe.NewDownload(f.log, f.slave, 0, w.Index, w.Subindex, w.CompleteAccess, w.Data)
		}
		return f.current.Exec(now)

	case stageSoEPreop:
		if f.soePos >= len(f.cfg.SoEPreop) {
			f.stage = stagePDOConfig
			f.soePos = 0
			return f.Exec(now)
		}
		if f.current == nil {
			w := f.cfg.SoEPreop[f.soePos]
			f.current = soe.NewWrite(f.log, f.slave, w.DriveNo, w.IDN, w.Data)
		}
		return f.current.Exec(now)

	case stagePDOConfig:
		if f.idx >= len(f.cfg.ProcessDataSMs) {
			f.stage = stageWatchdog
			return f.Exec(now)
		}
		if f.pdoSub == nil {
			sm := f.cfg.ProcessDataSMs[f.idx]
			f.pdoSub = pdomap.New(f.log, f.slave, &sm)
		}
		return f.pdoSub.Exec(now)

	case stageWatchdog:
		if f.cfg.Watchdog.Divider == 0 {
			f.stage = stageWatchdogPDI
			return f.Exec(now)
		}
		d, err := datagram.NewFPWR(f.slave.StationAddress, regWatchdogDivider, 2)
		if err != nil {
			return f.fail(err), nil, err
		}
		binary.LittleEndian.PutUint16(d.Data(), f.cfg.Watchdog.Divider)
		f.stageStart = now
		return fsm.Running, d, nil

	case stageWatchdogPDI:
		if f.cfg.Watchdog.PDIInterval == 0 {
			f.stage = stageSMConfig
			return f.Exec(now)
		}
		d, err := datagram.NewFPWR(f.slave.StationAddress, regWatchdogPDI, 2)
		if err != nil {
			return f.fail(err), nil, err
		}
		binary.LittleEndian.PutUint16(d.Data(), f.cfg.Watchdog.PDIInterval)
		f.stageStart = now
		return fsm.Running, d, nil

	case stageSMConfig:
		if f.idx >= len(f.cfg.ProcessDataSMs) {
			f.stage = stageFMMUConfig
			f.idx = 0
			return f.Exec(now)
		}
		sm := f.cfg.ProcessDataSMs[f.idx]
		sm.Length = processDataSMLength(sm)
		d, err := buildSMRegisterWrite(f.slave, sm)
		if err != nil {
			return f.fail(err), nil, err
		}
		return fsm.Running, d, nil

	case stageFMMUConfig:
		if f.idx >= len(f.cfg.FMMUs) {
			f.stage = stageDCWriteCycle
			f.idx = 0
			return f.Exec(now)
		}
		fc := f.cfg.FMMUs[f.idx]
		reg := regFMMUBase + uint16(f.idx)*regFMMUSize
		d, err := buildFMMUWrite(f.slave, reg, fc)
		if err != nil {
			return f.fail(err), nil, err
		}
		return fsm.Running, d, nil

	case stageDCWriteCycle:
		if f.cfg.DCSync.Cycle0Time == 0 {
			f.stage = stageSafeop
			return f.Exec(now)
		}
		d, err := datagram.NewFPWR(f.slave.StationAddress, regDCCycleTimes, 8)
		if err != nil {
			return f.fail(err), nil, err
		}
		binary.LittleEndian.PutUint32(d.Data()[0:4], f.cfg.DCSync.Cycle0Time)
		binary.LittleEndian.PutUint32(d.Data()[4:8], f.cfg.DCSync.Cycle1Time)
		return fsm.Running, d, nil

	case stageDCPollSync:
		d, err := datagram.NewFPRD(f.slave.StationAddress, regDCSyncDiff, 4)
		if err != nil {
			return f.fail(err), nil, err
		}
		return fsm.Running, d, nil

	case stageDCWriteStart:
		d, err := datagram.NewFPWR(f.slave.StationAddress, regDCStartTime, 8)
		if err != nil {
			return f.fail(err), nil, err
		}
		// app_time approximated by the tick clock; this FSM has no
		// separate DC reference-clock plane to read ref_time from (that
		// belongs to the master engine's reference-slave selection, not
		// yet built), so ref_time is taken as 0.
		period := int64(f.cfg.DCSync.Cycle0Time) + int64(f.cfg.DCSync.Cycle1Time)
		var start int64
		if period > 0 {
			start = (int64(f.lastNow)+int64(DCStartOffset))%period + int64(f.cfg.DCSync.ShiftTime)
		}
		binary.LittleEndian.PutUint64(d.Data(), uint64(start))
		return fsm.Running, d, nil

	case stageDCEnable:
		d, err := datagram.NewFPWR(f.slave.StationAddress, regDCAssignActivate, 2)
		if err != nil {
			return f.fail(err), nil, err
		}
		binary.LittleEndian.PutUint16(d.Data(), 1)
		return fsm.Running, d, nil

	case stageSafeop:
		if f.sc == nil {
			f.sc = statechange.New(nil, f.slave, slave.StateSafeop, statechange.ModeFull)
			f.stageStart = now
		}
		return f.sc.Exec(now)

	case stageSoESafeop:
		if f.soePos >= len(f.cfg.SoESafeop) {
			f.stage = stageOp
			return f.Exec(now)
		}
		if f.current == nil {
			w := f.cfg.SoESafeop[f.soePos]
			f.current = soe.NewWrite(f.log, f.slave, w.DriveNo, w.IDN, w.Data)
		}
		return f.current.Exec(now)

	case stageOp:
		if f.sc == nil {
			f.sc = statechange.New(nil, f.slave, slave.StateOp, statechange.ModeFull)
			f.stageStart = now
		}
		return f.sc.Exec(now)

	case stageDone:
		return fsm.Done, nil, nil
	}
	return fsm.Failed, nil, f.err
}

// Consume feeds back the reply to the datagram most recently returned by
// Exec.
func (f *FSM) Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress {
	switch f.stage {
	case stageInit:
		progress := f.sc.Consume(reply, f.elapsedSinceStageStart(), f.elapsedSinceStageStart())
		if progress == fsm.Failed {
			return f.fail(fmt.Errorf("slave config: -> INIT: %w", f.sc.Err()))
		}
		if progress == fsm.Done {
			f.sc = nil
			f.stage = stageBootstrap
		}
		return fsm.Running

	case stageBootstrap:
		progress := f.boot.Consume(reply, elapsed)
		if progress == fsm.Failed {
			return f.fail(fmt.Errorf("slave config: bootstrap to %s: %w", f.bootstrapTarget, f.boot.Err()))
		}
		if progress == fsm.Done {
			f.boot = nil
			f.stage = stageSDOConfig
		}
		return fsm.Running

	case stageSDOConfig:
		progress := f.current.Consume(reply, elapsed)
		if progress == fsm.Failed {
			return f.fail(fmt.Errorf("slave config: SDO write %d: %w", f.sdoPos, f.current.Err()))
		}
		if progress == fsm.Done {
			f.current = nil
			f.sdoPos++
		}
		return fsm.Running

	case stageSoEPreop:
		progress := f.current.Consume(reply, elapsed)
		if progress == fsm.Failed {
			return f.fail(fmt.Errorf("slave config: SoE preop write %d: %w", f.soePos, f.current.Err()))
		}
		if progress == fsm.Done {
			f.current = nil
			f.soePos++
		}
		return fsm.Running

	case stagePDOConfig:
		progress := f.pdoSub.Consume(reply, elapsed)
		if progress == fsm.Failed {
			return f.fail(fmt.Errorf("slave config: PDO mapping SM %d: %w", f.idx, f.pdoSub.Err()))
		}
		if progress == fsm.Done {
			f.pdoSub = nil
			f.idx++
		}
		return fsm.Running

	case stageWatchdog:
		if !reply.Unacked() {
			f.stage = stageWatchdogPDI
			return fsm.Running
		}
		if f.elapsedSinceStageStart() >= watchdogTimeout {
			f.log.Warn("watchdog divider unacknowledged, continuing anyway")
			f.stage = stageWatchdogPDI
		}
		return fsm.Running

	case stageWatchdogPDI:
		if !reply.Unacked() {
			f.stage = stageSMConfig
			f.idx = 0
			return fsm.Running
		}
		if f.elapsedSinceStageStart() >= watchdogTimeout {
			f.log.Warn("watchdog PDI interval unacknowledged, continuing anyway")
			f.stage = stageSMConfig
			f.idx = 0
		}
		return fsm.Running

	case stageSMConfig:
		// Fire-and-forget register write (spec.md §4.H step 13 carries no
		// explicit error handling beyond the writes themselves).
		f.idx++
		return fsm.Running

	case stageFMMUConfig:
		f.idx++
		return fsm.Running

	case stageDCWriteCycle:
		f.stageStart = f.lastNow
		f.stage = stageDCPollSync
		return fsm.Running

	case stageDCPollSync:
		if reply.Unacked() {
			if f.elapsedSinceStageStart() >= dcSyncTimeout {
				f.log.Warn("DC sync did not converge within timeout, proceeding")
				f.stage = stageDCWriteStart
			}
			return fsm.Running
		}
		diffRaw := binary.LittleEndian.Uint32(reply.Data())
		diff := int32(diffRaw &^ (1 << 31))
		if diffRaw&(1<<31) != 0 {
			diff = -diff
		}
		if absDiff32(diff) <= int32(dcSyncTolerance.Nanoseconds()) {
			f.stage = stageDCWriteStart
			return fsm.Running
		}
		if f.elapsedSinceStageStart() >= dcSyncTimeout {
			f.log.Warn("DC sync did not converge within timeout, proceeding")
			f.stage = stageDCWriteStart
		}
		return fsm.Running

	case stageDCWriteStart:
		f.stage = stageDCEnable
		return fsm.Running

	case stageDCEnable:
		f.stage = stageSafeop
		return fsm.Running

	case stageSafeop:
		progress := f.sc.Consume(reply, f.elapsedSinceStageStart(), f.elapsedSinceStageStart())
		if progress == fsm.Failed {
			return f.fail(fmt.Errorf("slave config: -> SAFEOP: %w", f.sc.Err()))
		}
		if progress == fsm.Done {
			f.sc = nil
			f.stage = stageSoESafeop
		}
		return fsm.Running

	case stageSoESafeop:
		progress := f.current.Consume(reply, elapsed)
		if progress == fsm.Failed {
			return f.fail(fmt.Errorf("slave config: SoE safeop write %d: %w", f.soePos, f.current.Err()))
		}
		if progress == fsm.Done {
			f.current = nil
			f.soePos++
		}
		return fsm.Running

	case stageOp:
		progress := f.sc.Consume(reply, f.elapsedSinceStageStart(), f.elapsedSinceStageStart())
		if progress == fsm.Failed {
			return f.fail(fmt.Errorf("slave config: -> OP: %w", f.sc.Err()))
		}
		if progress == fsm.Done {
			f.sc = nil
			f.stage = stageDone
			return fsm.Done
		}
		return fsm.Running

	case stageDone:
		return fsm.Done
	}
	return fsm.Running
}
