// Package scan implements the per-slave discovery FSM (spec.md §4.G):
// assign a station address, read base capabilities and distributed-clock
// topology, pull the SII identity and image, then (when the slave
// advertises a mailbox protocol) bring it up to PREOP far enough to learn
// its configured mailbox windows and read back its currently assigned
// PDOs.
//
// Grounded on
// _examples/original_source/master/fsm_slave_scan.c's state sequence
// (ec_fsm_slave_scan_state_address -> state -> base -> dc_cap -> dc_times
// -> datalink -> assign_sii -> sii_identity -> preop -> sync -> pdos),
// generalized from that file's separate sub-state-machine composition
// into this module's Exec/Consume seam, reusing pkg/sii,
// pkg/fsm/bootstrap and pkg/fsm/pdomap for the sub-phases it shares with
// other components.
package scan

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/fsm/bootstrap"
	"github.com/ecmaster-go/ethercat/pkg/fsm/pdomap"
	"github.com/ecmaster-go/ethercat/pkg/mailbox"
	"github.com/ecmaster-go/ethercat/pkg/sii"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

const (
	regStationAddress = 0x0010
	regALStatus       = 0x0130
	regBaseInfo       = 0x0000
	regDCCapability   = 0x0910
	regDCPortTimes    = 0x0900
	regDLStatus       = 0x0110
	regSIIAccess      = 0x0500
	regMailboxConfig  = 0x0800

	baseInfoSize    = 12
	dcCapabilitySize = 8
	dcPortTimesSize = 16
	mailboxConfigSize = 16 // two 8-byte SM descriptors, SM0 then SM1

	siiOwnerEtherCAT = 0x00

	portCount = 4
)

type stage uint8

const (
	stageAssignAddress stage = iota
	stageALStatus
	stageBaseInfo
	stageDCCapability
	stageDCPortTimes
	stageDLStatus
	stageReassignSII
	stageSII
	stageBootstrap
	stageMailboxWindow
	stageMailboxDrain
	stagePDOs
	stageDone
	stageFailed
)

// FSM drives one slave through discovery. now is treated as a monotonic
// nanosecond tick, per spec.md §5.
type FSM struct {
	log   *logrus.Entry
	slave *slave.Slave
	table *slave.Table
	fw    sii.FirmwareSource

	// lastBroadcastTiming is the DC receive-time value most recently
	// observed on a broadcast-timing datagram by the caller (the master
	// engine); a port whose own receive time equals it has not yet been
	// reached by the ring (spec.md §4.G step 4).
	lastBroadcastTiming uint32

	stage stage

	siiReader  *sii.Reader
	bootFSM    *bootstrap.FSM
	pdoReader  *pdomap.Reader

	dcCapable      bool
	mailboxReady   bool
	img            *slave.Image

	err error
}

// New starts a scan FSM for s, using its already-assigned ring position.
// lastBroadcastTiming is the caller's most recently observed broadcast DC
// timing value, used to detect bypassed ports in step 4.
func New(log *logrus.Logger, s *slave.Slave, table *slave.Table, fw sii.FirmwareSource, lastBroadcastTiming uint32) *FSM {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FSM{
		log:                 log.WithFields(logrus.Fields{"component": "scan", "slave": s.RingPosition}),
		slave:               s,
		table:               table,
		fw:                  fw,
		lastBroadcastTiming: lastBroadcastTiming,
		stage:               stageAssignAddress,
	}
}

func (f *FSM) Err() error { return f.err }

func (f *FSM) fail(err error) fsm.Progress {
	f.stage = stageFailed
	f.err = err
	f.slave.SetError(err.Error())
	f.log.WithError(err).Warn("scan failed")
	return fsm.Failed
}

// Exec advances the FSM by one datagram (or by delegating to a nested
// FSM, which itself advances by exactly one datagram).
func (f *FSM) Exec(now uint64) (fsm.Progress, *datagram.Datagram, error) {
	switch f.stage {
	case stageAssignAddress:
		station := ringPositionToStationAddress(f.slave.RingPosition)
		d, err := datagram.NewAPWR(int16(f.slave.RingPosition), regStationAddress, 2)
		if err != nil {
			return f.fail(err), nil, err
		}
		binary.LittleEndian.PutUint16(d.Data(), station)
		f.slave.StationAddress = station
		return fsm.Running, d, nil

	case stageALStatus:
		d, err := datagram.NewFPRD(f.slave.StationAddress, regALStatus, 2)
		if err != nil {
			return f.fail(err), nil, err
		}
		return fsm.Running, d, nil

	case stageBaseInfo:
		d, err := datagram.NewFPRD(f.slave.StationAddress, regBaseInfo, baseInfoSize)
		if err != nil {
			return f.fail(err), nil, err
		}
		return fsm.Running, d, nil

	case stageDCCapability:
		d, err := datagram.NewFPRD(f.slave.StationAddress, regDCCapability, dcCapabilitySize)
		if err != nil {
			return f.fail(err), nil, err
		}
		return fsm.Running, d, nil

	case stageDCPortTimes:
		d, err := datagram.NewFPRD(f.slave.StationAddress, regDCPortTimes, dcPortTimesSize)
		if err != nil {
			return f.fail(err), nil, err
		}
		return fsm.Running, d, nil

	case stageDLStatus:
		d, err := datagram.NewFPRD(f.slave.StationAddress, regDLStatus, 2)
		if err != nil {
			return f.fail(err), nil, err
		}
		return fsm.Running, d, nil

	case stageReassignSII:
		d, err := datagram.NewFPWR(f.slave.StationAddress, regSIIAccess, 1)
		if err != nil {
			return f.fail(err), nil, err
		}
		d.Data()[0] = siiOwnerEtherCAT
		return fsm.Running, d, nil

	case stageSII:
		return f.siiReader.Exec(now)

	case stageBootstrap:
		return f.bootFSM.Exec(now)

	case stageMailboxWindow:
		d, err := datagram.NewFPRD(f.slave.StationAddress, regMailboxConfig, mailboxConfigSize)
		if err != nil {
			return f.fail(err), nil, err
		}
		return fsm.Running, d, nil

	case stageMailboxDrain:
		d, err := mailbox.PrepareFetch(f.slave)
		if err != nil {
			return f.fail(err), nil, err
		}
		return fsm.Running, d, nil

	case stagePDOs:
		return f.pdoReader.Exec(now)

	case stageDone:
		return fsm.Done, nil, nil
	}
	return fsm.Failed, nil, f.err
}

// Consume feeds back the reply to the datagram most recently returned by
// Exec.
func (f *FSM) Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress {
	switch f.stage {
	case stageAssignAddress:
		if reply.Unacked() {
			return f.fail(fmt.Errorf("scan: station address assignment unacked at ring position %d", f.slave.RingPosition))
		}
		f.stage = stageALStatus
		return fsm.Running

	case stageALStatus:
		if !reply.Unacked() {
			status := slave.ALState(uint16(reply.Data()[0]) | uint16(reply.Data()[1])<<8)
			f.slave.CurrentState = status
			if status.HasAckErr() {
				f.log.WithField("status", status).Warn("slave reports ack_err at scan start")
			}
		}
		f.stage = stageBaseInfo
		return fsm.Running

	case stageBaseInfo:
		if reply.Unacked() {
			return f.fail(fmt.Errorf("scan: base info read unacked"))
		}
		f.applyBaseInfo(reply.Data())
		if f.dcCapable {
			f.stage = stageDCCapability
		} else {
			f.stage = stageDLStatus
		}
		return fsm.Running

	case stageDCCapability:
		f.slave.DCSupported = !reply.Unacked()
		if f.slave.DCSupported {
			f.stage = stageDCPortTimes
		} else {
			f.stage = stageDLStatus
		}
		return fsm.Running

	case stageDCPortTimes:
		if !reply.Unacked() {
			f.applyDCPortTimes(reply.Data())
		}
		f.stage = stageDLStatus
		return fsm.Running

	case stageDLStatus:
		if !reply.Unacked() {
			f.applyDLStatus(reply.Data())
		}
		f.stage = stageReassignSII
		return fsm.Running

	case stageReassignSII:
		// Tolerated on failure (spec.md §4.G step 6): proceed regardless.
		f.stage = stageSII
		f.siiReader = sii.NewReader(f.log.Logger, f.slave, f.table, sii.Configured, f.fw)
		return fsm.Running

	case stageSII:
		progress := f.siiReader.Consume(reply, elapsed)
		switch progress {
		case fsm.Running:
			return fsm.Running
		case fsm.Failed:
			return f.fail(fmt.Errorf("scan: SII read: %w", f.siiReader.Err()))
		}
		f.img = f.siiReader.Image()
		f.slave.SII = f.img
		f.slave.Identity = f.img.Identity
		f.slave.MailboxProtocols = f.img.Protocols
		f.slave.MailboxBootstrapRx = f.img.BootstrapMailbox
		f.slave.MailboxRx = f.img.StandardMailbox
		f.slave.MailboxTx = f.img.StandardMailboxOut
		f.initSMs()
		if f.hasMailboxProtocol() {
			f.stage = stageBootstrap
			f.bootFSM = bootstrap.New(f.log, f.slave, f.img, slave.StatePreop)
		} else {
			f.stage = stageDone
			return fsm.Done
		}
		return fsm.Running

	case stageBootstrap:
		progress := f.bootFSM.Consume(reply, elapsed)
		switch progress {
		case fsm.Running:
			return fsm.Running
		case fsm.Failed:
			return f.fail(fmt.Errorf("scan: bootstrap to PREOP: %w", f.bootFSM.Err()))
		}
		f.stage = stageMailboxWindow
		return fsm.Running

	case stageMailboxWindow:
		if reply.Unacked() {
			f.log.Warn("scan: mailbox window read unacked, skipping PDO read")
			f.stage = stageDone
			return fsm.Done
		}
		f.applyMailboxWindow(reply.Data())
		f.mailboxReady = true
		f.stage = stageMailboxDrain
		return fsm.Running

	case stageMailboxDrain:
		// Errors and empty replies ignored (spec.md §4.G step 8).
		if f.mailboxReady && !f.hasCachedPDOs() {
			f.stage = stagePDOs
			f.pdoReader = pdomap.NewReader(f.log, f.slave)
			return fsm.Running
		}
		if f.mailboxReady {
			f.applyCachedPDOs()
		}
		f.stage = stageDone
		return fsm.Done

	case stagePDOs:
		progress := f.pdoReader.Consume(reply, elapsed)
		switch progress {
		case fsm.Running:
			return fsm.Running
		case fsm.Failed:
			return f.fail(fmt.Errorf("scan: PDO read: %w", f.pdoReader.Err()))
		}
		f.cachePDOs()
		f.stage = stageDone
		return fsm.Done

	case stageDone:
		return fsm.Done
	}
	return fsm.Running
}

// ringPositionToStationAddress maps a ring position to a station address,
// per spec.md §4.G step 1: auto-increment addressing uses negative ring
// offsets, so the assigned station address is the fixed-offset
// complement the rest of the stack addresses slaves by.
func ringPositionToStationAddress(ringPosition uint16) uint16 {
	return 0x1000 + ringPosition
}

// applyBaseInfo decodes the 12-byte base-info reply (spec.md §4.G step
// 3). Layout (this module's own convention, no public register spec
// covers the exact byte packing): type:u16, revision:u16, build:u32,
// fmmu_count:u8, sm_count:u8, ports:u8 (2 bits per port, port type),
// flags:u8 (bit0 dc_supported, bit1 dc_64bit, bits2-4 dc_range_bits).
func (f *FSM) applyBaseInfo(data []byte) {
	fmmuCount := data[8]
	smCount := data[9]
	flags := data[11]

	f.slave.FMMUCount = clampFMMU(fmmuCount)
	f.slave.SMCount = clampSM(smCount)
	f.dcCapable = flags&0x01 != 0
	f.slave.DC64Bit = flags&0x02 != 0
	f.slave.DCRangeBits = (flags >> 2) & 0x07
}

// clampFMMU and clampSM bound counts read off the wire to the hardware
// maximum this module supports (spec.md §4.G step 3 "clamped").
func clampFMMU(n uint8) uint8 {
	if n > maxFMMU {
		return maxFMMU
	}
	return n
}

func clampSM(n uint8) uint8 {
	if n > maxSM {
		return maxSM
	}
	return n
}

const (
	maxFMMU = 16
	maxSM   = 32
)

// applyDCPortTimes decodes the 16-byte, 4-port receive-time reply
// (spec.md §4.G step 4) and marks a port bypassed when its time matches
// the last observed broadcast timing value.
func (f *FSM) applyDCPortTimes(data []byte) {
	for i := 0; i < portCount; i++ {
		t := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		f.slave.Ports[i].DCReceiveTime = t
		f.slave.Ports[i].Bypassed = t == f.lastBroadcastTiming
	}
}

// applyDLStatus decodes the 2-byte DL status word (spec.md §4.G step 5).
// Layout (this module's own convention): 4 bits per port, bit0 link-up,
// bit1 loop-closed, bit2 signal-detected.
func (f *FSM) applyDLStatus(data []byte) {
	status := binary.LittleEndian.Uint16(data)
	for i := 0; i < portCount; i++ {
		base := uint(i * 4)
		f.slave.Ports[i].LinkUp = status&(1<<base) != 0
		f.slave.Ports[i].LoopClosed = status&(1<<(base+1)) != 0
		f.slave.Ports[i].SignalDetected = status&(1<<(base+2)) != 0
	}
}

// applyMailboxWindow decodes the configured mailbox SM descriptor pair
// (spec.md §4.G step 8): SM0 (rx) then SM1 (tx), 8 bytes each, offset+2
// then length+2 at the head of each descriptor (same layout as
// pkg/fsm/bootstrap's SM config write, byte-for-byte).
func (f *FSM) applyMailboxWindow(data []byte) {
	f.slave.MailboxRx = slave.MailboxWindow{
		Offset: binary.LittleEndian.Uint16(data[0:2]),
		Size:   binary.LittleEndian.Uint16(data[2:4]),
	}
	f.slave.MailboxTx = slave.MailboxWindow{
		Offset: binary.LittleEndian.Uint16(data[8:10]),
		Size:   binary.LittleEndian.Uint16(data[10:12]),
	}
}

func (f *FSM) hasMailboxProtocol() bool {
	return f.slave.MailboxProtocols != 0
}

// initSMs allocates the slave's live SM table from the SII image's
// sync-manager category, clamped to the discovered SM count, so
// pkg/fsm/pdomap.Reader has somewhere to record assigned PDOs.
func (f *FSM) initSMs() {
	n := int(f.slave.SMCount)
	if n == 0 {
		n = len(f.img.SMs)
	}
	sms := make([]slave.SM, n)
	for i := range sms {
		sms[i].Index = uint8(i)
		if i < len(f.img.SMs) {
			sms[i].PhysicalStart = f.img.SMs[i].PhysicalStart
			sms[i].Length = f.img.SMs[i].Length
			sms[i].ControlRegister = f.img.SMs[i].ControlRegister
			sms[i].Enable = f.img.SMs[i].Enable
		}
	}
	f.slave.SMs = sms
}

// hasCachedPDOs reports whether this identity's SII image already
// carries a live PDO assignment learned by an earlier scan of an
// identical slave (spec.md §4.G step 9 "no cached PDO set exists").
func (f *FSM) hasCachedPDOs() bool {
	for _, sm := range f.img.SMs {
		if len(sm.PDOs) > 0 {
			return true
		}
	}
	return false
}

// applyCachedPDOs copies a previously cached PDO assignment from the
// shared image onto this slave's live SM table.
func (f *FSM) applyCachedPDOs() {
	for i, cached := range f.img.SMs {
		if i < len(f.slave.SMs) {
			f.slave.SMs[i].PDOs = cached.PDOs
		}
	}
}

// cachePDOs copies the just-read live PDO assignment back onto the
// shared image so subsequent identical slaves can skip the read.
func (f *FSM) cachePDOs() {
	for i := range f.slave.SMs {
		if len(f.slave.SMs[i].PDOs) == 0 {
			continue
		}
		if i < len(f.img.SMs) {
			f.img.SMs[i].PDOs = f.slave.SMs[i].PDOs
		}
	}
}
