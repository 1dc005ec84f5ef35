// Package pdomap configures a slave's PDO mapping and sync-manager
// assignment over CoE (spec.md §4.F): clear the SM's PDO assignment
// count, clear then rewrite the mapping entries for each PDO, then write
// the SM's PDO assignment entries and count. Every write rides the same CoE download FSM as ordinary SDO
// access, sequenced one at a time by this package.
//
// Grounded on the teacher's pkg/config/pdo.go (ClearMappings /
// WriteMappings / WriteConfigurationPDO), generalized from a CANopen
// RPDO/TPDO communication+mapping object pair to an EtherCAT sync
// manager's PDO assignment object (0x1C10+sm) and that PDO's own mapping
// object (well-known RxPDO/TxPDO index range carried on the slave
// record, spec.md §4.F).
package pdomap

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/fsm/coe"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

// downloader is the subset of *coe.Download this package drives; defined
// as an interface so tests can substitute a fake without a real mailbox.
type downloader interface {
	Exec(now uint64) (fsm.Progress, *datagram.Datagram, error)
	Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress
	Err() error
}

type step struct {
	index    uint16
	subindex uint8
	data     []byte
	label    string
}

// FSM sequences the clear/write steps needed to apply one PDO's mapping
// and one sync manager's assignment list.
type FSM struct {
	log   *logrus.Entry
	slave *slave.Slave

	steps   []step
	pos     int
	current downloader

	newDownload func(index uint16, subindex uint8, data []byte) downloader

	done bool
	err  error
}

// New builds a PDO-mapping FSM that applies sm's current PDO list to the
// wire: clears the SM's assignment, rewrites every assigned PDO's
// mapping object, then rewrites the assignment list itself.
func New(log *logrus.Entry, s *slave.Slave, sm *slave.SM) *FSM {
	f := &FSM{log: log, slave: s}
	f.newDownload = func(index uint16, subindex uint8, data []byte) downloader {
		return coe.NewDownload(log, s, 0, index, subindex, false, data)
	}
	f.steps = buildSteps(sm)
	return f
}

func buildSteps(sm *slave.SM) []step {
	assignIndex := slave.SyncManagerPDOAssignBase + uint16(sm.Index)
	steps := []step{
		{index: assignIndex, subindex: 0, data: []byte{0}, label: "clear SM assignment count"},
	}
	for _, p := range sm.PDOs {
		steps = append(steps, step{index: p.Index, subindex: 0, data: []byte{0}, label: fmt.Sprintf("clear PDO 0x%04x mapping count", p.Index)})
		for i, e := range p.Entries {
			raw := make([]byte, 4)
			binary.LittleEndian.PutUint32(raw, uint32(e.Index)<<16|uint32(e.Subindex)<<8|uint32(e.BitLength))
			steps = append(steps, step{
				index:    p.Index,
				subindex: uint8(i + 1),
				data:     raw,
				label:    fmt.Sprintf("write PDO 0x%04x entry %d mapping", p.Index, i+1),
			})
		}
		steps = append(steps, step{index: p.Index, subindex: 0, data: []byte{uint8(len(p.Entries))}, label: fmt.Sprintf("set PDO 0x%04x mapping count", p.Index)})
	}
	for i, p := range sm.PDOs {
		raw := make([]byte, 2)
		binary.LittleEndian.PutUint16(raw, p.Index)
		steps = append(steps, step{index: assignIndex, subindex: uint8(i + 1), data: raw, label: "write SM assignment entry"})
	}
	steps = append(steps, step{index: assignIndex, subindex: 0, data: []byte{uint8(len(sm.PDOs))}, label: "set SM assignment count"})
	return steps
}

func (f *FSM) Err() error { return f.err }

func (f *FSM) fail(err error) fsm.Progress {
	f.done = true
	f.err = err
	return fsm.Failed
}

func (f *FSM) startStep() {
	s := f.steps[f.pos]
	f.log.WithFields(logrus.Fields{"index": s.index, "subindex": s.subindex, "step": s.label}).Debug("pdo mapping step")
	f.current = f.newDownload(s.index, s.subindex, s.data)
}

// Exec advances the FSM by one datagram.
func (f *FSM) Exec(now uint64) (fsm.Progress, *datagram.Datagram, error) {
	if f.done {
		if f.err != nil {
			return fsm.Failed, nil, f.err
		}
		return fsm.Done, nil, nil
	}
	if len(f.steps) == 0 {
		f.done = true
		return fsm.Done, nil, nil
	}
	if f.current == nil {
		f.startStep()
	}
	return f.current.Exec(now)
}

// Consume processes a reply for the currently active step, advancing to
// the next step on success.
func (f *FSM) Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress {
	if f.done {
		if f.err != nil {
			return fsm.Failed
		}
		return fsm.Done
	}
	progress := f.current.Consume(reply, elapsed)
	switch progress {
	case fsm.Failed:
		return f.fail(fmt.Errorf("pdo mapping step %q: %w", f.steps[f.pos].label, f.current.Err()))
	case fsm.Done:
		f.pos++
		f.current = nil
		if f.pos >= len(f.steps) {
			f.done = true
			return fsm.Done
		}
		return fsm.Running
	default:
		return fsm.Running
	}
}
