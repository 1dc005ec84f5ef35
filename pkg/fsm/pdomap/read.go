package pdomap

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/fsm/coe"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

// uploader is the subset of *coe.Upload the reader drives, mirroring
// downloader so tests can substitute a fake.
type uploader interface {
	Exec(now uint64) (fsm.Progress, *datagram.Datagram, error)
	Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress
	Result() []byte
	Err() error
}

type readPhase uint8

const (
	readSMCount readPhase = iota
	readPDOIndex
	readEntryCount
	readEntry
	readDone
	readFailed
)

// Reader walks a slave's currently assigned PDO mapping (spec.md §4.F
// "Reading"): for every sync manager index 2..31, the assigned-PDO count
// and each assigned PDO index, then that PDO's own entry count and packed
// entries. Results are written directly onto s.SMs.
//
// An SM index that aborts on the count read (typically "object does not
// exist") is treated as absent and skipped, the same tolerance the
// dictionary enumeration FSM gives per-object describe errors.
type Reader struct {
	log   *logrus.Entry
	slave *slave.Slave

	newUpload func(index uint16, subindex uint8) uploader
	current   uploader

	phase readPhase
	err   error

	smIndex int
	maxSM   int

	sm        *slave.SM
	slotIdx   int
	slotCount int

	pdo        *slave.PDO
	entryIdx   int
	entryCount int
}

// NewReader starts a PDO-mapping reader for s. s.SMCount must already be
// populated (spec.md §4.G step 3) so the scan range can be clamped; a zero
// count falls back to the full 2..31 range the protocol allows.
func NewReader(log *logrus.Entry, s *slave.Slave) *Reader {
	maxSM := int(s.SMCount)
	if maxSM == 0 || maxSM > 32 {
		maxSM = 32
	}
	r := &Reader{log: log, slave: s, smIndex: 2, maxSM: maxSM}
	r.newUpload = func(index uint16, subindex uint8) uploader {
		return coe.NewUpload(log, s, 0, index, subindex, false)
	}
	return r
}

func (r *Reader) Err() error { return r.err }

func (r *Reader) fail(err error) fsm.Progress {
	r.phase = readFailed
	r.err = err
	return fsm.Failed
}

func smAssignIndex(smIndex int) uint16 { return slave.SyncManagerPDOAssignBase + uint16(smIndex) }

func (r *Reader) startSMCount() {
	r.current = r.newUpload(smAssignIndex(r.smIndex), 0)
	r.phase = readSMCount
}

func (r *Reader) startPDOIndex() {
	r.current = r.newUpload(smAssignIndex(r.smIndex), uint8(r.slotIdx))
	r.phase = readPDOIndex
}

func (r *Reader) startEntryCount() {
	r.current = r.newUpload(r.pdo.Index, 0)
	r.phase = readEntryCount
}

func (r *Reader) startEntry() {
	r.current = r.newUpload(r.pdo.Index, uint8(r.entryIdx))
	r.phase = readEntry
}

// Exec advances the reader by one datagram.
func (r *Reader) Exec(now uint64) (fsm.Progress, *datagram.Datagram, error) {
	if r.phase == readDone {
		return fsm.Done, nil, nil
	}
	if r.phase == readFailed {
		return fsm.Failed, nil, r.err
	}
	if r.current == nil {
		if r.smIndex >= r.maxSM {
			r.phase = readDone
			return fsm.Done, nil, nil
		}
		r.startSMCount()
	}
	return r.current.Exec(now)
}

// Consume processes a reply for whichever upload is currently active.
func (r *Reader) Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress {
	progress := r.current.Consume(reply, elapsed)
	switch progress {
	case fsm.Running:
		return fsm.Running
	case fsm.Failed:
		return r.onUploadFailed()
	}

	switch r.phase {
	case readSMCount:
		return r.onSMCount(r.current.Result())
	case readPDOIndex:
		return r.onPDOIndex(r.current.Result())
	case readEntryCount:
		return r.onEntryCount(r.current.Result())
	case readEntry:
		return r.onEntry(r.current.Result())
	}
	return fsm.Running
}

// onUploadFailed treats an abort while probing for an SM's assignment
// object as "this SM does not exist" and moves on; any other stage
// failing is a transport-level error worth surfacing.
func (r *Reader) onUploadFailed() fsm.Progress {
	if r.phase != readSMCount {
		return r.fail(r.current.Err())
	}
	r.log.WithError(r.current.Err()).WithField("sm", r.smIndex).Debug("no PDO assignment object, skipping sync manager")
	return r.advanceSM()
}

func (r *Reader) onSMCount(data []byte) fsm.Progress {
	if len(data) < 1 {
		return r.fail(errShortReply("SM assignment count"))
	}
	r.slotCount = int(data[0])
	if r.slotCount == 0 {
		return r.advanceSM()
	}
	r.sm = &r.slave.SMs[r.smIndex]
	r.sm.PDOs = make([]*slave.PDO, 0, r.slotCount)
	r.slotIdx = 1
	r.startPDOIndex()
	return fsm.Running
}

func (r *Reader) onPDOIndex(data []byte) fsm.Progress {
	if len(data) < 2 {
		return r.fail(errShortReply("PDO assignment entry"))
	}
	index := binary.LittleEndian.Uint16(data)
	r.pdo = &slave.PDO{Index: index, SMIndex: r.smIndex}
	r.sm.PDOs = append(r.sm.PDOs, r.pdo)
	r.startEntryCount()
	return fsm.Running
}

func (r *Reader) onEntryCount(data []byte) fsm.Progress {
	if len(data) < 1 {
		return r.fail(errShortReply("PDO mapping count"))
	}
	r.entryCount = int(data[0])
	if r.entryCount == 0 {
		return r.advancePDOSlot()
	}
	r.entryIdx = 1
	r.startEntry()
	return fsm.Running
}

func (r *Reader) onEntry(data []byte) fsm.Progress {
	if len(data) < 4 {
		return r.fail(errShortReply("PDO mapping entry"))
	}
	raw := binary.LittleEndian.Uint32(data)
	r.pdo.Entries = append(r.pdo.Entries, slave.PDOEntry{
		Index:     uint16(raw >> 16),
		Subindex:  uint8(raw >> 8),
		BitLength: uint8(raw),
	})
	r.entryIdx++
	if r.entryIdx > r.entryCount {
		return r.advancePDOSlot()
	}
	r.startEntry()
	return fsm.Running
}

func (r *Reader) advancePDOSlot() fsm.Progress {
	r.slotIdx++
	if r.slotIdx > r.slotCount {
		return r.advanceSM()
	}
	r.startPDOIndex()
	return fsm.Running
}

func (r *Reader) advanceSM() fsm.Progress {
	r.smIndex++
	r.current = nil
	if r.smIndex >= r.maxSM {
		r.phase = readDone
		return fsm.Done
	}
	r.startSMCount()
	return fsm.Running
}

func errShortReply(what string) error { return &shortReplyError{what} }

type shortReplyError struct{ what string }

func (e *shortReplyError) Error() string { return "pdomap reader: short reply reading " + e.what }
