package coe

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

// SDO information service opcodes (CiA 301 §7.3: Get OD List / Get Object
// Description / Get Entry Description), carried under CoE header type
// TypeSDOInformation.
const (
	opGetODListReq           = 0x01
	opGetODListRes           = 0x02
	opGetObjectDescReq       = 0x03
	opGetObjectDescRes       = 0x04
	opGetEntryDescReq        = 0x05
	opGetEntryDescRes        = 0x06
	opInfoError              = 0x07
	opIncompleteBit     byte = 0x80
)

const odListAllObjects = 0x0001

type dictPhase uint8

const (
	dictList dictPhase = iota
	dictObjectDesc
	dictEntryDesc
	dictDone
	dictFailed
)

// Dictionary walks a slave's full object dictionary using the CoE SDO
// information service (spec.md §4.E): Get OD List, then Get Object
// Description and Get Entry Description per listed index. An abort while
// describing one object skips only that object; an abort while
// describing one entry leaves that entry unpopulated and continues
// (spec.md §8 property 6).
type Dictionary struct {
	transport
	number uint16

	phase dictPhase

	indices  []uint16
	objIdx   int
	subIdx   uint8
	maxSub   uint8

	dict *slave.Dictionary
	err  error

	started bool
}

// NewDictionary builds a dictionary-enumeration FSM for a slave, filling
// dict as it progresses.
func NewDictionary(log *logrus.Entry, s *slave.Slave, number uint16, dict *slave.Dictionary) *Dictionary {
	return &Dictionary{
		transport: newTransport(log, s),
		number:    number,
		dict:      dict,
	}
}

func (d *Dictionary) Err() error { return d.err }

func (d *Dictionary) fail(err error) fsm.Progress {
	d.phase = dictFailed
	d.err = err
	return fsm.Failed
}

func (d *Dictionary) buildODListRequest() []byte {
	buf := make([]byte, HeaderSize+1+2)
	encodeCoEHeader(buf, d.number, TypeSDOInformation)
	buf[2] = opGetODListReq
	binary.LittleEndian.PutUint16(buf[HeaderSize+1:], odListAllObjects)
	return buf
}

func (d *Dictionary) buildObjectDescRequest(index uint16) []byte {
	buf := make([]byte, HeaderSize+1+2)
	encodeCoEHeader(buf, d.number, TypeSDOInformation)
	buf[2] = opGetObjectDescReq
	binary.LittleEndian.PutUint16(buf[HeaderSize+1:], index)
	return buf
}

func (d *Dictionary) buildEntryDescRequest(index uint16, sub uint8) []byte {
	buf := make([]byte, HeaderSize+1+4)
	encodeCoEHeader(buf, d.number, TypeSDOInformation)
	buf[2] = opGetEntryDescReq
	binary.LittleEndian.PutUint16(buf[HeaderSize+1:], index)
	buf[HeaderSize+3] = sub
	buf[HeaderSize+4] = 0x01 // request access + name
	return buf
}

// Exec advances the dictionary FSM by one datagram.
func (d *Dictionary) Exec(now uint64) (fsm.Progress, *datagram.Datagram, error) {
	if d.phase == dictDone {
		return fsm.Done, nil, nil
	}
	if d.phase == dictFailed {
		return fsm.Failed, nil, d.err
	}
	if !d.started {
		d.started = true
		d.transport.beginExchange(d.buildODListRequest())
	}
	return d.transport.exec()
}

func opcode(payload []byte) (byte, bool) {
	if len(payload) < 3 {
		return 0, false
	}
	return payload[2] &^ opIncompleteBit, payload[2]&opIncompleteBit != 0
}

// Consume processes a reply datagram for the most recently issued
// transport-level request.
func (d *Dictionary) Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress {
	if d.phase == dictDone {
		return fsm.Done
	}
	if d.phase == dictFailed {
		return fsm.Failed
	}

	ready, progress := d.transport.consumeTransport(reply, elapsed)
	if progress == fsm.Failed {
		return d.fail(fmt.Errorf("coe dictionary: transport failure"))
	}
	if !ready {
		return fsm.Running
	}

	payload := d.transport.incoming
	if len(payload) < 3 {
		return d.fail(fmt.Errorf("coe dictionary: short reply"))
	}
	op, incomplete := opcode(payload)

	if op == opInfoError {
		if len(payload) < HeaderSize+1+4 {
			return d.fail(fmt.Errorf("coe dictionary: info error reply too short"))
		}
		code := AbortCode(binary.LittleEndian.Uint32(payload[HeaderSize+1:]))
		return d.onEntityAbort(code)
	}

	switch d.phase {
	case dictList:
		if op != opGetODListRes {
			return d.fail(fmt.Errorf("coe dictionary: unexpected OD list opcode 0x%02x", op))
		}
		if len(payload) < HeaderSize+3 {
			return d.fail(fmt.Errorf("coe dictionary: OD list reply too short"))
		}
		body := payload[HeaderSize+3:] // skip coe header + opcode + list_type
		for off := 0; off+2 <= len(body); off += 2 {
			d.indices = append(d.indices, binary.LittleEndian.Uint16(body[off:off+2]))
		}
		if incomplete {
			d.transport.beginExchange(d.buildODListRequest())
			return fsm.Running
		}
		if len(d.indices) == 0 {
			d.phase = dictDone
			return fsm.Done
		}
		d.objIdx = 0
		d.phase = dictObjectDesc
		d.transport.beginExchange(d.buildObjectDescRequest(d.indices[0]))
		return fsm.Running

	case dictObjectDesc:
		if op != opGetObjectDescRes {
			return d.fail(fmt.Errorf("coe dictionary: unexpected object desc opcode 0x%02x", op))
		}
		if len(payload) < HeaderSize+7 {
			return d.fail(fmt.Errorf("coe dictionary: object desc reply too short"))
		}
		index := binary.LittleEndian.Uint16(payload[HeaderSize+1:])
		objectCode := payload[HeaderSize+3]
		maxSub := payload[HeaderSize+4]
		name := string(payload[HeaderSize+7:])

		obj := d.dict.EnsureObject(index)
		obj.ObjectCode = objectCode
		obj.MaxSub = maxSub
		obj.Name = name

		d.maxSub = maxSub
		d.subIdx = 0
		if maxSub == 0 {
			return d.advanceObject()
		}
		d.phase = dictEntryDesc
		d.transport.beginExchange(d.buildEntryDescRequest(index, d.subIdx))
		return fsm.Running

	case dictEntryDesc:
		if op != opGetEntryDescRes {
			return d.fail(fmt.Errorf("coe dictionary: unexpected entry desc opcode 0x%02x", op))
		}
		if len(payload) < HeaderSize+1+10 {
			return d.fail(fmt.Errorf("coe dictionary: entry desc reply too short"))
		}
		index := binary.LittleEndian.Uint16(payload[HeaderSize+1:])
		sub := payload[HeaderSize+3]
		dataType := binary.LittleEndian.Uint16(payload[HeaderSize+5:])
		bitLength := binary.LittleEndian.Uint16(payload[HeaderSize+7:])
		access := binary.LittleEndian.Uint16(payload[HeaderSize+9:])
		name := string(payload[HeaderSize+11:])

		obj := d.dict.EnsureObject(index)
		obj.Entries[sub] = &slave.SDOEntry{
			Subindex:    sub,
			DataType:    dataType,
			BitLength:   bitLength,
			Description: name,
			ReadAccess:  slave.AccessTriple{Preop: access&0x01 != 0, Safeop: access&0x02 != 0, Op: access&0x04 != 0},
			WriteAccess: slave.AccessTriple{Preop: access&0x08 != 0, Safeop: access&0x10 != 0, Op: access&0x20 != 0},
			Populated:   true,
		}
		return d.advanceEntry(index)
	}
	return fsm.Running
}

// onEntityAbort handles an SDOInfoError reply: during object-description
// scanning it skips the whole object; during entry-description scanning
// it leaves a hole for that subindex only and continues.
func (d *Dictionary) onEntityAbort(code AbortCode) fsm.Progress {
	switch d.phase {
	case dictObjectDesc:
		d.log.WithField("abort", code).Warn("skipping SDO object after describe error")
		return d.advanceObject()
	case dictEntryDesc:
		d.log.WithField("abort", code).Warn("leaving SDO entry hole after describe error")
		return d.advanceEntry(d.indices[d.objIdx])
	}
	return d.fail(code)
}

func (d *Dictionary) advanceEntry(index uint16) fsm.Progress {
	d.subIdx++
	if d.subIdx > d.maxSub {
		return d.advanceObject()
	}
	d.transport.beginExchange(d.buildEntryDescRequest(index, d.subIdx))
	return fsm.Running
}

func (d *Dictionary) advanceObject() fsm.Progress {
	d.objIdx++
	if d.objIdx >= len(d.indices) {
		d.phase = dictDone
		return fsm.Done
	}
	d.phase = dictObjectDesc
	d.transport.beginExchange(d.buildObjectDescRequest(d.indices[d.objIdx]))
	return fsm.Running
}
