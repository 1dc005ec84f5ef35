// Package sii drives the slave-local EEPROM-style Slave Information
// Interface read protocol, reassembles the category-tagged image, and
// implements the scan-time short-circuit strategy (spec.md §4.C).
//
// State shape is grounded on
// _examples/original_source/master/fsm_sii.c (status byte bit layout:
// 0x20 error, 0x10 EEPROM-loading, 0x81 busy; single-word read/check/fetch
// cycle; word-offset-driven category chain walk starting at 0x0040).
// Datagram plumbing and logging idiom are grounded on the teacher's
// pkg/sdo/client.go.
package sii

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

const (
	regControlStatus = 0x0502
	regCheckSize     = 10

	statusErrorBit   = 0x20
	statusLoadingBit = 0x10
	statusBusyMask   = 0x81

	// Protocol-level timeouts (spec.md §5).
	loadTimeout = 500 * time.Millisecond
	busyTimeout = 20 * time.Millisecond

	// SII word offsets of the identity probe (spec.md §4.C: "alias,
	// serial, vendor/product/revision -- 16 bytes"): one word of alias
	// followed by the four identity DWORDs (vendor, product, revision,
	// serial), 0x0004..0x000F inclusive.
	wordAlias    = 0x0004
	wordVendor   = 0x0008
	wordProduct  = 0x000A
	wordRevision = 0x000C
	wordSerial   = 0x000E
	identityProbeWords = 12 // 0x0004..0x000F inclusive = 12 words

	categoryChainStart = 0x0040
	maxImageWords      = 4096 // hard cap defending against a missing 0xFFFF sentinel
)

// AddressMode selects ring-position or station-address addressing,
// per spec.md §4.C: "The scanner uses increment addressing before a
// station address is programmed and configured addressing afterwards."
type AddressMode uint8

const (
	Increment AddressMode = iota
	Configured
)

// FirmwareSource resolves a named override blob
// (sii-<vendor>-<product>.bin), short-circuit (b) in spec.md §4.C.
type FirmwareSource interface {
	Load(vendor, product uint32) ([]uint16, bool)
}

// chainPosition tracks where the next landed word falls in the category
// header/body structure: {type:u15,more:u1} word, size_words word, then
// size_words body words, repeating (spec.md §4.C).
type chainPosition uint8

const (
	chainHeaderType chainPosition = iota
	chainHeaderSize
	chainBody
)

type stage uint8

const (
	stageWordWrite stage = iota
	stageWordCheck
	stageAfterProbe
	stageAfterChainWord
	stageDone
	stageFailed
)

// Reader is a one-shot per-slave FSM that produces a populated
// slave.Image, or fails leaving the slave's error flag untouched (the
// caller, typically the scan FSM, decides whether to set it).
type Reader struct {
	log   *logrus.Entry
	slave *slave.Slave
	table *slave.Table
	mode  AddressMode
	fw    FirmwareSource

	stage   stage
	next    stage // stage to resume into once the current word read lands
	retries int

	wordOffset uint16
	wordsWant  int // words remaining to collect in the current probe batch
	probe      []uint16
	words      []uint16

	chainPos    chainPosition
	catBodyLeft int

	loadStart  uint64
	warnedLoad bool

	err error
	img *slave.Image
}

// NewReader starts a reader for s, addressed per mode.
func NewReader(log *logrus.Logger, s *slave.Slave, table *slave.Table, mode AddressMode, fw FirmwareSource) *Reader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reader{
		log:        log.WithFields(logrus.Fields{"component": "sii", "slave": s.RingPosition}),
		slave:      s,
		table:      table,
		mode:       mode,
		fw:         fw,
		stage:      stageWordWrite,
		next:       stageAfterProbe,
		wordOffset: wordAlias,
		wordsWant:  identityProbeWords,
		retries:    5,
	}
}

// Image returns the populated image once Exec reports fsm.Done.
func (r *Reader) Image() *slave.Image { return r.img }

// Err returns the failure reason once Exec reports fsm.Failed.
func (r *Reader) Err() error { return r.err }

func (r *Reader) addrWrite(reg uint16, size int) (*datagram.Datagram, error) {
	if r.mode == Increment {
		return datagram.NewAPWR(int16(r.slave.RingPosition), reg, size)
	}
	return datagram.NewFPWR(r.slave.StationAddress, reg, size)
}

func (r *Reader) addrRead(reg uint16, size int) (*datagram.Datagram, error) {
	if r.mode == Increment {
		return datagram.NewAPRD(int16(r.slave.RingPosition), reg, size)
	}
	return datagram.NewFPRD(r.slave.StationAddress, reg, size)
}

func (r *Reader) fail(err error) fsm.Progress {
	r.stage = stageFailed
	r.err = err
	r.log.WithError(err).Warn("SII read failed")
	return fsm.Failed
}

// Exec advances the reader by issuing exactly one datagram. The caller
// sends it and hands the reply back via Consume on a later tick.
func (r *Reader) Exec(now uint64) (fsm.Progress, *datagram.Datagram, error) {
	switch r.stage {
	case stageWordWrite:
		d, err := r.addrWrite(regControlStatus, 4)
		if err != nil {
			return r.fail(err), nil, err
		}
		buf := d.Data()
		buf[0] = 0x80
		buf[1] = 0x01
		binary.LittleEndian.PutUint16(buf[2:4], r.wordOffset)
		r.stage = stageWordCheck
		return fsm.Running, d, nil

	case stageWordCheck:
		d, err := r.addrRead(regControlStatus, regCheckSize)
		if err != nil {
			return r.fail(err), nil, err
		}
		return fsm.Running, d, nil
	}
	return fsm.Running, nil, fmt.Errorf("sii: Exec called while a reply is pending (stage %d)", r.stage)
}

// Consume feeds back the reply to the datagram most recently returned by
// Exec. It returns the next progress state.
func (r *Reader) Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress {
	if reply.Unacked() || reply.State == datagram.StateTimedOut {
		if r.retries > 0 {
			r.retries--
			r.stage = stageWordWrite
			return fsm.Running
		}
		return r.fail(fmt.Errorf("sii: datagram exhausted retries reading word 0x%04x", r.wordOffset))
	}

	data := reply.Data()
	if len(data) < regCheckSize {
		return r.fail(fmt.Errorf("sii: short status/result reply"))
	}
	status := data[1]

	if status&statusErrorBit != 0 {
		return r.fail(fmt.Errorf("sii: error bit set reading word 0x%04x", r.wordOffset))
	}
	if status&statusLoadingBit != 0 {
		if !r.warnedLoad {
			r.warnedLoad = true
			r.loadStart = 0
			r.log.Warn("SII EEPROM not yet loaded, retrying")
		}
		if elapsed >= loadTimeout {
			return r.fail(fmt.Errorf("sii: EEPROM still not loaded after %s", loadTimeout))
		}
		r.stage = stageWordWrite
		return fsm.Running
	}
	if status&statusBusyMask != 0 {
		if elapsed >= busyTimeout {
			return r.fail(fmt.Errorf("sii: busy bit still set after %s", busyTimeout))
		}
		r.stage = stageWordWrite
		return fsm.Running
	}

	word := binary.LittleEndian.Uint16(data[6:8])
	r.retries = 5
	r.warnedLoad = false

	switch r.next {
	case stageAfterProbe:
		r.probe = append(r.probe, word)
		r.wordOffset++
		r.wordsWant--
		if r.wordsWant > 0 {
			r.stage = stageWordWrite
			return fsm.Running
		}
		return r.finishProbe()

	case stageAfterChainWord:
		r.words = append(r.words, word)
		if len(r.words) >= maxImageWords {
			return r.fail(fmt.Errorf("sii: missing end-of-category sentinel after %d words", maxImageWords))
		}

		switch r.chainPos {
		case chainHeaderType:
			if word == uint16(slave.CategoryEnd) {
				img := parseImage(r.words, probeIdentity(r.probe))
				r.img = img
				r.table.StoreImage(img)
				r.stage = stageDone
				return fsm.Done
			}
			r.chainPos = chainHeaderSize
		case chainHeaderSize:
			r.catBodyLeft = int(word)
			r.chainPos = chainBody
			if r.catBodyLeft == 0 {
				r.chainPos = chainHeaderType
			}
		case chainBody:
			r.catBodyLeft--
			if r.catBodyLeft == 0 {
				r.chainPos = chainHeaderType
			}
		}
		r.wordOffset++
		r.stage = stageWordWrite
		return fsm.Running
	}
	return fsm.Running
}

func (r *Reader) finishProbe() fsm.Progress {
	id := probeIdentity(r.probe)
	if cached, ok := r.table.FindImage(id); ok {
		r.log.Debug("reusing cached SII image, short-circuit (a)")
		r.img = cached
		r.stage = stageDone
		return fsm.Done
	}
	if r.fw != nil {
		if blob, ok := r.fw.Load(id.Vendor, id.Product); ok {
			r.log.Debug("loading SII override firmware blob, short-circuit (b)")
			img := parseImage(blob, id)
			r.img = img
			r.table.StoreImage(img)
			r.stage = stageDone
			return fsm.Done
		}
	}
	r.wordOffset = categoryChainStart
	r.words = nil
	r.next = stageAfterChainWord
	r.stage = stageWordWrite
	return fsm.Running
}

func probeIdentity(probe []uint16) slave.Identity {
	if len(probe) < identityProbeWords {
		return slave.Identity{}
	}
	// probe[0] = alias (0x0004). Vendor/Product/Revision/Serial are each
	// a DWORD spanning two words, starting at 0x0008 (probe index 4).
	return slave.Identity{
		Vendor:   uint32(probe[4]) | uint32(probe[5])<<16,
		Product:  uint32(probe[6]) | uint32(probe[7])<<16,
		Revision: uint32(probe[8]) | uint32(probe[9])<<16,
		Serial:   uint32(probe[10]) | uint32(probe[11])<<16,
	}
}
