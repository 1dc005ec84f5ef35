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

// minSegmentData is the floor a download segment's on-wire data field
// is padded up to when the actual chunk is smaller (spec.md §4.E),
// matching the familiar CANopen SDO 7-byte segment size. Full-size
// segments are sized from the slave's configured rx-mailbox window
// instead (see Download.maxSegmentData); upload segment size is
// whatever the slave's own reply carries, so this only bounds the
// download direction's padding.
const minSegmentData = 7

// AbortError wraps an AbortCode surfaced by a CoE exchange.
type AbortError struct{ Code AbortCode }

func (e *AbortError) Error() string { return e.Code.Error() }

type uploadStage uint8

const (
	uploadInitiate uploadStage = iota
	uploadSegment
	uploadDone
	uploadFailed
)

// Upload is the CoE SDO upload FSM (spec.md §4.E): reads one object,
// expedited or normal/segmented, via the mailbox transport substrate.
type Upload struct {
	transport
	number uint16

	index          uint16
	subindex       uint8
	completeAccess bool

	stage   uploadStage
	started bool
	toggle  bool

	declaredSize int
	data         []byte

	abort AbortCode
	err   error
}

// NewUpload builds an upload FSM for one SDO index/subindex.
func NewUpload(log *logrus.Entry, s *slave.Slave, number uint16, index uint16, subindex uint8, completeAccess bool) *Upload {
	return &Upload{
		transport:      newTransport(log, s),
		number:         number,
		index:          index,
		subindex:       subindex,
		completeAccess: completeAccess,
	}
}

// Result returns the fully assembled object data once Exec/Consume has
// reached fsm.Done.
func (u *Upload) Result() []byte { return u.data }

// Err returns the terminal error, if the FSM reached fsm.Failed.
func (u *Upload) Err() error { return u.err }

func (u *Upload) fail(err error) fsm.Progress {
	u.stage = uploadFailed
	u.err = err
	return fsm.Failed
}

func (u *Upload) buildInitiateRequest() []byte {
	buf := make([]byte, HeaderSize+3)
	encodeCoEHeader(buf, u.number, TypeSDORequest)
	var flags uint8
	if u.completeAccess {
		flags |= flagCompleteAccess
	}
	buf[2] = (cmdUploadInitiate << 5) | flags
	binary.LittleEndian.PutUint16(buf[3:5], u.index)
	buf[5] = u.subindex
	return buf
}

func (u *Upload) buildSegmentRequest() []byte {
	buf := make([]byte, HeaderSize)
	encodeCoEHeader(buf, u.number, TypeSDORequest)
	var flags uint8
	if u.toggle {
		flags |= flagToggle
	}
	buf[2] = (cmdUploadSegment << 5) | flags
	return buf
}

// Exec advances the upload FSM by one datagram.
func (u *Upload) Exec(now uint64) (fsm.Progress, *datagram.Datagram, error) {
	if u.stage == uploadDone {
		return fsm.Done, nil, nil
	}
	if u.stage == uploadFailed {
		return fsm.Failed, nil, u.err
	}
	if !u.started {
		u.started = true
		u.transport.beginExchange(u.buildInitiateRequest())
	}
	return u.transport.exec()
}

// Consume processes a reply datagram for the most recently issued
// transport-level request.
func (u *Upload) Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress {
	if u.stage == uploadDone {
		return fsm.Done
	}
	if u.stage == uploadFailed {
		return fsm.Failed
	}

	ready, progress := u.transport.consumeTransport(reply, elapsed)
	if progress == fsm.Failed {
		return u.fail(fmt.Errorf("coe upload: transport failure"))
	}
	if !ready {
		return fsm.Running
	}

	payload := u.transport.incoming
	if len(payload) < HeaderSize {
		return u.fail(fmt.Errorf("coe upload: short reply (%d bytes)", len(payload)))
	}
	cmd := payload[2] >> 5
	flags := payload[2] & 0x1F

	if cmd == cmdAbort {
		if len(payload) < HeaderSize+4 {
			return u.fail(fmt.Errorf("coe upload: abort reply too short"))
		}
		u.abort = AbortCode(binary.LittleEndian.Uint32(payload[HeaderSize : HeaderSize+4]))
		return u.fail(&AbortError{Code: u.abort})
	}

	switch u.stage {
	case uploadInitiate:
		if cmd != respUpload {
			return u.fail(fmt.Errorf("coe upload: unexpected command specifier 0x%02x", cmd))
		}
		if len(payload) < HeaderSize+3 {
			return u.fail(fmt.Errorf("coe upload: initiate response too short"))
		}
		respIndex := binary.LittleEndian.Uint16(payload[3:5])
		respSub := payload[5]
		if !u.completeAccess && (respIndex != u.index || respSub != u.subindex) {
			return u.fail(fmt.Errorf("coe upload: index/subindex mismatch in response"))
		}
		if flags&flagExpedited != 0 {
			n := 0
			if flags&flagSizeIndicated != 0 {
				n = int((flags >> 2) & 0x03)
			}
			dataLen := 4 - n
			if len(payload) < HeaderSize+3+dataLen {
				return u.fail(fmt.Errorf("coe upload: expedited data truncated"))
			}
			u.data = append([]byte(nil), payload[HeaderSize+3:HeaderSize+3+dataLen]...)
			u.stage = uploadDone
			return fsm.Done
		}
		if len(payload) < HeaderSize+7 {
			return u.fail(fmt.Errorf("coe upload: normal response missing complete size"))
		}
		u.declaredSize = int(binary.LittleEndian.Uint32(payload[HeaderSize+3 : HeaderSize+7]))
		u.data = make([]byte, 0, u.declaredSize)
		u.stage = uploadSegment
		u.toggle = false
		u.transport.beginExchange(u.buildSegmentRequest())
		return fsm.Running

	case uploadSegment:
		if cmd != respUpload {
			return u.fail(fmt.Errorf("coe upload: unexpected segment command specifier 0x%02x", cmd))
		}
		gotToggle := flags&flagToggle != 0
		if gotToggle != u.toggle {
			return u.fail(fmt.Errorf("coe upload: toggle bit mismatch"))
		}
		last := flags&flagLastSegment != 0
		emptyCount := int((flags >> 2) & 0x07)
		segData := payload[HeaderSize:]
		n := len(segData) - emptyCount
		if n < 0 {
			n = 0
		}
		if n > len(segData) {
			n = len(segData)
		}
		u.data = append(u.data, segData[:n]...)
		if last {
			u.stage = uploadDone
			return fsm.Done
		}
		u.toggle = !u.toggle
		u.transport.beginExchange(u.buildSegmentRequest())
		return fsm.Running
	}
	return fsm.Running
}
