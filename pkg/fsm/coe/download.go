package coe

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/mailbox"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

type downloadStage uint8

const (
	downloadInitiate downloadStage = iota
	downloadSegment
	downloadDone
	downloadFailed
)

// Download is the CoE SDO download FSM (spec.md §4.E): writes one object,
// expedited or normal/segmented, via the mailbox transport substrate.
type Download struct {
	transport
	number uint16

	index          uint16
	subindex       uint8
	completeAccess bool
	data           []byte

	stage   downloadStage
	started bool
	toggle  bool
	sent    int // bytes of data already acknowledged by a segment response
	segSize int // data bytes carried by the most recently sent segment

	abort AbortCode
	err   error
}

// NewDownload builds a download FSM writing data to one SDO index/subindex.
func NewDownload(log *logrus.Entry, s *slave.Slave, number uint16, index uint16, subindex uint8, completeAccess bool, data []byte) *Download {
	return &Download{
		transport:      newTransport(log, s),
		number:         number,
		index:          index,
		subindex:       subindex,
		completeAccess: completeAccess,
		data:           data,
	}
}

func (d *Download) Err() error { return d.err }

func (d *Download) fail(err error) fsm.Progress {
	d.stage = downloadFailed
	d.err = err
	return fsm.Failed
}

func (d *Download) buildInitiateRequest() []byte {
	expedited := len(d.data) <= 4
	if expedited {
		buf := make([]byte, HeaderSize+3+4)
		encodeCoEHeader(buf, d.number, TypeSDORequest)
		n := 4 - len(d.data)
		flags := uint8(flagExpedited | flagSizeIndicated | (uint8(n) << 2))
		if d.completeAccess {
			flags |= flagCompleteAccess
		}
		buf[2] = (cmdDownloadInitiate << 5) | flags
		binary.LittleEndian.PutUint16(buf[3:5], d.index)
		buf[5] = d.subindex
		copy(buf[6:10], d.data)
		return buf
	}
	buf := make([]byte, HeaderSize+3+4)
	encodeCoEHeader(buf, d.number, TypeSDORequest)
	flags := uint8(flagSizeIndicated)
	if d.completeAccess {
		flags |= flagCompleteAccess
	}
	buf[2] = (cmdDownloadInitiate << 5) | flags
	binary.LittleEndian.PutUint16(buf[3:5], d.index)
	buf[5] = d.subindex
	binary.LittleEndian.PutUint32(buf[6:10], uint32(len(d.data)))
	return buf
}

// maxSegmentData is the largest data chunk one download segment can
// carry given the slave's configured rx-mailbox window, matching
// _examples/original_source/master/fsm_coe.c's
// ec_fsm_coe_down_prepare_segment_request: mailbox size minus the
// 6-byte mailbox envelope and the 3-byte CoE segment header. A slave
// with an undersized window still gets the minimum segment, matching
// the wire's own floor below.
func (d *Download) maxSegmentData() int {
	max := int(d.slave.MailboxRx.Size) - mailbox.HeaderSize - HeaderSize
	if max < minSegmentData {
		max = minSegmentData
	}
	return max
}

func (d *Download) buildSegmentRequest() []byte {
	remaining := d.data[d.sent:]
	n := len(remaining)
	last := true
	if n > d.maxSegmentData() {
		n = d.maxSegmentData()
		last = false
	}
	d.segSize = n

	// Segments shorter than the wire's minimum data size are padded out
	// to it, with emptyCount recording how many trailing bytes are
	// padding (spec.md §4.E); a full-size segment carries no padding.
	frameData := n
	var emptyCount int
	if n <= minSegmentData {
		frameData = minSegmentData
		emptyCount = minSegmentData - n
	}

	buf := make([]byte, HeaderSize+frameData)
	encodeCoEHeader(buf, d.number, TypeSDORequest)
	var flags uint8
	if d.toggle {
		flags |= flagToggle
	}
	if last {
		flags |= flagLastSegment
	}
	flags |= uint8(emptyCount&0x07) << 2
	buf[2] = (cmdDownloadSegment << 5) | flags
	copy(buf[HeaderSize:], remaining[:n])
	return buf
}

// Exec advances the download FSM by one datagram.
func (d *Download) Exec(now uint64) (fsm.Progress, *datagram.Datagram, error) {
	if d.stage == downloadDone {
		return fsm.Done, nil, nil
	}
	if d.stage == downloadFailed {
		return fsm.Failed, nil, d.err
	}
	if !d.started {
		d.started = true
		d.transport.beginExchange(d.buildInitiateRequest())
	}
	return d.transport.exec()
}

// Consume processes a reply datagram for the most recently issued
// transport-level request.
func (d *Download) Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress {
	if d.stage == downloadDone {
		return fsm.Done
	}
	if d.stage == downloadFailed {
		return fsm.Failed
	}

	ready, progress := d.transport.consumeTransport(reply, elapsed)
	if progress == fsm.Failed {
		return d.fail(fmt.Errorf("coe download: transport failure"))
	}
	if !ready {
		return fsm.Running
	}

	payload := d.transport.incoming
	if len(payload) < HeaderSize {
		return d.fail(fmt.Errorf("coe download: short reply (%d bytes)", len(payload)))
	}
	cmd := payload[2] >> 5

	if cmd == cmdAbort {
		if len(payload) < HeaderSize+4 {
			return d.fail(fmt.Errorf("coe download: abort reply too short"))
		}
		d.abort = AbortCode(binary.LittleEndian.Uint32(payload[HeaderSize : HeaderSize+4]))
		return d.fail(&AbortError{Code: d.abort})
	}

	switch d.stage {
	case downloadInitiate:
		expedited := len(d.data) <= 4
		if expedited {
			if cmd != respDownloadExp && cmd != respDownload {
				return d.fail(fmt.Errorf("coe download: unexpected expedited ack command 0x%02x", cmd))
			}
			d.stage = downloadDone
			return fsm.Done
		}
		if cmd != respDownload {
			return d.fail(fmt.Errorf("coe download: unexpected ack command 0x%02x", cmd))
		}
		d.stage = downloadSegment
		d.toggle = false
		d.sent = 0
		d.transport.beginExchange(d.buildSegmentRequest())
		return fsm.Running

	case downloadSegment:
		if cmd != respDownload {
			return d.fail(fmt.Errorf("coe download: unexpected segment ack command 0x%02x", cmd))
		}
		d.sent += d.segSize
		if d.sent >= len(d.data) {
			d.stage = downloadDone
			return fsm.Done
		}
		d.toggle = !d.toggle
		d.transport.beginExchange(d.buildSegmentRequest())
		return fsm.Running
	}
	return fsm.Running
}
