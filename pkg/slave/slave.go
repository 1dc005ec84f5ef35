// Package slave holds the long-lived per-device data model: the slave
// record itself, its ports, sync managers, PDO/SDO dictionaries, pending
// SDO requests, and the shared SII image. None of these types touch the
// wire; they are populated and consumed by the FSM packages.
//
// Grounded on the teacher's pkg/od data-model shape (Entry/Variable/
// VariableList as an owned, indexed collection with typed accessors,
// pkg/od/entry.go) generalized from a CANopen object dictionary to an
// EtherCAT slave record, and on _examples/original_source/master/slave.h
// for field inventory (port array, base capabilities, AL state, mailbox
// windows).
package slave

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ALState is one of the five EtherCAT application-layer states.
type ALState uint16

const (
	StateUnknown ALState = 0x00
	StateInit    ALState = 0x01
	StatePreop   ALState = 0x02
	StateBoot    ALState = 0x03
	StateSafeop  ALState = 0x04
	StateOp      ALState = 0x08
	// AckErrBit set alongside the current state in the AL status register
	// indicates the slave refused the last requested transition.
	AckErrBit ALState = 0x10
)

func (s ALState) String() string {
	switch s &^ AckErrBit {
	case StateInit:
		return "INIT"
	case StatePreop:
		return "PREOP"
	case StateBoot:
		return "BOOT"
	case StateSafeop:
		return "SAFEOP"
	case StateOp:
		return "OP"
	default:
		return "UNKNOWN"
	}
}

// HasAckErr reports whether the ack_err bit accompanies the state.
func (s ALState) HasAckErr() bool { return s&AckErrBit != 0 }

// MailboxWindow is an offset+size pair configured for one direction of
// one mailbox protocol exchange (spec.md §3 "Configured mailbox windows").
type MailboxWindow struct {
	Offset uint16
	Size   uint16
}

// Identity is the vendor/product/revision/serial tuple read from the SII
// identity probe; it is also the key used to share SII images across
// identical hot-swappable slaves.
type Identity struct {
	Vendor   uint32
	Product  uint32
	Revision uint32
	Serial   uint32
}

// Slave is the master's long-lived per-device record (spec.md §3).
type Slave struct {
	mu sync.Mutex

	log *logrus.Entry

	RingPosition   uint16
	StationAddress uint16
	Alias          uint16

	Identity Identity

	Ports [4]Port

	FMMUCount     uint8
	SMCount       uint8
	DCSupported   bool
	DC64Bit       bool
	DCRangeBits   uint8

	CurrentState   ALState
	RequestedState ALState
	LastALError    uint16

	MailboxBootstrapRx MailboxWindow
	MailboxBootstrapTx MailboxWindow
	MailboxRx          MailboxWindow
	MailboxTx          MailboxWindow
	MailboxProtocols   ProtocolBitmap

	// Config is a weak reference to the externally owned slave
	// configuration (index + generation), invalidated by Detach.
	Config ConfigRef

	SII *Image

	SMs []SM
	SDO *Dictionary

	requests map[uint8][]*Request // keyed by protocol tag
	deposits map[uint8][]byte     // keyed by protocol tag, see mailbox_deposit.go

	ErrorFlag       bool
	RebootRequested bool

	LastSeen time.Time

	mailboxLock mailboxLock
}

// ProtocolBitmap is the supported-mailbox-protocol bitmap from the SII
// general category (spec.md §4.C).
type ProtocolBitmap uint16

const (
	ProtoAoE ProtocolBitmap = 1 << 1
	ProtoEoE ProtocolBitmap = 1 << 2
	ProtoCoE ProtocolBitmap = 1 << 3
	ProtoFoE ProtocolBitmap = 1 << 4
	ProtoSoE ProtocolBitmap = 1 << 5
	ProtoVoE ProtocolBitmap = 1 << 15
)

func (p ProtocolBitmap) Supports(proto ProtocolBitmap) bool { return p&proto != 0 }

// ConfigRef is a weak index+generation reference to an externally owned
// slave configuration, per spec.md §9's "cyclic reference" re-architecture
// note: the slave never holds a raw back-pointer, only an index that the
// owner can invalidate by bumping the generation.
type ConfigRef struct {
	Index      int
	Generation uint64
	valid      bool
}

// Detach invalidates the current configuration reference; subsequent
// Attached calls return false until a new config is attached.
func (s *Slave) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Config.valid = false
}

// Attach binds a new configuration reference.
func (s *Slave) Attach(index int, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Config = ConfigRef{Index: index, Generation: generation, valid: true}
}

// Attached reports whether the slave currently has a live configuration.
func (s *Slave) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Config.valid
}

// New creates a slave record at the given ring position.
func New(log *logrus.Logger, ringPosition uint16) *Slave {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Slave{
		log:          log.WithField("slave", ringPosition),
		RingPosition: ringPosition,
		requests:     make(map[uint8][]*Request),
	}
}

func (s *Slave) Log() *logrus.Entry { return s.log }

// SetError marks the slave as unusable after an INTERNAL error (spec.md
// §7): the master quarantines it but continues the ring.
func (s *Slave) SetError(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorFlag = true
	s.log.WithField("reason", reason).Error("slave quarantined")
}

// Teardown cancels every pending request on every protocol queue, marking
// them FAILURE, then drops owned buffers (spec.md §3 Lifecycle, property
// 9 in §8).
func (s *Slave) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for proto, reqs := range s.requests {
		for _, r := range reqs {
			r.fail(ErrShutdown)
		}
		delete(s.requests, proto)
	}
}

// EnqueueRequest registers a pending request under its protocol tag.
func (s *Slave) EnqueueRequest(proto uint8, r *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[proto] = append(s.requests[proto], r)
}

// DequeueRequest removes a completed request from its protocol queue.
func (s *Slave) DequeueRequest(proto uint8, r *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.requests[proto]
	for i, candidate := range list {
		if candidate == r {
			s.requests[proto] = append(list[:i], list[i+1:]...)
			return
		}
	}
}
