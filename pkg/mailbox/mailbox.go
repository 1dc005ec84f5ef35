// Package mailbox frames and parses the EtherCAT mailbox envelope and
// drives the check/fetch/send primitives FSMs build protocol exchanges
// on top of (spec.md §4.B).
//
// Grounded on the teacher's pkg/sdo/client.go transport plumbing (fixed
// little-endian headers built with encoding/binary, a single
// slave-scoped client wrapping send/poll/fetch) and on
// _examples/original_source/master/mailbox.c for the envelope layout and
// MBXERR_* table (SPEC_FULL.md C.6).
package mailbox

import (
	"encoding/binary"
	"fmt"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

// Protocol tags the mailbox envelope's protocol_type field (spec.md §3,
// §6).
type Protocol uint8

const (
	ProtoErr Protocol = 0x00
	ProtoAoE Protocol = 0x01
	ProtoEoE Protocol = 0x02
	ProtoCoE Protocol = 0x03
	ProtoFoE Protocol = 0x04
	ProtoSoE Protocol = 0x05
	ProtoVoE Protocol = 0x0F
)

// HeaderSize is the fixed 6-octet mailbox envelope header (spec.md §3,
// §6).
const HeaderSize = 6

// The mailbox codec uses no SII or AL registers; it only needs the SM
// configuration windows, already resolved onto the slave record.

// ErrorCode is one of the standard mailbox error codes carried in a
// zero-length, protocol_type==0 reply (spec.md §3).
type ErrorCode uint16

const (
	ErrSyntax          ErrorCode = 0x0001
	ErrUnsupportedProto ErrorCode = 0x0002
	ErrInvalidChannel  ErrorCode = 0x0003
	ErrServiceNotSupported ErrorCode = 0x0004
	ErrInvalidHeader   ErrorCode = 0x0005
	ErrSizeTooShort    ErrorCode = 0x0006
	ErrNoMoreMemory    ErrorCode = 0x0007
	ErrInvalidSize     ErrorCode = 0x0008
)

var errorMessages = map[ErrorCode]string{
	ErrSyntax:              "mailbox protocol header malformed",
	ErrUnsupportedProto:    "unsupported protocol requested",
	ErrInvalidChannel:      "channel field contains invalid value",
	ErrServiceNotSupported: "requested service is not supported",
	ErrInvalidHeader:       "invalid header (service specific)",
	ErrSizeTooShort:        "size too short",
	ErrNoMoreMemory:        "no more memory available to answer",
	ErrInvalidSize:         "size of data does not match",
}

func (e ErrorCode) Error() string {
	if msg, ok := errorMessages[e]; ok {
		return msg
	}
	return fmt.Sprintf("mailbox error 0x%04x", uint16(e))
}

// TruncatedError is returned by Fetch when the declared length exceeds
// the configured tx-mailbox window.
type TruncatedError struct{ Declared, Window int }

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("mailbox: declared length %d exceeds window %d", e.Declared, e.Window)
}

// ProtocolMismatchError is returned by Fetch when the reply's
// protocol_type doesn't match what the caller asked for.
type ProtocolMismatchError struct{ Got, Want Protocol }

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("mailbox: got protocol 0x%02x, want 0x%02x", e.Got, e.Want)
}

// Envelope is the decoded 6-byte mailbox header.
type Envelope struct {
	PayloadLength uint16
	Station       uint16
	ChannelPrio   uint8
	Protocol      Protocol
}

func encodeEnvelope(dst []byte, env Envelope) {
	binary.LittleEndian.PutUint16(dst[0:2], env.PayloadLength)
	binary.LittleEndian.PutUint16(dst[2:4], env.Station)
	dst[4] = env.ChannelPrio
	dst[5] = uint8(env.Protocol)
}

func decodeEnvelope(src []byte) Envelope {
	return Envelope{
		PayloadLength: binary.LittleEndian.Uint16(src[0:2]),
		Station:       binary.LittleEndian.Uint16(src[2:4]),
		ChannelPrio:   src[4],
		Protocol:      Protocol(src[5]),
	}
}

// Register offsets used by the mailbox codec (spec.md §6).
const (
	RegSMConfigBase = 0x0800
	RegSM1Status    = 0x0805 // SM1 (tx mailbox) status byte, bit 3 = mailbox full
)

const sm1NewMessageBit = 1 << 3

// PrepareSend builds an FPWR into the slave's configured rx-mailbox
// window carrying one envelope + payload (spec.md §4.B prepare_send). It
// fails CAPABILITY if the slave never advertised the protocol, and
// INTERNAL if the payload plus header exceeds the configured window.
func PrepareSend(s *slave.Slave, proto Protocol, payload []byte) (*datagram.Datagram, error) {
	if !s.MailboxProtocols.Supports(protocolBit(proto)) {
		return nil, fmt.Errorf("mailbox: slave does not support protocol 0x%02x", proto)
	}
	total := HeaderSize + len(payload)
	if total > int(s.MailboxRx.Size) {
		return nil, fmt.Errorf("mailbox: payload of %d bytes exceeds rx window of %d", total, s.MailboxRx.Size)
	}
	d, err := datagram.NewFPWR(s.StationAddress, s.MailboxRx.Offset, total)
	if err != nil {
		return nil, err
	}
	buf := d.Data()
	encodeEnvelope(buf, Envelope{
		PayloadLength: uint16(len(payload)),
		Station:       0,
		ChannelPrio:   0,
		Protocol:      proto,
	})
	copy(buf[HeaderSize:], payload)
	return d, nil
}

func protocolBit(p Protocol) slave.ProtocolBitmap {
	switch p {
	case ProtoAoE:
		return slave.ProtoAoE
	case ProtoEoE:
		return slave.ProtoEoE
	case ProtoCoE:
		return slave.ProtoCoE
	case ProtoFoE:
		return slave.ProtoFoE
	case ProtoSoE:
		return slave.ProtoSoE
	case ProtoVoE:
		return slave.ProtoVoE
	default:
		return 0
	}
}

// PrepareCheck emits an FPRD of the SM1 status byte (spec.md §4.B
// prepare_check).
func PrepareCheck(s *slave.Slave) (*datagram.Datagram, error) {
	return datagram.NewFPRD(s.StationAddress, RegSM1Status, 1)
}

// MailboxCheck returns true iff the SM1 status byte's "new message" bit
// (bit 3) is set (spec.md §4.B mbox_check).
func MailboxCheck(reply *datagram.Datagram) bool {
	if reply.Size() < 1 {
		return false
	}
	return reply.Data()[0]&sm1NewMessageBit != 0
}

// PrepareFetch emits an FPRD of the full configured tx-mailbox window
// (spec.md §4.B prepare_fetch).
func PrepareFetch(s *slave.Slave) (*datagram.Datagram, error) {
	return datagram.NewFPRD(s.StationAddress, s.MailboxTx.Offset, int(s.MailboxTx.Size))
}

// Fetch validates and decodes a tx-mailbox reply (spec.md §4.B fetch). On
// success it returns the envelope and a slice into the datagram's payload
// region holding just the protocol payload.
func Fetch(s *slave.Slave, want Protocol, reply *datagram.Datagram) (Envelope, []byte, error) {
	data := reply.Data()
	if len(data) < HeaderSize {
		return Envelope{}, nil, &TruncatedError{Declared: len(data), Window: int(s.MailboxTx.Size)}
	}
	env := decodeEnvelope(data)
	if int(env.PayloadLength) > len(data)-HeaderSize {
		return env, nil, &TruncatedError{Declared: int(env.PayloadLength), Window: len(data) - HeaderSize}
	}
	payload := data[HeaderSize : HeaderSize+int(env.PayloadLength)]
	if env.Protocol == ProtoErr {
		if len(payload) < 2 {
			return env, nil, ErrorCode(0)
		}
		return env, payload, ErrorCode(binary.LittleEndian.Uint16(payload))
	}
	if env.Protocol != want {
		return env, payload, &ProtocolMismatchError{Got: env.Protocol, Want: want}
	}
	return env, payload, nil
}
