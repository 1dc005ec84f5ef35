package soe

import "encoding/binary"

// Servo-profile mailbox header (spec.md §4.H step 10: "SoE is structured
// like CoE but keyed by IDN and drive-number; specified interface
// only"). spec.md pins the envelope but not this inner header's bit
// packing, so this module invents one consistent with the rest of the
// wire conventions in pkg/fsm/coe: opcode in the low 3 bits of the first
// byte, drive number in the next 3, incomplete/error flags in the top
// two, followed by an elements byte and a little-endian IDN.
const (
	opRead    = 0x01
	opWrite   = 0x02
	opNotify  = 0x03
	flagError = 0x80
)

// HeaderSize is the fixed servo-profile header: opcode/drive byte,
// elements byte, 2-byte IDN.
const HeaderSize = 4

func encodeHeader(dst []byte, op uint8, driveNo uint8, elements uint8, idn uint16) {
	dst[0] = (op & 0x07) | (driveNo&0x07)<<3
	dst[1] = elements
	binary.LittleEndian.PutUint16(dst[2:4], idn)
}

func decodeHeader(src []byte) (op uint8, driveNo uint8, elements uint8, idn uint16, isError bool) {
	op = src[0] & 0x07
	driveNo = (src[0] >> 3) & 0x07
	isError = src[0]&flagError != 0
	elements = src[1]
	idn = binary.LittleEndian.Uint16(src[2:4])
	return
}
