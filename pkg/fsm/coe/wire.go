package coe

import "encoding/binary"

// CoE header type field values (spec.md §6: "2 bytes number:u9 ‖
// reserved:u3 ‖ type:u4").
const (
	TypeSDORequest     = 0x02
	TypeSDOResponse    = 0x03
	TypeSDOInformation = 0x08
	TypeEmergency      = 0x01
)

// SDO command specifiers carried in the byte following the CoE header
// (spec.md §4.E). Values are this module's own wire convention: the spec
// describes the semantics (expedited/normal/segment/abort) without
// pinning bit positions, unlike the datagram addressing table.
const (
	cmdDownloadSegment  = 0x00
	cmdDownloadInitiate = 0x01
	cmdUploadInitiate   = 0x02
	cmdUploadSegment    = 0x03
	cmdAbort            = 0x04
	respDownload        = 0x01
	respUpload          = 0x02
	respDownloadExp     = 0x03
)

// Download/upload initiate flags (spec.md §4.E).
const (
	flagExpedited      = 0x01
	flagSizeIndicated  = 0x02
	flagCompleteAccess = 0x04
)

// Segment request/response flags.
const (
	flagToggle       = 0x01
	flagLastSegment  = 0x02
)

// HeaderSize is the fixed CoE+command header preceding index/subindex
// (2-byte CoE header + 1-byte command specifier).
const HeaderSize = 3

func encodeCoEHeader(dst []byte, number uint16, typ uint8) {
	word := (number & 0x01FF) | (uint16(typ&0x0F) << 12)
	binary.LittleEndian.PutUint16(dst, word)
}

func decodeCoEHeader(src []byte) (number uint16, typ uint8) {
	word := binary.LittleEndian.Uint16(src)
	return word & 0x01FF, uint8(word >> 12)
}

// emergencyPayload is the decoded CoE emergency message (spec.md §4.E:
// "{req_type=0x01, error_code:u16, error_reg:u8, data:[5]}").
type emergencyPayload struct {
	ErrorCode uint16
	ErrorReg  uint8
	Data      [5]byte
}

func isEmergency(payload []byte) (emergencyPayload, bool) {
	if len(payload) < 2 {
		return emergencyPayload{}, false
	}
	_, typ := decodeCoEHeader(payload)
	if typ != TypeEmergency {
		return emergencyPayload{}, false
	}
	if len(payload) < 2+8 {
		return emergencyPayload{}, false
	}
	var e emergencyPayload
	e.ErrorCode = binary.LittleEndian.Uint16(payload[2:4])
	e.ErrorReg = payload[4]
	copy(e.Data[:], payload[5:10])
	return e, true
}
