package sii

import (
	"encoding/binary"

	"github.com/ecmaster-go/ethercat/pkg/slave"
)

// parseImage walks the raw word stream captured starting at
// categoryChainStart and builds the parsed projection (spec.md §4.C).
// Failure to parse any one category is tolerated per-category: the
// category is skipped and parsing continues, matching the original's
// "set the slave's error flag but keep scanning other slaves" posture —
// only a structurally impossible stream (truncated header) stops parsing
// early, and the caller decides whether that's fatal.
func parseImage(words []uint16, identity slave.Identity) *slave.Image {
	img := &slave.Image{Identity: identity, Raw: words}

	i := 0
	for i < len(words) {
		header := words[i]
		if header == uint16(slave.CategoryEnd) {
			break
		}
		catType := header &^ 0x8000
		if i+1 >= len(words) {
			break // truncated header, nothing more to parse
		}
		size := int(words[i+1])
		bodyStart := i + 2
		bodyEnd := bodyStart + size
		if bodyEnd > len(words) {
			bodyEnd = len(words)
		}
		body := words[bodyStart:bodyEnd]

		switch catType {
		case slave.CategoryStrings:
			img.Strings = parseStrings(body)
		case slave.CategoryGeneral:
			parseGeneral(img, body)
		case slave.CategorySM:
			img.SMs = parseSyncManagers(body)
		case slave.CategoryTxPDO:
			img.TxPDOs = parsePDOs(body)
		case slave.CategoryRxPDO:
			img.RxPDOs = parsePDOs(body)
		}

		i = bodyEnd
	}
	return img
}

// parseStrings decodes the null-terminated UTF-8 string table, index 0
// reserved for "no string" (spec.md §4.C).
func parseStrings(body []uint16) []string {
	raw := wordsToBytes(body)
	if len(raw) == 0 {
		return []string{""}
	}
	count := int(raw[0])
	out := make([]string, 1, count+1)
	out[0] = ""
	pos := 1
	for n := 0; n < count && pos < len(raw); n++ {
		length := int(raw[pos])
		pos++
		end := pos + length
		if end > len(raw) {
			end = len(raw)
		}
		out = append(out, string(raw[pos:end]))
		pos = end
	}
	return out
}

// parseGeneral decodes the 32-byte general category (spec.md §4.C).
func parseGeneral(img *slave.Image, body []uint16) {
	raw := wordsToBytes(body)
	if len(raw) < 18 {
		return
	}
	img.GroupIdx = raw[0]
	img.ImageIdx = raw[1]
	img.OrderIdx = raw[2]
	img.NameIdx = raw[3]
	img.PhysicalLayer = raw[4]
	img.CoEDetails = raw[5]
	img.GeneralFlags = raw[8]
	if len(raw) >= 20 {
		img.CurrentOnEBus = int16(binary.LittleEndian.Uint16(raw[18:20]))
	}
}

// parseSyncManagers decodes a sequence of 8-byte SM records (spec.md
// §4.C).
func parseSyncManagers(body []uint16) []slave.SM {
	raw := wordsToBytes(body)
	var sms []slave.SM
	for off := 0; off+8 <= len(raw); off += 8 {
		sms = append(sms, slave.SM{
			PhysicalStart:   binary.LittleEndian.Uint16(raw[off : off+2]),
			Length:          binary.LittleEndian.Uint16(raw[off+2 : off+4]),
			ControlRegister: raw[off+4],
			Enable:          raw[off+7]&0x01 != 0,
			Index:           uint8(len(sms)),
		})
	}
	return sms
}

// parsePDOs decodes the PDO-assignment category (0x0032/0x0033):
// sequence of {pdo_index, entry_count, sm_index, ..., name_idx,
// (entries)*} where each entry is {index, subindex, name_idx, _,
// bit_length, _} (spec.md §4.C).
func parsePDOs(body []uint16) []*slave.PDO {
	var pdos []*slave.PDO
	i := 0
	for i+4 <= len(body) {
		pdoIndex := body[i]
		entryCount := int(byte(body[i+1]))
		smIndex := int(int8(byte(body[i+2])))
		// nameIdx lives in the low byte of word i+3 in the compact
		// layout used here; the remaining high byte and word i+2's high
		// byte are reserved fields not surfaced.
		i += 4
		p := &slave.PDO{Index: pdoIndex, SMIndex: smIndex}
		for e := 0; e < entryCount && i+3 <= len(body); e++ {
			entryIndex := body[i]
			sub := byte(body[i+1])
			bitLen := byte(body[i+2])
			p.Entries = append(p.Entries, slave.PDOEntry{
				Index:     entryIndex,
				Subindex:  sub,
				BitLength: bitLen,
			})
			i += 3
		}
		pdos = append(pdos, p)
	}
	return pdos
}

func wordsToBytes(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, w := range words {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], w)
	}
	return out
}
