package slave

// PDOEntry is one mapped object-dictionary reference inside a PDO (spec.md
// §3). Two entries are structurally equal iff index, subindex and
// bit-length match.
type PDOEntry struct {
	Index     uint16
	Subindex  uint8
	BitLength uint8
	Name      string
}

func (e PDOEntry) Equal(other PDOEntry) bool {
	return e.Index == other.Index && e.Subindex == other.Subindex && e.BitLength == other.BitLength
}

// PDO is a fixed-layout bundle of variables assigned to one sync manager
// (spec.md §3, §GLOSSARY). SMIndex is -1 when the PDO is not currently
// assigned to any SM (as seen in the SII default list before assignment).
type PDO struct {
	Index   uint16
	SMIndex int
	Name    string
	Entries []PDOEntry
}

// Equal reports PDO equality as entry-list equality (spec.md §3).
func (p *PDO) Equal(other *PDO) bool {
	if p.Index != other.Index || len(p.Entries) != len(other.Entries) {
		return false
	}
	for i := range p.Entries {
		if !p.Entries[i].Equal(other.Entries[i]) {
			return false
		}
	}
	return true
}

// BitLength sums the bit length of every entry, used when sizing the
// owning SM (spec.md §4.H step 13).
func (p *PDO) BitLength() int {
	total := 0
	for _, e := range p.Entries {
		total += int(e.BitLength)
	}
	return total
}
