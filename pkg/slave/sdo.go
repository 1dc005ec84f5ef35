package slave

// AccessTriple records read or write access per AL state, in the order
// preop, safeop, op (spec.md §3, bits 0/3,1/4,2/5 of the entry-description
// access word, spec.md §4.E).
type AccessTriple struct {
	Preop  bool
	Safeop bool
	Op     bool
}

// SDOEntry is one subindex of an SDO, populated by dictionary enumeration
// (spec.md §4.E "Get Entry Description").
type SDOEntry struct {
	Subindex    uint8
	DataType    uint16
	BitLength   uint16
	ReadAccess  AccessTriple
	WriteAccess AccessTriple
	Description string
	// Populated reports that the entry description was read. A subindex
	// whose description request aborted during enumeration gets no
	// SDOEntry at all, leaving a hole (spec.md §8 property 6 / scenario S6).
	Populated bool
}

// SDO is an object-dictionary entry reached over CoE (spec.md §3,
// §GLOSSARY).
type SDO struct {
	Index      uint16
	ObjectCode uint8
	Name       string
	MaxSub     uint8
	Entries    map[uint8]*SDOEntry
}

// Dictionary is the slave's enumerated object dictionary, populated only
// when an upper layer requests it (spec.md scenario S1 leaves it empty).
type Dictionary struct {
	Objects map[uint16]*SDO
}

// NewDictionary returns an empty dictionary ready for enumeration.
func NewDictionary() *Dictionary {
	return &Dictionary{Objects: make(map[uint16]*SDO)}
}

// EnsureObject returns the SDO at index, creating it if absent.
func (d *Dictionary) EnsureObject(index uint16) *SDO {
	if sdo, ok := d.Objects[index]; ok {
		return sdo
	}
	sdo := &SDO{Index: index, Entries: make(map[uint8]*SDOEntry)}
	d.Objects[index] = sdo
	return sdo
}

// Well-known PDO assignment/mapping index ranges (spec.md §4.F).
const (
	// SyncManagerPDOAssignBase is 0x1C10; index+i selects SM i's assignment object.
	SyncManagerPDOAssignBase = 0x1C10
	MinProcessDataSM         = 2
	MaxProcessDataSM         = 31
)
