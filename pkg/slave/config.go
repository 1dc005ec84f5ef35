package slave

// SlaveConfig is the externally owned configuration a slave-config FSM
// drives a slave towards (spec.md §4.H steps 9-17). A Slave only ever
// holds a weak ConfigRef to one of these; the owning table (pkg/config's
// Store) is what a slave's Attach/Detach calls track the
// liveness of, per spec.md §9's cyclic-reference note.
type SlaveConfig struct {
	// SDOWrites is applied in order while in PREOP (step 9).
	SDOWrites []SDOWrite

	// SoEPreop and SoESafeop are applied while in PREOP (step 10) and
	// SAFEOP (step 17) respectively.
	SoEPreop  []SoEWrite
	SoESafeop []SoEWrite

	// ProcessDataSMs describes the process-data sync managers to
	// configure (step 13) together with the PDOs assigned to each
	// (step 11, consumed one SM at a time by pkg/fsm/pdomap.FSM). Index
	// values start after the two mailbox SMs (SM0/SM1), i.e. index 2
	// onward on a typical slave.
	ProcessDataSMs []SM

	// FMMUs describes the FMMU address-translation entries to program
	// (step 14).
	FMMUs []FMMUConfig

	// DCSync carries distributed-clock cyclic synchronization
	// parameters (step 15); a zero value (Cycle0Time == 0) means the
	// slave-config FSM skips DC sync entirely.
	DCSync DCSyncConfig

	// Watchdog carries the divider/PDI-watchdog interval (step 12). A
	// zero Divider leaves the slave's power-on default in place.
	Watchdog WatchdogConfig
}

// SDOWrite is one CoE object write applied during PREOP configuration.
type SDOWrite struct {
	Index          uint16
	Subindex       uint8
	CompleteAccess bool
	Data           []byte
}

// SoEWrite is one servo-profile IDN write, keyed by drive number rather
// than index/subindex (spec.md §4.H step 10: "SoE is structured like CoE
// but keyed by IDN and drive-number").
type SoEWrite struct {
	DriveNo uint8
	IDN     uint16
	Data    []byte
}

// FMMUConfig is one FMMU's logical-to-physical address translation
// entry. LogicalStart/Length describe the window in the process image;
// PhysicalStart/PhysicalStartBit describe the matching window in the
// slave's local memory (normally one of ProcessDataSMs' physical
// windows); Type selects read (outputs) or write (inputs) direction.
type FMMUConfig struct {
	LogicalStart  uint32
	Length        uint16
	LogicalStartBit uint8
	LogicalStopBit  uint8

	PhysicalStart    uint16
	PhysicalStartBit uint8

	Type FMMUType
}

// FMMUType selects an FMMU's direction, matching the register's own
// read/write enable bits (spec.md §6).
type FMMUType uint8

const (
	FMMUOutputs FMMUType = iota // master write, read-enabled on the slave
	FMMUInputs                  // master read, write-enabled on the slave
)

// DCSyncConfig is the distributed-clock cyclic operation configuration
// applied at step 15.
type DCSyncConfig struct {
	Cycle0Time uint32 // ns
	Cycle1Time uint32 // ns
	ShiftTime  int32  // ns, offset of SYNC0 from the reference clock's cycle start
}

// WatchdogConfig carries the slave watchdog divider and PDI timeout
// (spec.md §4.H step 12, "non-fatal if unsupported").
type WatchdogConfig struct {
	Divider     uint16
	PDIInterval uint16
}
