package slave

// SMType distinguishes the two mailbox sync managers from process-data
// sync managers.
type SMType uint8

const (
	SMTypeUnused SMType = iota
	SMTypeMailboxOut        // SM0: master -> slave mailbox
	SMTypeMailboxIn         // SM1: slave -> master mailbox
	SMTypeProcessOut        // outputs (master -> slave)
	SMTypeProcessIn         // inputs (slave -> master)
)

// SM is a sync manager window into the slave's dual-port RAM (spec.md §3).
type SM struct {
	Index           uint8
	PhysicalStart   uint16
	Length          uint16
	ControlRegister uint8
	Enable          bool
	Type            SMType

	// PDOs assigned to this SM, in assignment order. Only meaningful for
	// SMTypeProcessIn/Out.
	PDOs []*PDO
}

// ControlByteMailboxOut is the SM0 control register value for the master
// write (mailbox-out) direction (spec.md §4.H step 5).
const ControlByteMailboxOut = 0x26

// ControlByteMailboxIn is the SM1 control register value for the slave
// write (mailbox-in, master read) direction.
const ControlByteMailboxIn = 0x22
