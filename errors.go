package ethercat

import "errors"

// Sentinel errors shared across the engine and its FSM packages.
var (
	ErrIllegalArgument  = errors.New("illegal argument")
	ErrOutOfMemory      = errors.New("datagram allocation failed")
	ErrTimeout          = errors.New("operation timed out")
	ErrWorkingCounter   = errors.New("unexpected working counter")
	ErrSlaveQuarantined = errors.New("slave quarantined after internal error")
	ErrSlaveNotFound    = errors.New("slave not found in slave table")
	ErrNoMailbox        = errors.New("slave does not support a mailbox")
	ErrNoProtocol       = errors.New("slave does not support the requested mailbox protocol")
	ErrMailboxTooLarge  = errors.New("payload exceeds configured mailbox window")
	ErrConfigDetached   = errors.New("slave configuration was detached")
	ErrForeignInFlight  = errors.New("mailbox read already owned by another exchange")
)
