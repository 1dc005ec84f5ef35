// Package fsm holds the small vocabulary shared by every cooperative
// state machine in this module (state-change, CoE, PDO mapping, scan,
// slave-config): a tick returns exactly one of Running, Done or Failed,
// never blocks, and does at most one datagram's worth of work (spec.md
// §5, §9's "explicit sum-type state with an exec method" guidance).
package fsm

// Progress is what one Exec call reports back to its caller (another
// FSM, or the master engine).
type Progress uint8

const (
	// Running means the FSM consumed or issued a datagram and wants to
	// be called again next tick.
	Running Progress = iota
	// Done means the FSM reached its terminal success state.
	Done
	// Failed means the FSM reached its terminal failure state; Err()
	// describes why.
	Failed
)

func (p Progress) String() string {
	switch p {
	case Running:
		return "RUNNING"
	case Done:
		return "DONE"
	default:
		return "FAILED"
	}
}
