package slave

// Port is one of up to 4 physical ports on a slave, carrying topology and
// distributed-clock receive-time information (spec.md §3, §4.G steps 4-5).
type Port struct {
	LinkUp         bool
	LoopClosed     bool
	SignalDetected bool
	Bypassed       bool // heuristic: DC receive time unchanged across broadcast timing, see DESIGN.md

	DCReceiveTime uint32

	// NeighbourIndex is the ring-order neighbour's slave table index, -1
	// if none. Table.EnsureSlave sets it to -1 on every port and the scan
	// FSM does not fill it in. Diagnostics only; supplemented from _examples/original_source/master/slave.c's
	// port neighbour links (see SPEC_FULL.md C.3).
	NeighbourIndex int
}
