package ethercat

import "github.com/ecmaster-go/ethercat/pkg/datagram"

// Frame is one outbound unit of wire work handed to the adapter: a batch
// of datagrams the adapter concatenates into an Ethernet frame (or
// several, if they don't fit one MTU) and sends as-is. The adapter owns
// physical framing (preamble, FCS) entirely; this module never touches it.
type Frame struct {
	Datagrams []*datagram.Datagram
}

// FrameListener receives frames returned by the wire, already
// demultiplexed into their constituent datagrams with working counters
// filled in. Implementations are expected to be non-blocking: a listener
// that blocks delays every other subscriber on the same bus.
type FrameListener interface {
	Handle(frame Frame)
}

// Bus is the Ethernet device adapter boundary (spec.md §1: explicitly out
// of scope, referenced only by interface). Shaped after the teacher's
// pkg/can.Bus, generalized from single 8-byte CAN frames to EtherCAT
// datagram batches.
type Bus interface {
	// Connect opens the underlying device. Arguments are adapter-specific
	// (interface name, PCAP handle, simulated topology, ...).
	Connect(args ...any) error
	Disconnect() error
	// Send transmits one frame's worth of datagrams and returns once
	// they have been handed to the device; it does not wait for a reply.
	Send(frame Frame) error
	// Subscribe registers a listener for returned frames. The returned
	// cancel function removes it; calling it twice is a no-op.
	Subscribe(listener FrameListener) (cancel func(), err error)
}
