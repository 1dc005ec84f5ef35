package ethercat

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

// slaveFSM is the seam every top-level per-slave state machine (scan,
// slave-config) presents to the master engine: advance by at most one
// datagram, then accept that datagram's reply (spec.md §4.I step 1,
// §5). pkg/fsm/scan.FSM and pkg/fsm/config.FSM both satisfy this.
type slaveFSM interface {
	Exec(now uint64) (fsm.Progress, *datagram.Datagram, error)
	Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress
	Err() error
}

// runner binds one active top-level FSM to the slave it drives and
// tracks the single datagram it is waiting a reply for.
type runner struct {
	slave    *slave.Slave
	fsm      slaveFSM
	label    string
	pending  *datagram.Datagram
	sentTick uint64
}

// Master is the slave-lifecycle engine's scheduling seam (spec.md
// §4.I): it owns the slave table and a rotating set of per-slave FSM
// runners, steps each by at most one datagram per Cycle, batches the
// result onto the Bus, and demultiplexes returned frames by datagram
// index back to the runner awaiting that exact reply.
//
// Cycle is a single step, not a loop: the periodic timer that calls it
// every bus cycle is the master *scheduler*, which spec.md §1 places
// out of scope as an external collaborator. Master supplies the
// mechanism; driving it on a clock is the caller's job.
//
// Grounded on the teacher's BusManager (bus_manager.go): an array
// indexed by wire identifier (CAN ID there, datagram index here)
// demultiplexing returned traffic back to whoever is waiting on it,
// generalized from a persistent per-ID subscriber list to a
// single-owner-per-datagram lookup since exactly one FSM issued each
// one.
type Master struct {
	log   *logrus.Logger
	table *slave.Table
	bus   Bus
	clock Clock

	mu        sync.Mutex
	runners   []*runner
	nextIndex uint8
	inFlight  [256]*runner

	unsubscribe func()
}

// NewMaster wires a master engine to its slave table and adapter. Pass
// a nil clock to use SystemClock.
func NewMaster(log *logrus.Logger, table *slave.Table, bus Bus, clock Clock) *Master {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &Master{log: log, table: table, bus: bus, clock: clock}
}

// Start connects the adapter and subscribes the engine to its returned
// frames. Call once before the first Cycle.
func (m *Master) Start(args ...any) error {
	if err := m.bus.Connect(args...); err != nil {
		return err
	}
	cancel, err := m.bus.Subscribe(m)
	if err != nil {
		return err
	}
	m.unsubscribe = cancel
	return nil
}

// Stop unsubscribes from the adapter, marks every in-flight datagram
// TIMED_OUT and hands it to its runner's Consume, drops all runners,
// tears down every slave's outstanding requests, and disconnects the
// adapter (spec.md §5 "Shutdown cancels every pending request... before
// freeing buffers", §8 property 9).
func (m *Master) Stop() error {
	m.mu.Lock()
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	now := m.clock.Tick()
	for i, r := range m.inFlight {
		if r == nil {
			continue
		}
		r.pending.MarkReceived(0, now, true)
		m.finishReply(r, r.pending)
		m.inFlight[i] = nil
	}
	m.runners = nil
	m.mu.Unlock()

	m.table.Teardown()
	return m.bus.Disconnect()
}

// Run registers fsm as the active driver for s. The slave may already
// have a different FSM completing; both are stepped independently,
// since only one issues a datagram for that slave at a time in
// practice (scan then config, never concurrently) — nothing here
// enforces mutual exclusion beyond that convention.
func (m *Master) Run(s *slave.Slave, f slaveFSM, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners = append(m.runners, &runner{slave: s, fsm: f, label: label})
}

// Active reports how many FSM runners are registered. A runner is
// retired on the first Cycle whose Exec reports Done or Failed, so an
// FSM that finished inside Consume still counts until the next Cycle.
// Callers poll this (or individual slave state) to learn when
// a batch of scans or configurations has settled.
func (m *Master) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runners)
}

// Cycle performs one scheduling tick (spec.md §4.I steps 1-2): every
// runner not already waiting on a reply is given one Exec call; any
// datagram it produces is indexed and handed to the bus as a single
// frame. Runners that reach a terminal state are retired.
func (m *Master) Cycle() error {
	m.mu.Lock()
	now := m.clock.Tick()
	var batch []*datagram.Datagram
	live := m.runners[:0]
	for _, r := range m.runners {
		if r.pending != nil {
			// Still waiting on the reply to its last datagram.
			live = append(live, r)
			continue
		}
		progress, d, err := r.fsm.Exec(now)
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{"slave": r.slave.RingPosition, "fsm": r.label}).Warn("exec error")
		}
		switch progress {
		case fsm.Done:
			m.log.WithFields(logrus.Fields{"slave": r.slave.RingPosition, "fsm": r.label}).Debug("fsm done")
		case fsm.Failed:
			m.log.WithError(r.fsm.Err()).WithFields(logrus.Fields{"slave": r.slave.RingPosition, "fsm": r.label}).Warn("fsm failed")
		case fsm.Running:
			if d == nil {
				// Idle this tick — e.g. waiting on a mailbox lock held by
				// another FSM. Polled again next cycle.
				live = append(live, r)
				continue
			}
			idx := m.nextIndex
			m.nextIndex++
			d.MarkSent(idx, now)
			r.pending = d
			r.sentTick = now
			m.inFlight[idx] = r
			batch = append(batch, d)
			live = append(live, r)
		}
	}
	m.runners = live
	m.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return m.bus.Send(Frame{Datagrams: batch})
}

// Handle implements FrameListener (spec.md §4.I step 3): demultiplex
// each returned datagram by its 8-bit index and feed the reply to the
// runner that issued it.
func (m *Master) Handle(frame Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range frame.Datagrams {
		r := m.inFlight[d.Index]
		if r == nil || r.pending != d {
			// Stale index (slave went offline mid-cycle, duplicate echo,
			// or a reply for a datagram this engine never sent) —
			// dropped rather than misrouted to the wrong FSM.
			continue
		}
		m.inFlight[d.Index] = nil
		m.finishReply(r, d)
	}
}

func (m *Master) finishReply(r *runner, d *datagram.Datagram) {
	elapsed := m.clock.Elapsed(r.sentTick)
	r.fsm.Consume(d, elapsed)
	r.pending = nil
}
