package ethercat

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

// loopbackBus is an in-memory Bus: Send immediately hands the frame
// back to every subscriber, playing the role of the teacher's
// pkg/can/virtual bus for engine-level tests.
type loopbackBus struct {
	listeners []FrameListener
	sent      []Frame
	drop      bool
}

func (b *loopbackBus) Connect(args ...any) error { return nil }
func (b *loopbackBus) Disconnect() error         { return nil }

func (b *loopbackBus) Send(frame Frame) error {
	b.sent = append(b.sent, frame)
	if b.drop {
		return nil
	}
	for _, l := range b.listeners {
		if l != nil {
			l.Handle(frame)
		}
	}
	return nil
}

func (b *loopbackBus) Subscribe(listener FrameListener) (func(), error) {
	b.listeners = append(b.listeners, listener)
	idx := len(b.listeners) - 1
	return func() { b.listeners[idx] = nil }, nil
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// scriptedFSM is a slaveFSM test double: Exec issues a fixed sequence
// of single-byte FPRD reads, Consume just records what it was handed
// and reports the next scripted progress.
type scriptedFSM struct {
	station uint16
	steps   int
	execs   int
	consumes []*datagram.Datagram
	failAt   int // consume index after which Failed is reported, -1 for never
	err      error
}

func (f *scriptedFSM) Exec(now uint64) (fsm.Progress, *datagram.Datagram, error) {
	f.execs++
	if f.execs > f.steps {
		return fsm.Done, nil, nil
	}
	d, err := datagram.NewFPRD(f.station, 0x0130, 2)
	if err != nil {
		return fsm.Failed, nil, err
	}
	return fsm.Running, d, nil
}

func (f *scriptedFSM) Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress {
	f.consumes = append(f.consumes, reply)
	if f.failAt >= 0 && len(f.consumes) > f.failAt {
		f.err = assert.AnError
		return fsm.Failed
	}
	if len(f.consumes) >= f.steps {
		return fsm.Done
	}
	return fsm.Running
}

func (f *scriptedFSM) Err() error { return f.err }

func testSlaveTable() (*slave.Table, *slave.Slave) {
	table := slave.NewTable(discardLogger())
	s := table.EnsureSlave(0)
	s.StationAddress = 0x1001
	return table, s
}

func TestCycleIssuesOneDatagramPerRunnerPerTick(t *testing.T) {
	bus := &loopbackBus{}
	table, s := testSlaveTable()
	m := NewMaster(discardLogger(), table, bus, nil)
	require.NoError(t, m.Start())

	f := &scriptedFSM{station: s.StationAddress, steps: 3, failAt: -1}
	m.Run(s, f, "test")

	// 3 cycles to run the scripted exchanges, plus one more so the
	// runner's own Exec call observes its fsm already reports Done and
	// retires — matching the same one-tick-late retirement every
	// terminal-stage FSM in this module exhibits.
	for i := 0; i < 4; i++ {
		require.NoError(t, m.Cycle())
	}

	assert.Equal(t, 4, f.execs)
	assert.Equal(t, 3, len(f.consumes))
	assert.Equal(t, 0, m.Active(), "runner should retire once its fsm reports Done")
}

func TestHandleRoutesReplyByIndexNotPosition(t *testing.T) {
	bus := &loopbackBus{}
	table, s1 := testSlaveTable()
	s2 := table.EnsureSlave(1)
	s2.StationAddress = 0x1002
	m := NewMaster(discardLogger(), table, bus, nil)
	require.NoError(t, m.Start())

	f1 := &scriptedFSM{station: s1.StationAddress, steps: 1, failAt: -1}
	f2 := &scriptedFSM{station: s2.StationAddress, steps: 1, failAt: -1}
	m.Run(s1, f1, "f1")
	m.Run(s2, f2, "f2")

	require.NoError(t, m.Cycle())

	require.Len(t, f1.consumes, 1)
	require.Len(t, f2.consumes, 1)
	assert.Equal(t, uint8(0), f1.consumes[0].Index)
	assert.Equal(t, uint8(1), f2.consumes[0].Index)
}

func TestStaleReplyForRetiredRunnerIsIgnored(t *testing.T) {
	bus := &loopbackBus{drop: true}
	table, s := testSlaveTable()
	m := NewMaster(discardLogger(), table, bus, nil)
	require.NoError(t, m.Start())

	f := &scriptedFSM{station: s.StationAddress, steps: 1, failAt: -1}
	m.Run(s, f, "test")
	require.NoError(t, m.Cycle())
	require.Empty(t, f.consumes, "bus dropped the frame, fsm should not have been consumed yet")

	stale := bus.sent[0]
	require.NoError(t, m.Stop())

	// Replaying the stale frame after Stop must not panic or double-consume.
	m.Handle(stale)
	assert.Len(t, f.consumes, 1, "Stop should have force-failed the one pending datagram")
}

func TestStopFailsPendingRunners(t *testing.T) {
	bus := &loopbackBus{drop: true}
	table, s := testSlaveTable()
	m := NewMaster(discardLogger(), table, bus, nil)
	require.NoError(t, m.Start())

	f := &scriptedFSM{station: s.StationAddress, steps: 5, failAt: -1}
	m.Run(s, f, "test")
	require.NoError(t, m.Cycle())
	require.Empty(t, f.consumes)

	require.NoError(t, m.Stop())
	require.Len(t, f.consumes, 1)
	assert.True(t, f.consumes[0].State == datagram.StateTimedOut)
}

func TestIdleRunnerWithoutDatagramIsPolledAgain(t *testing.T) {
	bus := &loopbackBus{}
	table, s := testSlaveTable()
	m := NewMaster(discardLogger(), table, bus, nil)
	require.NoError(t, m.Start())

	idle := &idleThenRunFSM{runAfter: 2}
	m.Run(s, idle, "idle")

	require.NoError(t, m.Cycle())
	require.NoError(t, m.Cycle())
	assert.Equal(t, 1, m.Active(), "still running, just hadn't issued a datagram yet")

	require.NoError(t, m.Cycle()) // issues the real datagram and gets it consumed inline
	assert.Equal(t, 1, m.Active(), "fsm marked itself done in Consume, but hasn't reported it via Exec yet")

	require.NoError(t, m.Cycle()) // this Exec call observes the fsm is done and retires it
	assert.Equal(t, 0, m.Active())
	assert.True(t, idle.consumed)
}

// idleThenRunFSM reports Running with a nil datagram (e.g. waiting on a
// mailbox lock) for its first runAfter Exec calls, then issues one real
// datagram; once that datagram is consumed it reports Done on every
// subsequent Exec call, same as the terminal-stage convention every
// real FSM in this module follows.
type idleThenRunFSM struct {
	calls    int
	runAfter int
	done     bool
	consumed bool
}

func (f *idleThenRunFSM) Exec(now uint64) (fsm.Progress, *datagram.Datagram, error) {
	if f.done {
		return fsm.Done, nil, nil
	}
	f.calls++
	if f.calls <= f.runAfter {
		return fsm.Running, nil, nil
	}
	d, err := datagram.NewFPRD(0x1001, 0x0130, 2)
	return fsm.Running, d, err
}

func (f *idleThenRunFSM) Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress {
	f.consumed = true
	f.done = true
	return fsm.Done
}

func (f *idleThenRunFSM) Err() error { return nil }
