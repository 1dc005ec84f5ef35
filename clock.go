package ethercat

import "time"

// Clock is the injected monotonic time source every FSM and the master
// engine read instead of calling time.Now directly, per spec.md §9's
// note that kernel-specific time primitives (jiffies) have no place in
// the core and must be represented as an injected clock. Ticks are an
// opaque monotonically increasing counter; Elapsed converts a tick delta
// to a duration for timeout comparisons.
type Clock interface {
	Tick() uint64
	Elapsed(since uint64) time.Duration
}

// SystemClock is a Clock backed by time.Now, with one tick per
// nanosecond of monotonic time elapsed since the clock was created.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a Clock rooted at the current instant.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Tick() uint64 {
	return uint64(time.Since(c.start))
}

func (c *SystemClock) Elapsed(since uint64) time.Duration {
	return time.Duration(c.Tick() - since)
}
