package slave

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Table is the master's owned collection of slaves and shared SII images
// (spec.md §9: "Model as owned vectors... FSMs hold indices or borrows,
// never raw back-pointers into the master."). Slaves are indexed by ring
// position at scan time and addressed by station address afterwards.
type Table struct {
	mu     sync.RWMutex
	log    *logrus.Logger
	slaves []*Slave
	images map[Identity]*Image
}

// NewTable returns an empty table.
func NewTable(log *logrus.Logger) *Table {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Table{log: log, images: make(map[Identity]*Image)}
}

// EnsureSlave returns the slave at ringPosition, creating it if this is
// the first time the table has seen that position (spec.md §3 Lifecycle:
// "A slave is created on first discovery").
func (t *Table) EnsureSlave(ringPosition uint16) *Slave {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slaves {
		if s.RingPosition == ringPosition {
			return s
		}
	}
	s := New(t.log, ringPosition)
	for i := range s.Ports {
		s.Ports[i].NeighbourIndex = -1
	}
	t.slaves = append(t.slaves, s)
	return s
}

// ByStationAddress looks up a slave by its assigned station address.
func (t *Table) ByStationAddress(addr uint16) (*Slave, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.slaves {
		if s.StationAddress == addr {
			return s, true
		}
	}
	return nil, false
}

// ByRingPosition looks up a slave by ring position without creating it.
func (t *Table) ByRingPosition(ringPosition uint16) (*Slave, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.slaves {
		if s.RingPosition == ringPosition {
			return s, true
		}
	}
	return nil, false
}

// All returns a snapshot slice of every known slave, in discovery order.
func (t *Table) All() []*Slave {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Slave, len(t.slaves))
	copy(out, t.slaves)
	return out
}

// FindImage returns a previously cached SII image matching identity, if
// any (spec.md §4.C short-circuit (a)).
func (t *Table) FindImage(identity Identity) (*Image, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	img, ok := t.images[identity]
	return img, ok
}

// StoreImage registers an SII image under its identity, making it
// available for reuse by subsequently scanned identical slaves.
func (t *Table) StoreImage(img *Image) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.images[img.Identity] = img
}

// Teardown cancels every pending request on every slave (spec.md §3
// Lifecycle, §8 property 9).
func (t *Table) Teardown() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.slaves {
		s.Teardown()
	}
}
