package circuit

import (
	"context"
	"time"

	"github.com/darknode-net/darknode/pkg/cm"
)

// Table is the entry node's registry of circuits it owns. Closed circuit ids
// are tombstoned so a replayed id is rejected rather than resurrected.
type Table struct {
	circuits   cm.ConcurrentMap[string, *Circuit]
	tombstones cm.ConcurrentMap[string, time.Time]
}

func NewTable() *Table {
	return &Table{}
}

// Put registers a circuit under its id. Tombstoned ids are rejected.
func (t *Table) Put(c *Circuit) error {
	if _, closed := t.tombstones.Get(c.ID); closed {
		return ErrUnavailable
	}
	t.circuits.Set(c.ID, c)
	return nil
}

// Get returns a usable circuit or ErrUnavailable.
func (t *Table) Get(id string) (*Circuit, error) {
	if _, closed := t.tombstones.Get(id); closed {
		return nil, ErrUnavailable
	}
	c, ok := t.circuits.Get(id)
	if !ok {
		return nil, ErrUnavailable
	}
	if c.State() != Established || c.Expired() {
		return nil, ErrUnavailable
	}
	return c, nil
}

// Poison marks a circuit as Closing so in-flight envelopes referencing it are
// rejected rather than processed to completion.
func (t *Table) Poison(id string) {
	if c, ok := t.circuits.Get(id); ok {
		_ = c.Transition(Closing)
	}
	t.tombstones.Set(id, time.Now())
}

// Remove finishes teardown: the circuit moves to Closed (purging keys), is
// dropped from the table and its id stays tombstoned.
func (t *Table) Remove(id string) {
	if c, ok := t.circuits.Get(id); ok {
		_ = c.Transition(Closing)
		_ = c.Transition(Closed)
		t.circuits.Delete(id)
	}
	t.tombstones.Set(id, time.Now())
}

// Len counts the live circuits.
func (t *Table) Len() int {
	n := 0
	t.circuits.Range(func(string, *Circuit) bool {
		n++
		return true
	})
	return n
}

// StartSweeper periodically tears down expired circuits and drops old
// tombstones. It runs until ctx is cancelled.
func (t *Table) StartSweeper(ctx context.Context, interval, tombstoneTTL time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sweep(tombstoneTTL)
			}
		}
	}()
}

func (t *Table) sweep(tombstoneTTL time.Duration) {
	now := time.Now()
	t.circuits.Range(func(id string, c *Circuit) bool {
		if c.Expired() || c.State() == Closing {
			t.Remove(id)
		}
		return true
	})
	t.tombstones.Range(func(id string, closedAt time.Time) bool {
		if now.Sub(closedAt) > tombstoneTTL {
			t.tombstones.Delete(id)
		}
		return true
	})
}
