package circuit

import (
	"context"
	"time"

	"github.com/darknode-net/darknode/pkg/cm"
)

// HopState is the only circuit knowledge a routing or exit node ever holds:
// its own hop's session key, the pinned next hop (routing only) and an expiry.
// Neighboring hops' keys are never present here.
type HopState struct {
	SessionKey []byte
	NextHop    string
	ExpiresAt  time.Time
}

// KeyTable is the hop-local circuit registry used by routing and exit nodes.
type KeyTable struct {
	entries    cm.ConcurrentMap[string, HopState]
	tombstones cm.ConcurrentMap[string, time.Time]
}

func NewKeyTable() *KeyTable {
	return &KeyTable{}
}

// Put installs the hop state for a circuit id. Ids of closed circuits are
// tombstoned and cannot be reused.
func (k *KeyTable) Put(id string, state HopState) error {
	if _, closed := k.tombstones.Get(id); closed {
		return ErrUnavailable
	}
	k.entries.Set(id, state)
	return nil
}

// Lookup returns the hop state for a live circuit, or ErrUnavailable for
// unknown, expired or poisoned ids.
func (k *KeyTable) Lookup(id string) (HopState, error) {
	if _, closed := k.tombstones.Get(id); closed {
		return HopState{}, ErrUnavailable
	}
	state, ok := k.entries.Get(id)
	if !ok || time.Now().After(state.ExpiresAt) {
		return HopState{}, ErrUnavailable
	}
	return state, nil
}

// Purge tears down the hop's share of a circuit: the session key is zeroed,
// the entry removed and the id tombstoned.
func (k *KeyTable) Purge(id string) {
	if state, ok := k.entries.Get(id); ok {
		for i := range state.SessionKey {
			state.SessionKey[i] = 0
		}
		k.entries.Delete(id)
	}
	k.tombstones.Set(id, time.Now())
}

// StartSweeper periodically purges expired entries and drops old tombstones.
func (k *KeyTable) StartSweeper(ctx context.Context, interval, tombstoneTTL time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				k.entries.Range(func(id string, state HopState) bool {
					if now.After(state.ExpiresAt) {
						k.Purge(id)
					}
					return true
				})
				k.tombstones.Range(func(id string, closedAt time.Time) bool {
					if now.Sub(closedAt) > tombstoneTTL {
						k.tombstones.Delete(id)
					}
					return true
				})
			}
		}
	}()
}
