// Package circuit models a client's multi-hop path: the per-hop session keys,
// the circuit lifecycle state machine, and the key tables held by each relay
// role. The full circuit is owned exclusively by the entry node that built it;
// routing and exit nodes hold only their own hop's key.
package circuit

import (
	"errors"
	"sync"
	"time"

	pl "github.com/HannahMarsh/PrettyLogger"

	"github.com/darknode-net/darknode/internal/onion"
)

// State is the lifecycle state of a circuit.
type State int

const (
	Building State = iota
	Established
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Building:
		return "Building"
	case Established:
		return "Established"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var (
	// ErrUnavailable indicates the circuit is expired, poisoned or unknown.
	ErrUnavailable = errors.New("circuit unavailable")

	// ErrBuild indicates circuit establishment failed.
	ErrBuild = errors.New("circuit build failed")
)

// HopDescriptor pairs a hop index with the session key negotiated for it.
type HopDescriptor struct {
	Hop        int
	SessionKey []byte
}

// Circuit identifies one client session through the relay network. All access
// to its mutable state is serialized through an internal mutex so teardown
// cannot race with in-flight envelope processing.
type Circuit struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time

	mu    sync.Mutex
	state State
	hops  []HopDescriptor
	seq   uint64
}

// New creates a circuit in the Building state with the given TTL.
func New(id string, ttl time.Duration) *Circuit {
	now := time.Now()
	return &Circuit{
		ID:        id,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		state:     Building,
	}
}

// Transition moves the circuit through its state machine. Anything other
// than Building→Established, Building→Closing, Established→Closing and
// Closing→Closed is rejected; Closed is terminal.
func (c *Circuit) Transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	valid := false
	switch c.state {
	case Building:
		valid = to == Established || to == Closing
	case Established:
		valid = to == Closing
	case Closing:
		valid = to == Closed
	case Closed:
		valid = false
	}
	if !valid {
		return pl.NewError("invalid circuit transition %s -> %s", c.state, to)
	}

	c.state = to
	if to == Closed {
		// Purge key material the moment the circuit is closed.
		for i := range c.hops {
			for j := range c.hops[i].SessionKey {
				c.hops[i].SessionKey[j] = 0
			}
		}
		c.hops = nil
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetHops installs the negotiated hop descriptors. Only valid while Building.
func (c *Circuit) SetHops(hops []HopDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Building {
		return pl.NewError("cannot set hops in state %s", c.state)
	}
	c.hops = hops
	return nil
}

// HopKeys returns the per-hop session keys in path order, or ErrUnavailable
// if the circuit is not usable (not Established, expired, or short of keys).
func (c *Circuit) HopKeys() ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Established || time.Now().After(c.ExpiresAt) || len(c.hops) != onion.NumHops {
		return nil, ErrUnavailable
	}
	hopKeys := make([][]byte, len(c.hops))
	for i, h := range c.hops {
		hopKeys[i] = h.SessionKey
	}
	return hopKeys, nil
}

// NextSeq allocates the next envelope sequence number for this circuit.
func (c *Circuit) NextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Expired reports whether the circuit's TTL has passed.
func (c *Circuit) Expired() bool {
	return time.Now().After(c.ExpiresAt)
}
