package circuit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/darknode-net/darknode/internal/crypto/keys"
	"github.com/darknode-net/darknode/internal/onion"
)

// ExtendRequest carries the client-side ephemeral public values for the
// routing and exit hops. It is relayed by the routing node, which picks the
// exit under its own randomness: the entry never learns which exit was
// chosen, and neither downstream hop sees the client's network identity.
type ExtendRequest struct {
	CircuitID        string
	ClientRoutingPub []byte
	ClientExitPub    []byte
	TTL              time.Duration
}

// ExtendReply carries back the ephemeral public values generated by the
// routing and exit hops. Only public curve points cross the wire.
type ExtendReply struct {
	RoutingPub []byte
	ExitPub    []byte
}

// Transport performs the circuit control exchanges with the routing node.
type Transport interface {
	Extend(ctx context.Context, routingAddr string, req ExtendRequest) (ExtendReply, error)
	Close(ctx context.Context, routingAddr string, circuitID string) error
}

// EntryExchange is the entry hop's side of its key exchange: given the client
// delegate's ephemeral public value, it derives the hop's session key from the
// entry node's static private key.
type EntryExchange func(clientPub []byte) ([]byte, error)

// Builder opens and tears down circuits on behalf of the entry node.
type Builder struct {
	routingAddr   string
	entryExchange EntryExchange
	ttl           time.Duration
	transport     Transport
	table         *Table
}

func NewBuilder(routingAddr string, entryExchange EntryExchange, ttl time.Duration, transport Transport, table *Table) *Builder {
	return &Builder{
		routingAddr:   routingAddr,
		entryExchange: entryExchange,
		ttl:           ttl,
		transport:     transport,
		table:         table,
	}
}

// Open performs the three per-hop key exchanges and registers the resulting
// circuit as Established. Each hop's key comes from an independent X25519
// exchange; a failure anywhere yields ErrBuild and no registered circuit.
func (b *Builder) Open(ctx context.Context) (*Circuit, error) {
	c := New(uuid.NewString(), b.ttl)

	// Entry hop: exchanged locally, the hop deriving its key from its static
	// private key and the fresh ephemeral public value.
	_, entryEphPub, err := keys.GenerateEphemeralKeys()
	if err != nil {
		return nil, errors.Join(ErrBuild, err)
	}
	entryKey, err := b.entryExchange(entryEphPub)
	if err != nil {
		return nil, errors.Join(ErrBuild, err)
	}

	// Routing and exit hops: ephemerals relayed through the routing node.
	routingEphPriv, routingEphPub, err := keys.GenerateEphemeralKeys()
	if err != nil {
		return nil, errors.Join(ErrBuild, err)
	}
	exitEphPriv, exitEphPub, err := keys.GenerateEphemeralKeys()
	if err != nil {
		return nil, errors.Join(ErrBuild, err)
	}

	reply, err := b.transport.Extend(ctx, b.routingAddr, ExtendRequest{
		CircuitID:        c.ID,
		ClientRoutingPub: routingEphPub,
		ClientExitPub:    exitEphPub,
		TTL:              b.ttl,
	})
	if err != nil {
		_ = c.Transition(Closing)
		return nil, errors.Join(ErrBuild, err)
	}

	routingKey, err := keys.DeriveSessionKey(routingEphPriv, reply.RoutingPub)
	if err != nil {
		_ = c.Transition(Closing)
		return nil, errors.Join(ErrBuild, err)
	}
	exitKey, err := keys.DeriveSessionKey(exitEphPriv, reply.ExitPub)
	if err != nil {
		_ = c.Transition(Closing)
		return nil, errors.Join(ErrBuild, err)
	}

	if err = c.SetHops([]HopDescriptor{
		{Hop: onion.HopEntry, SessionKey: entryKey},
		{Hop: onion.HopRouting, SessionKey: routingKey},
		{Hop: onion.HopExit, SessionKey: exitKey},
	}); err != nil {
		return nil, errors.Join(ErrBuild, err)
	}
	if err = c.Transition(Established); err != nil {
		return nil, errors.Join(ErrBuild, err)
	}
	if err = b.table.Put(c); err != nil {
		return nil, errors.Join(ErrBuild, err)
	}

	return c, nil
}

// Teardown poisons the circuit locally, signals the downstream hops to purge
// their key shares, and closes it. Downstream observation is bounded by one
// mix epoch: the routing node rejects in-flight envelopes as soon as it is
// poisoned.
func (b *Builder) Teardown(ctx context.Context, c *Circuit) error {
	b.table.Poison(c.ID)
	err := b.transport.Close(ctx, b.routingAddr, c.ID)
	b.table.Remove(c.ID)
	return err
}
