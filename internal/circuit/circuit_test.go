package circuit

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/darknode-net/darknode/internal/crypto/keys"
	"github.com/darknode-net/darknode/internal/onion"
)

func TestStateMachineTransitions(t *testing.T) {
	c := New("circuit-1", time.Minute)
	if c.State() != Building {
		t.Fatalf("new circuit should be Building, got %s", c.State())
	}

	steps := []State{Established, Closing, Closed}
	for _, next := range steps {
		if err := c.Transition(next); err != nil {
			t.Fatalf("Transition(%s) error: %v", next, err)
		}
	}
	if c.State() != Closed {
		t.Fatalf("expected Closed, got %s", c.State())
	}

	// Closed is terminal.
	for _, next := range []State{Building, Established, Closing, Closed} {
		if err := c.Transition(next); err == nil {
			t.Fatalf("Transition(%s) from Closed should fail", next)
		}
	}
}

func TestInvalidTransitions(t *testing.T) {
	c := New("circuit-2", time.Minute)
	if err := c.Transition(Closed); err == nil {
		t.Fatal("Building -> Closed should be rejected")
	}
	if err := c.Transition(Established); err != nil {
		t.Fatalf("Transition(Established) error: %v", err)
	}
	if err := c.Transition(Established); err == nil {
		t.Fatal("Established -> Established should be rejected")
	}
	if err := c.Transition(Closed); err == nil {
		t.Fatal("Established -> Closed should be rejected")
	}
}

func TestHopKeysRequireEstablished(t *testing.T) {
	c := New("circuit-3", time.Minute)
	if err := c.SetHops(testHops(t)); err != nil {
		t.Fatalf("SetHops() error: %v", err)
	}

	if _, err := c.HopKeys(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable while Building, got %v", err)
	}

	if err := c.Transition(Established); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	hopKeys, err := c.HopKeys()
	if err != nil {
		t.Fatalf("HopKeys() error: %v", err)
	}
	if len(hopKeys) != onion.NumHops {
		t.Fatalf("expected %d hop keys, got %d", onion.NumHops, len(hopKeys))
	}
}

func TestClosedCircuitPurgesKeys(t *testing.T) {
	c := New("circuit-4", time.Minute)
	hops := testHops(t)
	if err := c.SetHops(hops); err != nil {
		t.Fatalf("SetHops() error: %v", err)
	}
	_ = c.Transition(Established)
	_ = c.Transition(Closing)
	_ = c.Transition(Closed)

	for _, h := range hops {
		for _, b := range h.SessionKey {
			if b != 0 {
				t.Fatal("session key material must be zeroed when the circuit closes")
			}
		}
	}
}

func TestTableRejectsReplayedIds(t *testing.T) {
	table := NewTable()
	c := New("circuit-5", time.Minute)
	_ = c.SetHops(testHops(t))
	_ = c.Transition(Established)

	if err := table.Put(c); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if _, err := table.Get(c.ID); err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	table.Remove(c.ID)
	if _, err := table.Get(c.ID); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after Remove, got %v", err)
	}

	// Replaying the closed id is rejected.
	replay := New(c.ID, time.Minute)
	if err := table.Put(replay); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for replayed id, got %v", err)
	}
}

func TestTablePoisonRejectsInFlight(t *testing.T) {
	table := NewTable()
	c := New("circuit-6", time.Minute)
	_ = c.SetHops(testHops(t))
	_ = c.Transition(Established)
	_ = table.Put(c)

	table.Poison(c.ID)

	if _, err := table.Get(c.ID); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for poisoned circuit, got %v", err)
	}
	if c.State() != Closing {
		t.Fatalf("poisoned circuit should be Closing, got %s", c.State())
	}
}

func TestKeyTableIsolation(t *testing.T) {
	kt := NewKeyTable()
	key := testHops(t)[0].SessionKey

	if err := kt.Put("circuit-7", HopState{SessionKey: key, NextHop: "http://exit:9000", ExpiresAt: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	state, err := kt.Lookup("circuit-7")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if state.NextHop != "http://exit:9000" {
		t.Fatalf("unexpected next hop %q", state.NextHop)
	}

	kt.Purge("circuit-7")
	if _, err = kt.Lookup("circuit-7"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after Purge, got %v", err)
	}
	if err = kt.Put("circuit-7", state); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for purged id, got %v", err)
	}
}

func TestKeyTableExpiry(t *testing.T) {
	kt := NewKeyTable()
	_ = kt.Put("circuit-8", HopState{SessionKey: []byte{1}, ExpiresAt: time.Now().Add(-time.Second)})
	if _, err := kt.Lookup("circuit-8"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for expired entry, got %v", err)
	}
}

type fakeTransport struct {
	extendErr error
	closed    []string
}

func (f *fakeTransport) Extend(_ context.Context, _ string, req ExtendRequest) (ExtendReply, error) {
	if f.extendErr != nil {
		return ExtendReply{}, f.extendErr
	}
	_, routingPub, err := keys.GenerateEphemeralKeys()
	if err != nil {
		return ExtendReply{}, err
	}
	_, exitPub, err := keys.GenerateEphemeralKeys()
	if err != nil {
		return ExtendReply{}, err
	}
	return ExtendReply{RoutingPub: routingPub, ExitPub: exitPub}, nil
}

func (f *fakeTransport) Close(_ context.Context, _ string, circuitID string) error {
	f.closed = append(f.closed, circuitID)
	return nil
}

// staticExchange builds an entry-hop exchange backed by a static key pair,
// the way the entry node implements it.
func staticExchange(t *testing.T) EntryExchange {
	t.Helper()
	staticPriv, _, err := keys.GenerateEphemeralKeys()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeys() error: %v", err)
	}
	return func(clientPub []byte) ([]byte, error) {
		return keys.DeriveSessionKey(staticPriv, clientPub)
	}
}

func TestBuilderOpen(t *testing.T) {
	table := NewTable()
	b := NewBuilder("http://routing:8100", staticExchange(t), time.Minute, &fakeTransport{}, table)

	c, err := b.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if c.State() != Established {
		t.Fatalf("expected Established, got %s", c.State())
	}
	if _, err = table.Get(c.ID); err != nil {
		t.Fatalf("built circuit should be registered: %v", err)
	}
	if _, err = c.HopKeys(); err != nil {
		t.Fatalf("HopKeys() error: %v", err)
	}
}

// The entry hop's key must be the one its static private key derives from the
// circuit's ephemeral public value, not a value minted elsewhere.
func TestBuilderEntryHopKeyFromStaticExchange(t *testing.T) {
	staticPriv, _, err := keys.GenerateEphemeralKeys()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeys() error: %v", err)
	}
	var derived []byte
	exchange := func(clientPub []byte) ([]byte, error) {
		k, err2 := keys.DeriveSessionKey(staticPriv, clientPub)
		derived = k
		return k, err2
	}

	table := NewTable()
	b := NewBuilder("http://routing:8100", exchange, time.Minute, &fakeTransport{}, table)

	c, err := b.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	hopKeys, err := c.HopKeys()
	if err != nil {
		t.Fatalf("HopKeys() error: %v", err)
	}
	if derived == nil {
		t.Fatal("entry exchange was never consulted")
	}
	if !bytes.Equal(hopKeys[onion.HopEntry], derived) {
		t.Fatal("entry hop key must come from the static exchange")
	}
}

func TestBuilderOpenFailure(t *testing.T) {
	table := NewTable()
	b := NewBuilder("http://routing:8100", staticExchange(t), time.Minute, &fakeTransport{extendErr: errors.New("connection refused")}, table)

	if _, err := b.Open(context.Background()); !errors.Is(err, ErrBuild) {
		t.Fatalf("expected ErrBuild, got %v", err)
	}
	if table.Len() != 0 {
		t.Fatal("no circuit may be registered after a failed build")
	}
}

func TestBuilderTeardown(t *testing.T) {
	table := NewTable()
	transport := &fakeTransport{}
	b := NewBuilder("http://routing:8100", staticExchange(t), time.Minute, transport, table)

	c, err := b.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err = b.Teardown(context.Background(), c); err != nil {
		t.Fatalf("Teardown() error: %v", err)
	}
	if len(transport.closed) != 1 || transport.closed[0] != c.ID {
		t.Fatal("teardown must signal the routing hop")
	}
	if _, err = table.Get(c.ID); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after teardown, got %v", err)
	}
}

func testHops(t *testing.T) []HopDescriptor {
	t.Helper()
	hops := make([]HopDescriptor, onion.NumHops)
	for i := range hops {
		priv, _, err := keys.GenerateEphemeralKeys()
		if err != nil {
			t.Fatalf("GenerateEphemeralKeys() error: %v", err)
		}
		_, pub, err := keys.GenerateEphemeralKeys()
		if err != nil {
			t.Fatalf("GenerateEphemeralKeys() error: %v", err)
		}
		key, err := keys.DeriveSessionKey(priv, pub)
		if err != nil {
			t.Fatalf("DeriveSessionKey() error: %v", err)
		}
		hops[i] = HopDescriptor{Hop: i, SessionKey: key}
	}
	return hops
}
