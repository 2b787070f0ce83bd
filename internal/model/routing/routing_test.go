package routing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darknode-net/darknode/internal/api/api_functions"
	"github.com/darknode-net/darknode/internal/api/structs"
	"github.com/darknode-net/darknode/internal/circuit"
	"github.com/darknode-net/darknode/internal/crypto/keys"
	"github.com/darknode-net/darknode/internal/mix"
	"github.com/darknode-net/darknode/internal/onion"
)

// fakeExit stands in for an exit node: it completes the circuit key exchange
// and answers relayed envelopes with a fixed sealed reply.
type fakeExit struct {
	mu       sync.Mutex
	sessions map[string][]byte
	closed   []string
	response []byte
}

func newFakeExit(t *testing.T) (*fakeExit, *httptest.Server) {
	t.Helper()
	fe := &fakeExit{sessions: make(map[string][]byte), response: []byte(`ok`)}

	mux := http.NewServeMux()
	mux.HandleFunc("/circuit", func(w http.ResponseWriter, r *http.Request) {
		var req structs.CircuitCreateApi
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		priv, pub, err := keys.GenerateEphemeralKeys()
		require.NoError(t, err)
		session, err := keys.DeriveSessionKey(priv, req.ClientExitPub)
		require.NoError(t, err)

		fe.mu.Lock()
		fe.sessions[req.CircuitID] = session
		fe.mu.Unlock()

		require.NoError(t, json.NewEncoder(w).Encode(structs.CircuitCreateReplyApi{ExitPub: pub}))
	})
	mux.HandleFunc("/circuit/close", func(w http.ResponseWriter, r *http.Request) {
		var req structs.CircuitCloseApi
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fe.mu.Lock()
		fe.closed = append(fe.closed, req.CircuitID)
		delete(fe.sessions, req.CircuitID)
		fe.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/relay", func(w http.ResponseWriter, r *http.Request) {
		api_functions.HandleReceiveEnvelope(w, r, func(env onion.Envelope) (onion.Envelope, error) {
			fe.mu.Lock()
			session, ok := fe.sessions[env.CircuitID]
			fe.mu.Unlock()
			if !ok {
				return onion.Envelope{}, circuit.ErrUnavailable
			}
			if _, err := onion.PeelLayer(session, env, onion.HopExit); err != nil {
				return onion.Envelope{}, err
			}
			return onion.WrapReply(session, fe.response, env.CircuitID, onion.HopExit, env.Seq)
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fe, srv
}

func (fe *fakeExit) closedCircuits() []string {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return append([]string(nil), fe.closed...)
}

func newTestRouting(t *testing.T, exitAddr string) *Routing {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r, err := NewRouting(ctx, "localhost", 0, 0, []string{exitAddr}, mix.Config{
		Epoch:    50 * time.Millisecond,
		MinBatch: 1,
	}, time.Second, time.Second, time.Minute, time.Minute)
	require.NoError(t, err)
	return r
}

// buildCircuit runs the entry side of ExtendCircuit and returns the client's
// routing and exit session keys.
func buildCircuit(t *testing.T, r *Routing, circuitID string) (routingKey, exitKey []byte) {
	t.Helper()
	routingPriv, routingPub, err := keys.GenerateEphemeralKeys()
	require.NoError(t, err)
	exitPriv, exitPub, err := keys.GenerateEphemeralKeys()
	require.NoError(t, err)

	reply, err := r.ExtendCircuit(structs.CircuitExtendApi{
		CircuitID:        circuitID,
		ClientRoutingPub: routingPub,
		ClientExitPub:    exitPub,
		TTLSeconds:       60,
	})
	require.NoError(t, err)

	routingKey, err = keys.DeriveSessionKey(routingPriv, reply.RoutingPub)
	require.NoError(t, err)
	exitKey, err = keys.DeriveSessionKey(exitPriv, reply.ExitPub)
	require.NoError(t, err)
	return routingKey, exitKey
}

// wrapForRouting seals a payload with the exit and routing layers, the shape
// an envelope has after the entry peeled its own layer.
func wrapForRouting(t *testing.T, routingKey, exitKey []byte, circuitID string, seq uint64, payload []byte) onion.Envelope {
	t.Helper()
	filler := make([]byte, keys.SessionKeySize)
	env, err := onion.Wrap(payload, [][]byte{filler, routingKey, exitKey}, circuitID, seq)
	require.NoError(t, err)
	env, err = onion.PeelLayer(filler, env, onion.HopEntry)
	require.NoError(t, err)
	return env
}

func TestExtendCircuitKeyExchange(t *testing.T) {
	fe, srv := newFakeExit(t)
	r := newTestRouting(t, srv.URL)

	routingKey, exitKey := buildCircuit(t, r, "circuit-1")
	assert.Len(t, routingKey, keys.SessionKeySize)
	assert.Len(t, exitKey, keys.SessionKeySize)

	fe.mu.Lock()
	exitSession := fe.sessions["circuit-1"]
	fe.mu.Unlock()
	assert.Equal(t, exitKey, exitSession, "client and exit must agree on the exit hop key")
}

func TestReceiveRelaysAndWrapsReply(t *testing.T) {
	_, srv := newFakeExit(t)
	r := newTestRouting(t, srv.URL)
	routingKey, exitKey := buildCircuit(t, r, "circuit-2")

	env := wrapForRouting(t, routingKey, exitKey, "circuit-2", 3, []byte(`{"method":"eth_chainId"}`))
	reply, err := r.Receive(env)
	require.NoError(t, err)

	// Entry unwraps the routing layer first, then the exit layer inside it.
	inner, err := onion.PeelReply(routingKey, reply, onion.HopRouting)
	require.NoError(t, err)
	exitEnv, err := onion.Decode(inner)
	require.NoError(t, err)
	plaintext, err := onion.PeelReply(exitKey, exitEnv, onion.HopExit)
	require.NoError(t, err)
	assert.Equal(t, []byte(`ok`), plaintext)
}

func TestReceiveUnknownCircuitRejected(t *testing.T) {
	_, srv := newFakeExit(t)
	r := newTestRouting(t, srv.URL)

	_, err := r.Receive(onion.NewDummy(128))
	assert.ErrorIs(t, err, circuit.ErrUnavailable)
}

// An envelope failing layer authentication tears the circuit down at this hop
// and notifies the pinned exit; it is never forwarded.
func TestReceiveTamperTearsDownAndNotifiesExit(t *testing.T) {
	fe, srv := newFakeExit(t)
	r := newTestRouting(t, srv.URL)
	routingKey, exitKey := buildCircuit(t, r, "circuit-3")

	env := wrapForRouting(t, routingKey, exitKey, "circuit-3", 1, []byte(`{}`))
	env.Data[0] ^= 0xff

	_, err := r.Receive(env)
	assert.ErrorIs(t, err, keys.ErrAuthentication)
	assert.Contains(t, fe.closedCircuits(), "circuit-3")

	_, err = r.Receive(wrapForRouting(t, routingKey, exitKey, "circuit-3", 2, []byte(`{}`)))
	assert.ErrorIs(t, err, circuit.ErrUnavailable)
}

// A teardown that lands while an envelope waits in the mix wins: the envelope
// is rejected at release instead of being forwarded.
func TestTeardownBeatsEnvelopeInMix(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	_, srv := newFakeExit(t)

	r, err := NewRouting(ctx, "localhost", 0, 0, []string{srv.URL}, mix.Config{
		Epoch:    300 * time.Millisecond,
		MinBatch: 1,
	}, time.Second, time.Second, time.Minute, time.Minute)
	require.NoError(t, err)

	routingKey, exitKey := buildCircuit(t, r, "circuit-4")
	env := wrapForRouting(t, routingKey, exitKey, "circuit-4", 1, []byte(`{}`))

	errCh := make(chan error, 1)
	go func() {
		_, err2 := r.Receive(env)
		errCh <- err2
	}()

	time.Sleep(50 * time.Millisecond)
	r.CloseCircuit("circuit-4")

	select {
	case err = <-errCh:
		assert.ErrorIs(t, err, circuit.ErrUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not return")
	}
}

func TestNewRoutingRequiresExits(t *testing.T) {
	_, err := NewRouting(context.Background(), "localhost", 0, 0, nil, mix.Config{}, time.Second, time.Second, time.Minute, time.Minute)
	assert.Error(t, err)
}
