// Package entry implements the entry node: the client-facing hop that holds
// each client's circuit on its behalf, wraps requests into onions, and strips
// the client's network identity before anything travels downstream. It never
// sees request plaintext relationships beyond its own hop and never forwards
// who asked.
package entry

import (
	"context"
	"errors"
	"fmt"
	"time"

	pl "github.com/HannahMarsh/PrettyLogger"
	"log/slog"

	"github.com/darknode-net/darknode/internal/api/api_functions"
	"github.com/darknode-net/darknode/internal/auth"
	"github.com/darknode-net/darknode/internal/circuit"
	"github.com/darknode-net/darknode/internal/crypto/keys"
	"github.com/darknode-net/darknode/internal/metrics"
	"github.com/darknode-net/darknode/internal/mix"
	"github.com/darknode-net/darknode/internal/onion"
	"github.com/darknode-net/darknode/pkg/cm"
)

// Entry represents the entry node.
type Entry struct {
	Host           string // Host address the entry node listens on.
	Port           int    // Port number on which the entry node listens.
	Address        string // Full address in the form http://host:port.
	PrometheusPort int    // Port number for Prometheus metrics.
	PublicKey      []byte // Static public value clients' circuits exchange against.
	privateKey     []byte
	routingAddr    string
	authorizer     auth.Authorizer
	table          *circuit.Table
	builder        *circuit.Builder
	mixer          *mix.Scheduler
	clients        cm.ConcurrentMap[string, string] // client key -> circuit id
	requestTimeout time.Duration
	relayTimeout   time.Duration
	authTimeout    time.Duration
	ctx            context.Context
}

// Timeouts holds the entry node's per-stage deadlines.
type Timeouts struct {
	Request time.Duration
	Relay   time.Duration
	Auth    time.Duration
}

// NewEntry creates a new entry node instance, generating its static key pair
// and starting its mix scheduler and circuit sweeper.
func NewEntry(ctx context.Context, host string, port, promPort int, routingAddr string, authorizer auth.Authorizer, circuitTTL time.Duration, mixCfg mix.Config, timeouts Timeouts, sweepInterval, tombstoneTTL time.Duration) (*Entry, error) {
	privateKey, publicKey, err := keys.GenerateEphemeralKeys()
	if err != nil {
		return nil, pl.WrapError(err, "entry.NewEntry(): failed to generate key pair")
	}

	table := circuit.NewTable()
	e := &Entry{
		Host:           host,
		Port:           port,
		Address:        fmt.Sprintf("http://%s:%d", host, port),
		PrometheusPort: promPort,
		PublicKey:      publicKey,
		privateKey:     privateKey,
		routingAddr:    routingAddr,
		authorizer:     authorizer,
		table:          table,
		requestTimeout: timeouts.Request,
		relayTimeout:   timeouts.Relay,
		authTimeout:    timeouts.Auth,
		ctx:            ctx,
	}
	e.builder = circuit.NewBuilder(routingAddr, e.entryExchange, circuitTTL, api_functions.NewCircuitTransport(timeouts.Relay), table)

	if mixCfg.SendDummy == nil {
		mixCfg.SendDummy = func(env onion.Envelope) {
			api_functions.SendDummy(routingAddr, env, timeouts.Relay)
		}
	}
	e.mixer = mix.NewScheduler(mixCfg)
	e.mixer.Start(ctx)
	table.StartSweeper(ctx, sweepInterval, tombstoneTTL)

	return e, nil
}

// entryExchange is the hop side of the entry key exchange: the session key
// comes from the node's static private key and the circuit's fresh ephemeral
// public value.
func (e *Entry) entryExchange(clientPub []byte) ([]byte, error) {
	return keys.DeriveSessionKey(e.privateKey, clientPub)
}

// HandleRequest processes one client request end to end: authorize, resolve
// the client's circuit, send the request through the relay path, and return
// the response plaintext. The client key is the only client attribute that
// exists past this point; transport identity never leaves the handler layer.
func (e *Entry) HandleRequest(ctx context.Context, clientKey string, payload []byte) ([]byte, error) {
	authCtx, cancel := context.WithTimeout(ctx, e.authTimeout)
	ok, err := e.authorizer.Authorize(authCtx, clientKey)
	cancel()
	if err != nil {
		// An unreachable or slow authorization service denies by default.
		slog.Warn("Authorization check failed", "err", err)
		return nil, auth.ErrUnauthorized
	}
	if !ok {
		return nil, auth.ErrUnauthorized
	}

	c, err := e.circuitFor(ctx, clientKey)
	if err != nil {
		return nil, err
	}

	response, err := e.sendThrough(ctx, c, payload)
	if err == nil {
		return response, nil
	}

	// One transparent rebuild when the circuit went away under us; any
	// further failure surfaces as unavailable.
	if errors.Is(err, circuit.ErrUnavailable) || errors.Is(err, keys.ErrAuthentication) {
		e.dropCircuit(clientKey, c)
		if c, err = e.circuitFor(ctx, clientKey); err != nil {
			return nil, err
		}
		return e.sendThrough(ctx, c, payload)
	}
	return nil, err
}

// circuitFor returns the client's live circuit, opening one if needed.
func (e *Entry) circuitFor(ctx context.Context, clientKey string) (*circuit.Circuit, error) {
	if id, ok := e.clients.Get(clientKey); ok {
		if c, err := e.table.Get(id); err == nil {
			return c, nil
		}
		e.clients.Delete(clientKey)
	}

	c, err := e.builder.Open(ctx)
	if err != nil {
		// Build failures get one retry before surfacing.
		slog.Warn("Circuit build failed, retrying once", "err", err)
		if c, err = e.builder.Open(ctx); err != nil {
			return nil, errors.Join(circuit.ErrUnavailable, err)
		}
	}
	e.clients.Set(clientKey, c.ID)
	metrics.Set(metrics.ACTIVE_CIRCUITS, float64(e.table.Len()))
	slog.Info("Circuit established", "circuit", c.ID)
	return c, nil
}

// sendThrough wraps the payload for the full path, peels the entry node's own
// layer, holds the envelope in the mix until the epoch tick, forwards it to
// the routing node and unwraps the layered reply.
func (e *Entry) sendThrough(ctx context.Context, c *circuit.Circuit, payload []byte) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.Observe(metrics.PROCESSING_TIME, time.Since(start).Seconds())
	}()

	hopKeys, err := c.HopKeys()
	if err != nil {
		return nil, err
	}

	seq := c.NextSeq()
	env, err := onion.Wrap(payload, hopKeys, c.ID, seq)
	if err != nil {
		return nil, pl.WrapError(err, "failed to wrap request")
	}
	// The entry hop's layer comes straight back off: it exists so the
	// request round-trips the same layered construction as every hop.
	env, err = onion.PeelLayer(hopKeys[onion.HopEntry], env, onion.HopEntry)
	if err != nil {
		return nil, err
	}
	metrics.Inc(metrics.ENVELOPE_COUNT, fmt.Sprintf("%d", env.Layers))

	if _, err = e.mixer.Submit(ctx); err != nil {
		return nil, pl.WrapError(err, "mix release failed")
	}

	relayCtx, cancel := context.WithTimeout(ctx, e.relayTimeout)
	defer cancel()
	reply, err := api_functions.SendEnvelope(relayCtx, e.routingAddr, env, e.relayTimeout)
	if err != nil {
		return nil, err
	}

	// Reverse path: the routing layer wraps the exit's sealed reply.
	inner, err := onion.PeelReply(hopKeys[onion.HopRouting], reply, onion.HopRouting)
	if err != nil {
		return nil, err
	}
	exitEnv, err := onion.Decode(inner)
	if err != nil {
		return nil, pl.WrapError(err, "failed to decode exit reply")
	}
	return onion.PeelReply(hopKeys[onion.HopExit], exitEnv, onion.HopExit)
}

// dropCircuit tears down a client's circuit across all hops.
func (e *Entry) dropCircuit(clientKey string, c *circuit.Circuit) {
	e.clients.Delete(clientKey)
	ctx, cancel := context.WithTimeout(e.ctx, e.relayTimeout)
	defer cancel()
	if err := e.builder.Teardown(ctx, c); err != nil {
		slog.Warn("Circuit teardown incomplete", "circuit", c.ID, "err", err)
	}
	metrics.Set(metrics.ACTIVE_CIRCUITS, float64(e.table.Len()))
}

// CloseClient tears down the circuit held for a client key, if any.
func (e *Entry) CloseClient(clientKey string) {
	if id, ok := e.clients.Get(clientKey); ok {
		if c, err := e.table.Get(id); err == nil {
			e.dropCircuit(clientKey, c)
			return
		}
		e.clients.Delete(clientKey)
	}
}
