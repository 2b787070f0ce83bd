// Package routing implements the middle hop. It is the only node that knows
// both its upstream (entry) and downstream (exit) peers, and it knows nothing
// else: envelopes cross it as ciphertext, clients are invisible, and its mix
// scheduler decorrelates arrival order from forwarding order.
package routing

import (
	"context"
	"fmt"
	"time"

	pl "github.com/HannahMarsh/PrettyLogger"
	"log/slog"

	"github.com/darknode-net/darknode/internal/api/api_functions"
	"github.com/darknode-net/darknode/internal/api/structs"
	"github.com/darknode-net/darknode/internal/circuit"
	"github.com/darknode-net/darknode/internal/crypto/keys"
	"github.com/darknode-net/darknode/internal/metrics"
	"github.com/darknode-net/darknode/internal/mix"
	"github.com/darknode-net/darknode/internal/onion"
	"github.com/darknode-net/darknode/pkg/utils"
)

// Routing represents the routing node.
type Routing struct {
	Host           string // Host address the routing node listens on.
	Port           int    // Port number on which the routing node listens.
	Address        string // Full address in the form http://host:port.
	PrometheusPort int    // Port number for Prometheus metrics.
	exits          []string
	keys           *circuit.KeyTable
	mixer          *mix.Scheduler
	relayTimeout   time.Duration
	controlTimeout time.Duration
	ctx            context.Context
}

// NewRouting creates a new routing node instance and starts its mix scheduler.
// exits lists the addresses of the exit nodes this routing node may pin
// circuits to.
func NewRouting(ctx context.Context, host string, port, promPort int, exits []string, mixCfg mix.Config, relayTimeout, controlTimeout, sweepInterval, tombstoneTTL time.Duration) (*Routing, error) {
	if len(exits) == 0 {
		return nil, pl.NewError("routing.NewRouting(): no exit nodes configured")
	}

	r := &Routing{
		Host:           host,
		Port:           port,
		Address:        fmt.Sprintf("http://%s:%d", host, port),
		PrometheusPort: promPort,
		exits:          exits,
		keys:           circuit.NewKeyTable(),
		relayTimeout:   relayTimeout,
		controlTimeout: controlTimeout,
		ctx:            ctx,
	}

	if mixCfg.SendDummy == nil {
		mixCfg.SendDummy = func(env onion.Envelope) {
			api_functions.SendDummy(utils.Pick(r.exits), env, relayTimeout)
		}
	}
	r.mixer = mix.NewScheduler(mixCfg)
	r.mixer.Start(ctx)
	r.keys.StartSweeper(ctx, sweepInterval, tombstoneTTL)

	return r, nil
}

// ExtendCircuit performs the routing hop's key exchange and relays the exit
// hop's exchange to an exit node it picks at random. The chosen exit is pinned
// for the circuit's lifetime and its identity is never disclosed upstream;
// only the exit's ephemeral public value travels back.
func (r *Routing) ExtendCircuit(req structs.CircuitExtendApi) (structs.CircuitExtendReplyApi, error) {
	ephPriv, ephPub, err := keys.GenerateEphemeralKeys()
	if err != nil {
		return structs.CircuitExtendReplyApi{}, pl.WrapError(err, "failed to generate routing hop keys")
	}
	sessionKey, err := keys.DeriveSessionKey(ephPriv, req.ClientRoutingPub)
	if err != nil {
		return structs.CircuitExtendReplyApi{}, err
	}

	exitAddr := utils.Pick(r.exits)

	ctx, cancel := context.WithTimeout(r.ctx, r.controlTimeout)
	defer cancel()

	var exitReply structs.CircuitCreateReplyApi
	if err = api_functions.PostJSON(ctx, exitAddr+"/circuit", structs.CircuitCreateApi{
		CircuitID:     req.CircuitID,
		ClientExitPub: req.ClientExitPub,
		TTLSeconds:    req.TTLSeconds,
	}, &exitReply, r.controlTimeout); err != nil {
		return structs.CircuitExtendReplyApi{}, pl.WrapError(err, "failed to extend circuit to exit")
	}

	if err = r.keys.Put(req.CircuitID, circuit.HopState{
		SessionKey: sessionKey,
		NextHop:    exitAddr,
		ExpiresAt:  time.Now().Add(time.Duration(req.TTLSeconds) * time.Second),
	}); err != nil {
		return structs.CircuitExtendReplyApi{}, err
	}

	slog.Info("Circuit extended", "circuit", req.CircuitID)
	return structs.CircuitExtendReplyApi{
		RoutingPub: ephPub,
		ExitPub:    exitReply.ExitPub,
	}, nil
}

// CloseCircuit purges the routing node's key share and forwards the close to
// the pinned exit.
func (r *Routing) CloseCircuit(circuitID string) {
	state, err := r.keys.Lookup(circuitID)
	r.keys.Purge(circuitID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.controlTimeout)
	defer cancel()
	if err = api_functions.PostJSON(ctx, state.NextHop+"/circuit/close", structs.CircuitCloseApi{
		CircuitID: circuitID,
	}, nil, r.controlTimeout); err != nil {
		slog.Warn("Failed to forward circuit close to exit", "circuit", circuitID, "err", err)
	}
	slog.Info("Circuit closed", "circuit", circuitID)
}

// Receive handles one relayed envelope: peel this hop's layer, hold the
// envelope in the mix until the epoch tick, forward to the pinned exit, and
// add this hop's reply layer around the exit's reply. The circuit table is
// re-checked at release so a teardown racing an in-flight envelope wins.
func (r *Routing) Receive(env onion.Envelope) (onion.Envelope, error) {
	start := time.Now()
	defer func() {
		metrics.Observe(metrics.PROCESSING_TIME, time.Since(start).Seconds())
	}()

	state, err := r.keys.Lookup(env.CircuitID)
	if err != nil {
		metrics.Inc(metrics.REJECTED_COUNT, "unknown_circuit")
		return onion.Envelope{}, err
	}

	peeled, err := onion.PeelLayer(state.SessionKey, env, onion.HopRouting)
	if err != nil {
		// A layer that fails authentication is never retried or forwarded:
		// the circuit is torn down on the spot.
		metrics.Inc(metrics.REJECTED_COUNT, "authentication")
		r.teardown(env.CircuitID, state)
		return onion.Envelope{}, err
	}
	metrics.Inc(metrics.ENVELOPE_COUNT, fmt.Sprintf("%d", peeled.Layers))

	if _, err = r.mixer.Submit(r.ctx); err != nil {
		return onion.Envelope{}, pl.WrapError(err, "mix release failed")
	}

	// Teardown may have landed while the envelope sat in the mix.
	if _, err = r.keys.Lookup(env.CircuitID); err != nil {
		metrics.Inc(metrics.REJECTED_COUNT, "poisoned")
		return onion.Envelope{}, err
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.relayTimeout)
	defer cancel()
	exitReply, err := api_functions.SendEnvelope(ctx, state.NextHop, peeled, r.relayTimeout)
	if err != nil {
		return onion.Envelope{}, err
	}

	encoded, err := exitReply.Encode()
	if err != nil {
		return onion.Envelope{}, pl.WrapError(err, "failed to encode exit reply")
	}
	return onion.WrapReply(state.SessionKey, encoded, env.CircuitID, onion.HopRouting, env.Seq)
}

func (r *Routing) teardown(circuitID string, state circuit.HopState) {
	r.keys.Purge(circuitID)

	ctx, cancel := context.WithTimeout(r.ctx, r.controlTimeout)
	defer cancel()
	if err := api_functions.PostJSON(ctx, state.NextHop+"/circuit/close", structs.CircuitCloseApi{
		CircuitID: circuitID,
	}, nil, r.controlTimeout); err != nil {
		slog.Warn("Failed to notify exit of teardown", "circuit", circuitID, "err", err)
	}
}
