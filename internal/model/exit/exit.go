// Package exit implements the exit node: the terminal hop that peels the
// innermost onion layer, forwards the plaintext request to an upstream RPC
// provider, and seals the provider's response back into the reply path. It is
// the only hop that sees request plaintext and it never sees the client.
package exit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	pl "github.com/HannahMarsh/PrettyLogger"
	"log/slog"

	"github.com/darknode-net/darknode/internal/api/structs"
	"github.com/darknode-net/darknode/internal/circuit"
	"github.com/darknode-net/darknode/internal/crypto/keys"
	"github.com/darknode-net/darknode/internal/metrics"
	"github.com/darknode-net/darknode/internal/onion"
)

// Exit represents an exit node.
type Exit struct {
	ID              int    // Unique identifier for the exit.
	Host            string // Host address the exit listens on.
	Port            int    // Port number on which the exit listens.
	Address         string // Full address of the exit in the form http://host:port.
	PrometheusPort  int    // Port number for Prometheus metrics.
	keys            *circuit.KeyTable
	pool            *Pool
	upstreamTimeout time.Duration
	retryBudget     int
	client          *http.Client
}

// Policy holds the exit's upstream forwarding parameters.
type Policy struct {
	UpstreamTimeout time.Duration
	RetryBudget     int
	Cooldown        time.Duration
}

// NewExit creates a new exit node instance.
func NewExit(ctx context.Context, id int, host string, port, promPort int, endpoints []*Endpoint, policy Policy, sweepInterval, tombstoneTTL time.Duration) *Exit {
	e := &Exit{
		ID:              id,
		Host:            host,
		Port:            port,
		Address:         fmt.Sprintf("http://%s:%d", host, port),
		PrometheusPort:  promPort,
		keys:            circuit.NewKeyTable(),
		pool:            NewPool(endpoints, policy.Cooldown),
		upstreamTimeout: policy.UpstreamTimeout,
		retryBudget:     policy.RetryBudget,
		client:          &http.Client{Timeout: policy.UpstreamTimeout},
	}
	e.keys.StartSweeper(ctx, sweepInterval, tombstoneTTL)
	return e
}

// CreateCircuit performs the exit hop's half of the key exchange and installs
// the circuit's key share. The request arrives via the routing node, so the
// exit learns nothing about the client's identity.
func (e *Exit) CreateCircuit(req structs.CircuitCreateApi) (structs.CircuitCreateReplyApi, error) {
	ephPriv, ephPub, err := keys.GenerateEphemeralKeys()
	if err != nil {
		return structs.CircuitCreateReplyApi{}, pl.WrapError(err, "failed to generate exit hop keys")
	}
	sessionKey, err := keys.DeriveSessionKey(ephPriv, req.ClientExitPub)
	if err != nil {
		return structs.CircuitCreateReplyApi{}, err
	}
	if err = e.keys.Put(req.CircuitID, circuit.HopState{
		SessionKey: sessionKey,
		ExpiresAt:  time.Now().Add(time.Duration(req.TTLSeconds) * time.Second),
	}); err != nil {
		return structs.CircuitCreateReplyApi{}, err
	}
	slog.Info("Circuit key share installed", "circuit", req.CircuitID)
	return structs.CircuitCreateReplyApi{ExitPub: ephPub}, nil
}

// CloseCircuit purges the exit's key share for a circuit.
func (e *Exit) CloseCircuit(circuitID string) {
	e.keys.Purge(circuitID)
	slog.Info("Circuit key share purged", "circuit", circuitID)
}

// Receive handles one relayed envelope: peel the terminal layer, forward the
// plaintext to an upstream, and seal the response (or a sealed error payload
// when the pool is exhausted) as the exit's reply layer. Upstream exhaustion
// is an application-level outcome; the circuit stays established.
func (e *Exit) Receive(env onion.Envelope) (onion.Envelope, error) {
	start := time.Now()
	defer func() {
		metrics.Observe(metrics.PROCESSING_TIME, time.Since(start).Seconds())
	}()

	state, err := e.keys.Lookup(env.CircuitID)
	if err != nil {
		metrics.Inc(metrics.REJECTED_COUNT, "unknown_circuit")
		return onion.Envelope{}, err
	}

	peeled, err := onion.PeelLayer(state.SessionKey, env, onion.HopExit)
	if err != nil {
		// Tampered or replayed envelope: this circuit is done.
		metrics.Inc(metrics.REJECTED_COUNT, "authentication")
		e.keys.Purge(env.CircuitID)
		return onion.Envelope{}, err
	}
	if !peeled.Terminal() {
		metrics.Inc(metrics.REJECTED_COUNT, "authentication")
		e.keys.Purge(env.CircuitID)
		return onion.Envelope{}, keys.ErrAuthentication
	}
	metrics.Inc(metrics.ENVELOPE_COUNT, "0")

	response, err := e.callUpstream(peeled.Data)
	if err != nil {
		slog.Warn("Upstream pool exhausted", "circuit", env.CircuitID, "err", err)
		response, err = json.Marshal(structs.ErrorPayload{
			Code:    structs.ErrCodeUpstreamUnavailable,
			Message: "no upstream available",
		})
		if err != nil {
			return onion.Envelope{}, pl.WrapError(err, "failed to encode error payload")
		}
	}

	return onion.WrapReply(state.SessionKey, response, env.CircuitID, onion.HopExit, env.Seq)
}

// callUpstream forwards the request body to ranked upstream endpoints until
// one answers or the retry budget runs out. The budget counts attempts, not
// endpoints: a pool smaller than the budget is cycled so a sole endpoint
// still gets every retry. Whatever bytes the provider returns are passed
// through verbatim.
func (e *Exit) callUpstream(body []byte) ([]byte, error) {
	attempts := e.retryBudget + 1
	order := e.pool.Rank(attempts)
	if len(order) == 0 {
		return nil, ErrPoolExhausted
	}

	for i := 0; i < attempts; i++ {
		if i > 0 {
			metrics.Inc(metrics.UPSTREAM_RETRIES)
		}
		ep := order[i%len(order)]
		response, err := e.post(ep.URL, body)
		if err != nil {
			slog.Debug("Upstream call failed", "upstream", ep.URL, "err", err)
			continue
		}
		return response, nil
	}
	return nil, ErrPoolExhausted
}

func (e *Exit) post(url string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, pl.WrapError(err, "failed to create upstream request")
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		e.recordOutcome(url, false, latency)
		return nil, pl.WrapError(err, "upstream request failed")
	}
	defer func(rbody io.ReadCloser) {
		if err2 := rbody.Close(); err2 != nil {
			slog.Error("Error closing response body", "err", err2)
		}
	}(resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		e.recordOutcome(url, false, latency)
		return nil, pl.NewError("upstream returned %d", resp.StatusCode)
	}

	response, err := io.ReadAll(resp.Body)
	if err != nil {
		e.recordOutcome(url, false, latency)
		return nil, pl.WrapError(err, "failed to read upstream response")
	}

	e.recordOutcome(url, true, latency)
	metrics.Observe(metrics.UPSTREAM_LATENCY, latency.Seconds())
	return response, nil
}

func (e *Exit) recordOutcome(url string, success bool, latency time.Duration) {
	for _, ep := range e.pool.endpoints {
		if ep.URL == url {
			e.pool.Record(ep, success, latency)
			return
		}
	}
}
