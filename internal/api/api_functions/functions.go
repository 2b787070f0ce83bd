// Package api_functions carries the HTTP plumbing between hops: gzip msgpack
// envelope relaying on the data path and JSON for circuit control.
package api_functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	pl "github.com/HannahMarsh/PrettyLogger"
	"log/slog"

	"github.com/darknode-net/darknode/internal/circuit"
	"github.com/darknode-net/darknode/internal/crypto/keys"
	"github.com/darknode-net/darknode/internal/onion"
	"github.com/darknode-net/darknode/pkg/utils"
)

// SendEnvelope posts an envelope to the next hop's /relay endpoint and waits
// for the reply envelope carried on the same exchange. Circuit and
// authentication failures at the peer map back to their typed errors.
func SendEnvelope(ctx context.Context, to string, env onion.Envelope, timeout time.Duration) (onion.Envelope, error) {
	raw, err := env.Encode()
	if err != nil {
		return onion.Envelope{}, pl.WrapError(err, "%s: failed to encode envelope", pl.GetFuncName())
	}

	compressed, err := utils.Compress(raw)
	if err != nil {
		return onion.Envelope{}, pl.WrapError(err, "%s: failed to compress envelope", pl.GetFuncName())
	}

	url := fmt.Sprintf("%s/relay", to)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &compressed)
	if err != nil {
		return onion.Envelope{}, pl.WrapError(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/msgpack")
	req.Header.Set("Content-Encoding", "gzip")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return onion.Envelope{}, pl.WrapError(err, "%s: failed to send envelope to %s", pl.GetFuncName(), to)
	}
	defer func(body io.ReadCloser) {
		if err2 := body.Close(); err2 != nil {
			slog.Error("Error closing response body", "err", err2)
		}
	}(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		return onion.Envelope{}, circuit.ErrUnavailable
	case http.StatusUnauthorized:
		return onion.Envelope{}, keys.ErrAuthentication
	default:
		return onion.Envelope{}, pl.NewError("%s: unexpected status from %s: %d %s", pl.GetFuncName(), url, resp.StatusCode, resp.Status)
	}

	replyRaw, err := io.ReadAll(resp.Body)
	if err != nil {
		return onion.Envelope{}, pl.WrapError(err, "failed to read reply body")
	}
	return onion.Decode(replyRaw)
}

// SendDummy fires a padding envelope at the peer and discards the outcome.
// The peer rejects it as unknown-circuit traffic; on the wire it is
// indistinguishable from a real relay.
func SendDummy(to string, env onion.Envelope, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := SendEnvelope(ctx, to, env, timeout); err != nil {
		slog.Debug("dummy envelope discarded", "err", err)
	}
}

// HandleReceiveEnvelope decodes a relayed envelope, hands it to the node's
// receive function, and writes the reply envelope back on the same exchange.
// Typed failures map onto status codes the sender recognizes.
func HandleReceiveEnvelope(w http.ResponseWriter, r *http.Request, receive func(onion.Envelope) (onion.Envelope, error)) {
	var body []byte
	var err error

	if r.Header.Get("Content-Encoding") == "gzip" {
		body, err = utils.Decompress(r.Body)
		if err != nil {
			slog.Error("Error reading gzip content", "err", err)
			http.Error(w, "failed to read gzip content", http.StatusBadRequest)
			return
		}
	} else {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "unable to read body", http.StatusInternalServerError)
			return
		}
	}

	env, err := onion.Decode(body)
	if err != nil {
		slog.Error("Error decoding envelope", "err", err)
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	reply, err := receive(env)
	if err != nil {
		switch {
		case errors.Is(err, circuit.ErrUnavailable):
			http.Error(w, "circuit unavailable", http.StatusConflict)
		case errors.Is(err, keys.ErrAuthentication):
			http.Error(w, "authentication failed", http.StatusUnauthorized)
		default:
			slog.Error("Error processing envelope", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	replyRaw, err := reply.Encode()
	if err != nil {
		slog.Error("Error encoding reply envelope", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/msgpack")
	w.WriteHeader(http.StatusOK)
	if _, err = w.Write(replyRaw); err != nil {
		slog.Error("Error writing reply envelope", "err", err)
	}
}

// PostJSON posts a JSON request body and decodes the JSON response into out
// (when out is non-nil). Used for the low-rate circuit control endpoints.
func PostJSON(ctx context.Context, url string, in any, out any, timeout time.Duration) error {
	data, err := json.Marshal(in)
	if err != nil {
		return pl.WrapError(err, "%s: failed to marshal request", pl.GetFuncName())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return pl.WrapError(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return pl.WrapError(err, "%s: failed to send POST request to %s", pl.GetFuncName(), url)
	}
	defer func(body io.ReadCloser) {
		if err2 := body.Close(); err2 != nil {
			slog.Error("Error closing response body", "err", err2)
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return pl.NewError("%s: unexpected status from %s: %d %s", pl.GetFuncName(), url, resp.StatusCode, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pl.WrapError(err, "error decoding response body")
	}
	return nil
}
