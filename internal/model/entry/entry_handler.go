package entry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"log/slog"

	"github.com/darknode-net/darknode/internal/auth"
	"github.com/darknode-net/darknode/internal/circuit"
	"github.com/darknode-net/darknode/internal/crypto/keys"
)

const apiKeyHeader = "X-API-Key"

// HandleClientRequest handles one client RPC request over plain HTTP. The
// transport identity (remote address) is deliberately never logged or passed
// on; the client key is the only identifier that survives this handler.
func (e *Entry) HandleClientRequest(w http.ResponseWriter, r *http.Request) {
	clientKey := r.Header.Get(apiKeyHeader)
	if clientKey == "" {
		w.Header().Set("Connection", "close")
		http.Error(w, "missing api key", http.StatusUnauthorized)
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil || len(payload) == 0 {
		http.Error(w, "empty request body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), e.requestTimeout)
	defer cancel()

	response, err := e.HandleRequest(ctx, clientKey, payload)
	if err != nil {
		e.writeRequestError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(response); err != nil {
		slog.Error("Error writing response", "err", err)
	}
}

// writeRequestError maps internal failures onto the only outcomes a client is
// allowed to observe. Raw internal errors never cross this boundary.
func (e *Entry) writeRequestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		w.Header().Set("Connection", "close")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, circuit.ErrUnavailable), errors.Is(err, keys.ErrAuthentication):
		http.Error(w, "circuit unavailable", http.StatusServiceUnavailable)
	default:
		slog.Error("Error handling client request", "err", err)
		http.Error(w, "circuit unavailable", http.StatusServiceUnavailable)
	}
}

// HandleGetStatus reports liveness, the node's static public value and the
// number of circuits currently held.
func (e *Entry) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"public_key": base64.StdEncoding.EncodeToString(e.PublicKey),
		"circuits":   e.table.Len(),
	})
	if err != nil {
		slog.Error("Error writing response", "err", err)
	}
}
