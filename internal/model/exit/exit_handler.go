package exit

import (
	"encoding/json"
	"net/http"

	"log/slog"

	"github.com/darknode-net/darknode/internal/api/api_functions"
	"github.com/darknode-net/darknode/internal/api/structs"
)

// HandleReceiveEnvelope handles incoming relayed envelopes.
func (e *Exit) HandleReceiveEnvelope(w http.ResponseWriter, r *http.Request) {
	api_functions.HandleReceiveEnvelope(w, r, e.Receive)
}

// HandleCreateCircuit handles the circuit key exchange relayed by the routing node.
func (e *Exit) HandleCreateCircuit(w http.ResponseWriter, r *http.Request) {
	var req structs.CircuitCreateApi
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Error decoding circuit create request", "err", err)
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	reply, err := e.CreateCircuit(req)
	if err != nil {
		slog.Error("Error creating circuit key share", "err", err)
		http.Error(w, "circuit creation failed", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(reply); err != nil {
		slog.Error("Error encoding circuit create reply", "err", err)
	}
}

// HandleCloseCircuit handles circuit close notifications from the routing node.
func (e *Exit) HandleCloseCircuit(w http.ResponseWriter, r *http.Request) {
	var req structs.CircuitCloseApi
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Error decoding circuit close request", "err", err)
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	e.CloseCircuit(req.CircuitID)
	w.WriteHeader(http.StatusOK)
}

// HandleGetHealth reports per-upstream health counters.
func (e *Exit) HandleGetHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(e.pool.Snapshot()); err != nil {
		slog.Error("Error encoding health snapshot", "err", err)
	}
}
