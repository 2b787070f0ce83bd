package routing

import (
	"encoding/json"
	"net/http"

	"log/slog"

	"github.com/darknode-net/darknode/internal/api/api_functions"
	"github.com/darknode-net/darknode/internal/api/structs"
)

// HandleReceiveEnvelope handles incoming relayed envelopes.
func (r *Routing) HandleReceiveEnvelope(w http.ResponseWriter, req *http.Request) {
	api_functions.HandleReceiveEnvelope(w, req, r.Receive)
}

// HandleExtendCircuit handles circuit extension requests from the entry node.
func (r *Routing) HandleExtendCircuit(w http.ResponseWriter, req *http.Request) {
	var extend structs.CircuitExtendApi
	if err := json.NewDecoder(req.Body).Decode(&extend); err != nil {
		slog.Error("Error decoding circuit extend request", "err", err)
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	reply, err := r.ExtendCircuit(extend)
	if err != nil {
		slog.Error("Error extending circuit", "err", err)
		http.Error(w, "circuit extension failed", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(reply); err != nil {
		slog.Error("Error encoding circuit extend reply", "err", err)
	}
}

// HandleCloseCircuit handles circuit close requests from the entry node.
func (r *Routing) HandleCloseCircuit(w http.ResponseWriter, req *http.Request) {
	var closeReq structs.CircuitCloseApi
	if err := json.NewDecoder(req.Body).Decode(&closeReq); err != nil {
		slog.Error("Error decoding circuit close request", "err", err)
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	r.CloseCircuit(closeReq.CircuitID)
	w.WriteHeader(http.StatusOK)
}
