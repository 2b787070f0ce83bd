package entry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"log/slog"

	"github.com/darknode-net/darknode/internal/auth"
)

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are authorized by api key, not origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleClientWS serves a client websocket session: each received message is
// one RPC request relayed through the circuit, answered in order on the same
// connection. An unauthorized client is disconnected immediately.
func (e *Entry) HandleClientWS(w http.ResponseWriter, r *http.Request) {
	clientKey := r.Header.Get(apiKeyHeader)
	if clientKey == "" {
		clientKey = r.URL.Query().Get("api_key")
	}
	if clientKey == "" {
		w.Header().Set("Connection", "close")
		http.Error(w, "missing api key", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Error upgrading websocket", "err", err)
		return
	}
	defer func() {
		if err2 := conn.Close(); err2 != nil {
			slog.Debug("Error closing websocket", "err", err2)
		}
	}()

	for {
		msgType, payload, err2 := conn.ReadMessage()
		if err2 != nil {
			if websocket.IsUnexpectedCloseError(err2, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Websocket read failed", "err", err2)
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(e.ctx, e.requestTimeout)
		response, err2 := e.HandleRequest(ctx, clientKey, payload)
		cancel()
		if err2 != nil {
			if errors.Is(err2, auth.ErrUnauthorized) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
					closeDeadline())
				return
			}
			// Circuit failures close the session; the client reconnects to
			// get a fresh circuit.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "circuit unavailable"),
				closeDeadline())
			return
		}

		if err2 = conn.WriteMessage(msgType, response); err2 != nil {
			slog.Debug("Websocket write failed", "err", err2)
			return
		}
	}
}
