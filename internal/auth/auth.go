// Package auth is the boundary to the external subscription/authorization
// service. The relay core only ever asks whether a client key is entitled
// right now, and treats every failure or timeout as Unauthorized.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"log/slog"
)

// ErrUnauthorized indicates the client is not entitled. It is never retried
// and is the only authorization outcome surfaced to the client.
var ErrUnauthorized = errors.New("client not authorized")

// Authorizer answers entitlement checks for client keys.
type Authorizer interface {
	Authorize(ctx context.Context, clientKey string) (bool, error)
}

// Static authorizes a fixed set of keys from configuration.
type Static struct {
	keys map[string]struct{}
}

func NewStatic(keys []string) *Static {
	s := &Static{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	return s
}

func (s *Static) Authorize(_ context.Context, clientKey string) (bool, error) {
	_, ok := s.keys[clientKey]
	return ok, nil
}

// HTTP consults a remote authorization service. Timeouts and transport
// failures are reported as errors; callers treat them as Unauthorized.
type HTTP struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewHTTP(url string, timeout time.Duration) *HTTP {
	return &HTTP{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

type authRequest struct {
	APIKey string `json:"api_key"`
}

type authResponse struct {
	Authorized bool `json:"authorized"`
}

func (h *HTTP) Authorize(ctx context.Context, clientKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	data, err := json.Marshal(authRequest{APIKey: clientKey})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewBuffer(data))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return false, err
	}
	defer func(body io.ReadCloser) {
		if err2 := body.Close(); err2 != nil {
			slog.Error("Error closing response body", "err", err2)
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var out authResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Authorized, nil
}
