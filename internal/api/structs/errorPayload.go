package structs

// Error codes carried inside encrypted reply payloads. Raw internal errors
// never cross the entry boundary; the exit wraps upstream exhaustion in a
// sealed payload like any other response.
const (
	ErrCodeUpstreamUnavailable = "upstream_unavailable"
)

// ErrorPayload is the plaintext body of an encrypted error reply.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
