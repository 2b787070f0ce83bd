package api_functions

import (
	"context"
	"time"

	"github.com/darknode-net/darknode/internal/api/structs"
	"github.com/darknode-net/darknode/internal/circuit"
)

// CircuitTransport implements circuit.Transport over the routing node's
// circuit control endpoints.
type CircuitTransport struct {
	Timeout time.Duration
}

func NewCircuitTransport(timeout time.Duration) *CircuitTransport {
	return &CircuitTransport{Timeout: timeout}
}

func (t *CircuitTransport) Extend(ctx context.Context, routingAddr string, req circuit.ExtendRequest) (circuit.ExtendReply, error) {
	var reply structs.CircuitExtendReplyApi
	err := PostJSON(ctx, routingAddr+"/circuit", structs.CircuitExtendApi{
		CircuitID:        req.CircuitID,
		ClientRoutingPub: req.ClientRoutingPub,
		ClientExitPub:    req.ClientExitPub,
		TTLSeconds:       int(req.TTL.Seconds()),
	}, &reply, t.Timeout)
	if err != nil {
		return circuit.ExtendReply{}, err
	}
	return circuit.ExtendReply{RoutingPub: reply.RoutingPub, ExitPub: reply.ExitPub}, nil
}

func (t *CircuitTransport) Close(ctx context.Context, routingAddr string, circuitID string) error {
	return PostJSON(ctx, routingAddr+"/circuit/close", structs.CircuitCloseApi{CircuitID: circuitID}, nil, t.Timeout)
}
