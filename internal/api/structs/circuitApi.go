package structs

// CircuitExtendApi is sent by the entry node to the routing node to establish
// the downstream hops of a new circuit. It carries only the client side's
// ephemeral public values; the routing node picks the exit itself and the
// entry never learns which one.
type CircuitExtendApi struct {
	CircuitID        string `json:"c"`
	ClientRoutingPub []byte `json:"rp"`
	ClientExitPub    []byte `json:"xp"`
	TTLSeconds       int    `json:"ttl"`
}

// CircuitExtendReplyApi returns the ephemeral public values generated by the
// routing hop and the (anonymous) exit hop.
type CircuitExtendReplyApi struct {
	RoutingPub []byte `json:"rp"`
	ExitPub    []byte `json:"xp"`
}

// CircuitCreateApi is relayed by the routing node to the exit it selected.
type CircuitCreateApi struct {
	CircuitID     string `json:"c"`
	ClientExitPub []byte `json:"xp"`
	TTLSeconds    int    `json:"ttl"`
}

// CircuitCreateReplyApi returns the exit hop's ephemeral public value.
type CircuitCreateReplyApi struct {
	ExitPub []byte `json:"xp"`
}

// CircuitCloseApi signals a hop to purge its share of a circuit.
type CircuitCloseApi struct {
	CircuitID string `json:"c"`
}
