// Package onion implements the wire unit of the relay network: a payload
// wrapped in nested authenticated-encryption layers, one per hop, peeled one
// layer at a time. Each layer's tag is bound to the circuit id, the hop index,
// the direction and the sequence number, so a layer cannot be replayed at a
// different hop or reflected back in the other direction.
package onion

import (
	"crypto/rand"
	"encoding/binary"

	pl "github.com/HannahMarsh/PrettyLogger"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/darknode-net/darknode/internal/crypto/keys"
	"github.com/darknode-net/darknode/pkg/utils"
)

// Hop indices in path order. The entry layer is the outermost.
const (
	HopEntry = iota
	HopRouting
	HopExit
	NumHops
)

const (
	directionForward = 0x00
	directionReply   = 0x01
)

// Envelope is the wire unit exchanged between hops. Data is opaque ciphertext;
// Layers counts the encryption layers remaining on it.
type Envelope struct {
	CircuitID string `msgpack:"c"`
	Seq       uint64 `msgpack:"s"`
	Layers    int    `msgpack:"l"`
	Data      []byte `msgpack:"d"`
}

// Terminal reports whether all layers have been peeled and Data is plaintext.
func (e Envelope) Terminal() bool {
	return e.Layers == 0
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, pl.WrapError(err, "failed to encode envelope")
	}
	return data, nil
}

// Decode deserializes an envelope received from the wire.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return Envelope{}, pl.WrapError(err, "failed to decode envelope")
	}
	return e, nil
}

// Wrap builds a forward onion around payload: the innermost layer is sealed
// with the exit hop's key, the outermost with the entry hop's key. hopKeys
// must hold exactly one session key per hop in path order.
func Wrap(payload []byte, hopKeys [][]byte, circuitID string, seq uint64) (Envelope, error) {
	if len(hopKeys) != NumHops {
		return Envelope{}, pl.NewError("expected %d hop keys, got %d", NumHops, len(hopKeys))
	}

	data := payload
	for hop := NumHops - 1; hop >= 0; hop-- {
		sealed, err := keys.Seal(hopKeys[hop], data, aad(circuitID, hop, directionForward, seq))
		if err != nil {
			return Envelope{}, pl.WrapError(err, "failed to seal layer for hop %d", hop)
		}
		data = sealed
	}

	return Envelope{
		CircuitID: circuitID,
		Seq:       seq,
		Layers:    NumHops,
		Data:      data,
	}, nil
}

// PeelLayer strips exactly one forward layer with the given hop's session key.
// The result is either another well-formed envelope for the next hop, or the
// terminal plaintext (Layers == 0) at the exit. A tag mismatch or a layer
// count that does not match the hop index is a hard failure.
func PeelLayer(key []byte, e Envelope, hop int) (Envelope, error) {
	if hop < 0 || hop >= NumHops {
		return Envelope{}, pl.NewError("invalid hop index %d", hop)
	}
	if e.Layers != NumHops-hop {
		return Envelope{}, keys.ErrAuthentication
	}

	inner, err := keys.Open(key, e.Data, aad(e.CircuitID, hop, directionForward, e.Seq))
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		CircuitID: e.CircuitID,
		Seq:       e.Seq,
		Layers:    e.Layers - 1,
		Data:      inner,
	}, nil
}

// WrapReply seals a reply payload (or an already-wrapped inner reply envelope)
// with a single fresh layer keyed to the given hop. On the reverse path the
// exit wraps first, then each hop toward the entry adds its own layer around
// the encoded result.
func WrapReply(key, payload []byte, circuitID string, hop int, seq uint64) (Envelope, error) {
	sealed, err := keys.Seal(key, payload, aad(circuitID, hop, directionReply, seq))
	if err != nil {
		return Envelope{}, pl.WrapError(err, "failed to seal reply layer for hop %d", hop)
	}

	return Envelope{
		CircuitID: circuitID,
		Seq:       seq,
		Layers:    NumHops - hop,
		Data:      sealed,
	}, nil
}

// PeelReply strips the reply layer added by the given hop and returns the
// contained bytes: either the inner hop's encoded reply envelope or, at the
// exit layer, the plaintext response.
func PeelReply(key []byte, e Envelope, hop int) ([]byte, error) {
	inner, err := keys.Open(key, e.Data, aad(e.CircuitID, hop, directionReply, e.Seq))
	if err != nil {
		return nil, err
	}
	return inner, nil
}

// NewDummy builds a padding envelope shaped like real mid-path traffic:
// a random circuit id unknown to every hop and a random body of the given
// size. The receiving hop rejects it as any other unknown-circuit envelope.
func NewDummy(size int) Envelope {
	if size <= 0 {
		size = 256
	}
	body := make([]byte, size)
	_, _ = rand.Read(body)

	return Envelope{
		CircuitID: uuid.NewString(),
		Seq:       utils.Uint64(),
		Layers:    NumHops - HopRouting,
		Data:      body,
	}
}

func aad(circuitID string, hop int, direction byte, seq uint64) []byte {
	buf := make([]byte, 0, len(circuitID)+10)
	buf = append(buf, circuitID...)
	buf = append(buf, byte(hop), direction)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	return buf
}
