// Package keys implements the cryptographic primitives shared by every relay
// role: ephemeral X25519 key agreement and ChaCha20-Poly1305 authenticated
// encryption. Each hop's session key comes from an independent exchange with
// the client side, never from a shared master secret.
package keys

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	pl "github.com/HannahMarsh/PrettyLogger"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// SessionKeySize is the size in bytes of a derived per-hop session key.
const SessionKeySize = chacha20poly1305.KeySize

var (
	// ErrKeyAgreement indicates the peer's public value was not a valid curve point.
	ErrKeyAgreement = errors.New("key agreement failed: invalid peer public value")

	// ErrAuthentication indicates an authentication tag mismatch. No plaintext
	// is ever returned alongside it.
	ErrAuthentication = errors.New("authentication failed: tag mismatch")
)

// GenerateEphemeralKeys generates a new X25519 key pair for a single exchange.
func GenerateEphemeralKeys() (privateKey, publicKey []byte, err error) {
	privateKey = make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(privateKey); err != nil {
		return nil, nil, pl.WrapError(err, "failed to generate X25519 scalar")
	}

	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, pl.WrapError(err, "failed to derive X25519 public key")
	}

	return privateKey, publicKey, nil
}

// DeriveSessionKey performs the X25519 exchange between an ephemeral secret
// and a peer's ephemeral public value and hashes the shared secret into a
// fixed-size session key. Returns ErrKeyAgreement if the peer value is not a
// valid curve point.
func DeriveSessionKey(mySecret, peerPublic []byte) ([]byte, error) {
	if len(mySecret) != curve25519.ScalarSize || len(peerPublic) != curve25519.PointSize {
		return nil, ErrKeyAgreement
	}

	shared, err := curve25519.X25519(mySecret, peerPublic)
	if err != nil {
		// curve25519 rejects low-order points with an error.
		return nil, ErrKeyAgreement
	}

	hashed := sha256.Sum256(shared)
	return hashed[:], nil
}

// Seal encrypts plaintext with ChaCha20-Poly1305 under the given session key.
// A fresh random nonce is generated per call and prepended to the ciphertext.
// The authentication tag is bound to the associated data (circuit id, hop
// index, direction and sequence number) so a layer cannot be replayed across
// hops or directions.
func Seal(key, plaintext, associatedData []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, pl.WrapError(err, "failed to generate nonce")
	}

	return aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

// Open decrypts a ciphertext produced by Seal. Verification is constant time
// inside the AEAD; any tag mismatch or truncated input fails closed with
// ErrAuthentication.
func Open(key, ciphertext, associatedData []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrAuthentication
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, associatedData)
	if err != nil {
		return nil, ErrAuthentication
	}

	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, pl.WrapError(err, "failed to construct AEAD")
	}
	return aead, nil
}
