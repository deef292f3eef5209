// Package crypto provides the key agreement and authenticated-encryption
// primitives that bind the client, the relay chain, and the gateway. It
// implements X25519 key exchange, HKDF-SHA256 session key derivation, and
// a ChaCha20-Poly1305 envelope with deterministic, direction-bound nonces.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 keys and the derived session key, in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of the detached Poly1305 authentication tag in bytes.
	TagSize = 16

	// hkdfSalt is the fixed salt used for session key derivation. Binding the
	// salt to a protocol version allows key separation if the wire format
	// changes in a future revision.
	hkdfSalt = "penum-v1"
)

// EphemeralKeyPair holds an X25519 secret scalar and its public point.
// The secret is consumed by exactly one DH call; DH zeroes it afterward,
// and a second call returns an error rather than silently reusing it.
type EphemeralKeyPair struct {
	private [KeySize]byte
	Public  [KeySize]byte
	used    bool
}

// GenerateEphemeralKeypair generates a new ephemeral X25519 keypair for use
// in a single connection's handshake.
func GenerateEphemeralKeypair() (*EphemeralKeyPair, error) {
	kp := &EphemeralKeyPair{}

	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key per the X25519 spec.
	kp.private[0] &= 248
	kp.private[31] &= 127
	kp.private[31] |= 64

	curve25519.ScalarBaseMult(&kp.Public, &kp.private)

	return kp, nil
}

// DH performs X25519 Diffie-Hellman against the peer's public key and
// returns the shared secret. It consumes the local secret: the private
// scalar is zeroed before DH returns, and calling DH a second time fails.
func (kp *EphemeralKeyPair) DH(peerPublic [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte

	if kp.used {
		return shared, fmt.Errorf("ephemeral secret already consumed")
	}

	var zero [KeySize]byte
	if peerPublic == zero {
		return shared, fmt.Errorf("invalid remote public key: zero key")
	}

	curve25519.ScalarMult(&shared, &kp.private, &peerPublic)
	kp.used = true
	ZeroKey(&kp.private)

	if shared == zero {
		return shared, fmt.Errorf("invalid ECDH result: low-order point")
	}

	return shared, nil
}

// DeriveSessionKey derives the 32-byte symmetric session key from an X25519
// shared secret: HKDF-SHA256(salt="penum-v1", ikm=shared, info="").
func DeriveSessionKey(shared [KeySize]byte) (*SessionKey, error) {
	reader := hkdf.New(sha256.New, shared[:], []byte(hkdfSalt), nil)

	sk := &SessionKey{}
	if _, err := io.ReadFull(reader, sk.key[:]); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	return sk, nil
}

// newAEAD builds the ChaCha20-Poly1305 AEAD for a session key.
func newAEAD(key [KeySize]byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key[:])
}

// ZeroBytes zeroes a byte slice to scrub sensitive data from memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes a fixed-size key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
