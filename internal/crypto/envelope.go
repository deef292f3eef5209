package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
)

// ErrAuthFailed is returned by Open when the Poly1305 tag does not verify.
// Callers must treat this as a silent connection-drop condition, never
// surfacing the distinction between "auth failed" and any other error
// across the wire.
var ErrAuthFailed = errors.New("aead: authentication failed")

// direction tags mix into the nonce so that a request and its response,
// sealed under the same single-use session key, never share a nonce.
var (
	directionRequest  = []byte("req_")
	directionResponse = []byte("res_")
)

// SessionKey holds the symmetric key for one request/response cycle on one
// connection. Per spec it is used for at most two AEAD operations: one
// Seal and one Open, in either order depending on which side of the
// connection is holding it. Reuse beyond that is a programming error and
// panics rather than silently deriving a colliding nonce.
type SessionKey struct {
	key [KeySize]byte

	mu     sync.Mutex
	sealed bool
	opened bool
}

// nonce derives the deterministic per-packet nonce:
// SHA256(key || header || direction)[0:12].
func (s *SessionKey) nonce(header *[32]byte, isRequest bool) [NonceSize]byte {
	direction := directionResponse
	if isRequest {
		direction = directionRequest
	}

	h := sha256.New()
	h.Write(s.key[:])
	h.Write(header[:])
	h.Write(direction)
	digest := h.Sum(nil)

	var nonce [NonceSize]byte
	copy(nonce[:], digest[:NonceSize])
	return nonce
}

// Seal encrypts payload in place using header as associated data and
// returns the detached authentication tag. isRequest selects the nonce's
// direction tag.
func (s *SessionKey) Seal(header *[32]byte, payload []byte, isRequest bool) ([TagSize]byte, error) {
	var tag [TagSize]byte

	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		panic("crypto: SessionKey.Seal called more than once")
	}
	s.sealed = true
	s.mu.Unlock()

	aead, err := newAEAD(s.key)
	if err != nil {
		return tag, fmt.Errorf("create cipher: %w", err)
	}

	nonce := s.nonce(header, isRequest)
	out := aead.Seal(nil, nonce[:], payload, header[:])

	// out = ciphertext(len(payload)) || tag(TagSize); write back in place
	// and detach the tag so header|payload|tag keeps its fixed layout.
	copy(payload, out[:len(payload)])
	copy(tag[:], out[len(payload):])

	return tag, nil
}

// Open authenticates and decrypts payload in place using header as
// associated data and the detached tag. Returns ErrAuthFailed on any
// authentication failure; callers must drop the connection silently.
func (s *SessionKey) Open(header *[32]byte, payload []byte, tag [TagSize]byte, isRequest bool) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		panic("crypto: SessionKey.Open called more than once")
	}
	s.opened = true
	s.mu.Unlock()

	aead, err := newAEAD(s.key)
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}

	nonce := s.nonce(header, isRequest)

	sealed := make([]byte, 0, len(payload)+TagSize)
	sealed = append(sealed, payload...)
	sealed = append(sealed, tag[:]...)

	plain, err := aead.Open(nil, nonce[:], sealed, header[:])
	if err != nil {
		return ErrAuthFailed
	}

	copy(payload, plain)
	return nil
}

// Zero scrubs the session key material. Call once the connection handler
// is done with it.
func (s *SessionKey) Zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ZeroKey(&s.key)
}
