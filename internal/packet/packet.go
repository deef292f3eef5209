// Package packet implements the fixed-size packet framing shared by the
// client, relay, and gateway: every ciphertext on the wire is exactly
// 1024 bytes regardless of payload size, split into a random header, an
// encrypted payload region, and a detached authentication tag. The codec
// never interprets the bytes it places or extracts; it only guarantees
// size and layout.
package packet

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// Size is the total length of every packet on the wire.
	Size = 1024

	// HeaderSize is the length of the random header region, used as AEAD
	// associated data and as nonce-derivation material. It is never
	// interpreted as plaintext.
	HeaderSize = 32

	// TagSize is the length of the detached Poly1305 authentication tag.
	TagSize = 16

	// PayloadSize is the length of the encrypted payload region.
	PayloadSize = Size - HeaderSize - TagSize // 976

	// requestTrailer is the fixed width of random padding the client
	// leaves between the end of the JSON-RPC request and the start of
	// the tag region.
	requestTrailer = 32

	// MaxRequestPayload is the largest JSON-RPC request body the client
	// can place in a packet: the payload region minus the mandatory
	// requestTrailer bytes of random padding after the JSON. Anything
	// larger would spill into the header region, which travels as
	// unencrypted associated data.
	MaxRequestPayload = PayloadSize - requestTrailer // 944
)

// ErrPayloadTooLarge is returned when a caller asks to place a request
// payload that does not fit the packet layout.
var ErrPayloadTooLarge = errors.New("packet: payload exceeds maximum size")

// ErrInvalidPacketSize is returned when a buffer handed to the codec is
// not exactly Size bytes.
var ErrInvalidPacketSize = errors.New("packet: buffer is not 1024 bytes")

// NewRandomPacket allocates a fresh 1024-byte buffer filled entirely from
// a CSPRNG. Callers place request or response bytes into it; everything
// not overwritten by a placement call remains uniformly random padding.
func NewRandomPacket() ([Size]byte, error) {
	var buf [Size]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return buf, fmt.Errorf("fill random packet: %w", err)
	}
	return buf, nil
}

// Header returns the packet's header region.
func Header(buf *[Size]byte) *[HeaderSize]byte {
	return (*[HeaderSize]byte)(buf[0:HeaderSize])
}

// Payload returns the packet's payload region as a slice backed by buf.
func Payload(buf *[Size]byte) []byte {
	return buf[HeaderSize : HeaderSize+PayloadSize]
}

// Tag returns the packet's tag region.
func Tag(buf *[Size]byte) *[TagSize]byte {
	return (*[TagSize]byte)(buf[HeaderSize+PayloadSize : Size])
}

// PlaceRequest copies json into the payload region at the position
// specified by the data model: it ends requestTrailer bytes before the
// tag region, leaving random padding before and after it. It does not
// disturb bytes outside the region it writes.
func PlaceRequest(buf *[Size]byte, jsonRPC []byte) error {
	if len(jsonRPC) > MaxRequestPayload {
		return ErrPayloadTooLarge
	}

	payload := Payload(buf)
	end := PayloadSize - requestTrailer
	start := end - len(jsonRPC)
	copy(payload[start:end], jsonRPC)
	return nil
}

// PlaceResponse copies resp into the payload region such that it ends at
// the payload's last byte. If resp is larger than PayloadSize it is
// truncated, per the gateway's response-placement rule.
func PlaceResponse(buf *[Size]byte, resp []byte) {
	payload := Payload(buf)

	n := len(resp)
	truncated := resp
	if n > PayloadSize {
		n = PayloadSize
		truncated = resp[:PayloadSize]
	}
	start := PayloadSize - n
	copy(payload[start:PayloadSize], truncated)
}
