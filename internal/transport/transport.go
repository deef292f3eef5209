// Package transport provides the pluggable carriers for tunnel hop links.
// A hop link (client to relay, relay to relay, relay to gateway) carries
// exactly one handshake-then-packet exchange as an opaque byte stream:
// 32 bytes out, 32 bytes in, 1024 bytes out, 1024 bytes in. The carrier
// underneath is selectable per deployment: raw TCP on a trusted network,
// or TLS, QUIC, WebSocket, or HTTP/2 when a hop crosses networks that
// would flag bare TCP. None of the carriers participate in the packet
// format or the key schedule; they only move bytes.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"
)

// TransportType identifies the carrier protocol for a hop link.
type TransportType string

const (
	TransportTCP       TransportType = "tcp"
	TransportTLS       TransportType = "tls"
	TransportQUIC      TransportType = "quic"
	TransportHTTP2     TransportType = "h2"
	TransportWebSocket TransportType = "ws"
)

// ALPNProtocol is the ALPN identifier advertised by the TLS-based carriers.
const ALPNProtocol = "penum/1"

// Transport creates and accepts hop links.
type Transport interface {
	// Dial opens a hop link to addr.
	Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error)

	// Listen creates a listener for inbound hop links.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Type returns the carrier protocol identifier.
	Type() TransportType

	// Close shuts down the transport and every listener it created.
	Close() error
}

// Listener accepts inbound hop links.
type Listener interface {
	// Accept waits for and returns the next hop link.
	Accept(ctx context.Context) (Conn, error)

	// Addr returns the listener's bound address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// Conn is one hop link: a bidirectional byte stream carrying a single
// tunnelled exchange. Carriers that cannot support deadlines natively are
// bounded by the caller closing the Conn from a watchdog timer instead.
type Conn interface {
	io.Reader
	io.Writer

	// Close terminates the link in both directions.
	Close() error

	// LocalAddr returns the local address of the link.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote address of the link.
	RemoteAddr() net.Addr
}

// halfCloser is implemented by carriers that can signal end-of-stream to
// the peer while still reading (TCP, TLS over TCP, QUIC streams).
type halfCloser interface {
	CloseWrite() error
}

// CloseWrite half-closes conn's write side when the carrier supports it
// and is a no-op otherwise.
func CloseWrite(conn Conn) error {
	if hc, ok := conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

// DialOptions contains options for dialing a hop link.
type DialOptions struct {
	// TLSConfig is the TLS configuration for TLS-based carriers. Ignored
	// by the TCP carrier.
	TLSConfig *tls.Config

	// InsecureSkipVerify disables certificate verification when no
	// TLSConfig is given. Development and self-signed chains only.
	InsecureSkipVerify bool

	// Timeout bounds the dial.
	Timeout time.Duration

	// Fingerprint selects a ClientHello mimicry preset for TLS-based
	// dials. Empty or "disabled" uses the standard library handshake.
	Fingerprint FingerprintPreset

	// Path is the HTTP path for the WebSocket and HTTP/2 carriers.
	Path string
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig is required by the TLS, QUIC, and HTTP/2 carriers,
	// optional for WebSocket (plain HTTP without it), and ignored by TCP.
	TLSConfig *tls.Config

	// Path is the HTTP path for the WebSocket and HTTP/2 carriers.
	Path string
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout: 10 * time.Second,
	}
}

// New constructs the transport for the named carrier.
func New(t TransportType) (Transport, error) {
	switch t {
	case TransportTCP, "":
		return NewTCPTransport(), nil
	case TransportTLS:
		return NewTLSTransport(), nil
	case TransportQUIC:
		return NewQUICTransport(), nil
	case TransportWebSocket:
		return NewWebSocketTransport(), nil
	case TransportHTTP2:
		return NewH2Transport(), nil
	default:
		return nil, fmt.Errorf("transport: unknown carrier %q", t)
	}
}
