package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// TCPTransport carries hop links over plain TCP. It is the default
// carrier: the tunnel payload is already fixed-size ciphertext, so TCP
// adds nothing and hides nothing. Use one of the TLS-based carriers when
// the hop itself must blend in with ordinary traffic.
type TCPTransport struct {
	mu        sync.Mutex
	listeners []*tcpListener
	closed    bool
}

// NewTCPTransport creates a new plain-TCP transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

// Type returns the carrier protocol identifier.
func (t *TCPTransport) Type() TransportType {
	return TransportTCP
}

// Dial opens a TCP connection to addr.
func (t *TCPTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial failed: %w", err)
	}

	return conn.(*net.TCPConn), nil
}

// Listen binds a TCP listener on addr.
func (t *TCPTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen failed: %w", err)
	}

	tl := &tcpListener{ln: ln}
	t.listeners = append(t.listeners, tl)
	return tl, nil
}

// Close shuts down the transport and all listeners.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil

	return lastErr
}

type tcpListener struct {
	ln net.Listener
}

// Accept waits for the next inbound TCP connection. Cancellation is by
// deadline when ctx carries one, or by closing the listener.
func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if tl, isTCP := l.ln.(*net.TCPListener); isTCP {
			tl.SetDeadline(deadline)
		}
	}

	conn, err := l.ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	return conn.(*net.TCPConn), nil
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}
