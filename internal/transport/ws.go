package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsDefaultPath = "/tunnel"

	// wsReadLimit bounds a single WebSocket message. The tunnel's frames
	// are at most 1024 bytes, but relayed traffic may coalesce; 64 KiB
	// is far above anything a legitimate exchange produces.
	wsReadLimit = 64 * 1024
)

// WebSocketTransport carries hop links over WebSocket. Each hop link is
// one WebSocket connection carrying binary messages; the tunnel bytes
// are presented to the caller as a plain byte stream via the adapter in
// nhooyr.io/websocket. Useful for hops that must traverse HTTP-only
// middleboxes and reverse proxies.
type WebSocketTransport struct {
	mu        sync.Mutex
	listeners []*wsListener
	closed    bool
}

// NewWebSocketTransport creates a new WebSocket transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

// Type returns the carrier protocol identifier.
func (t *WebSocketTransport) Type() TransportType {
	return TransportWebSocket
}

// Dial opens a WebSocket connection to addr. addr may be a bare
// host:port (scheme chosen by TLS configuration) or a full ws:// or
// wss:// URL.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
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

	wsURL := webSocketURL(addr, opts)

	dialOpts := &websocket.DialOptions{
		Subprotocols: []string{ALPNProtocol},
		HTTPClient:   wsHTTPClient(opts),
	}

	conn, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	// The NetConn context governs the connection's whole lifetime, not
	// just the dial, so it must not inherit the dial timeout.
	nc := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)

	return &wsConn{Conn: nc}, nil
}

// Listen serves WebSocket upgrades on addr at the configured path.
// Without a TLS config the listener speaks plain HTTP, for deployments
// that terminate TLS in a fronting reverse proxy.
func (t *WebSocketTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	l := &wsListener{
		path:    path,
		connCh:  make(chan Conn, 16),
		closeCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)

	// The upgrade request arrives over HTTP/1.1; advertising only the
	// tunnel ALPN would fail negotiation with every HTTP client.
	tlsConfig := opts.TLSConfig
	if tlsConfig != nil {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{"http/1.1"}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket listen failed: %w", err)
	}
	l.netLn = ln
	l.server = &http.Server{
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if opts.TLSConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()

	t.listeners = append(t.listeners, l)
	return l, nil
}

// Close shuts down the transport and all listeners.
func (t *WebSocketTransport) Close() error {
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

type wsListener struct {
	path    string
	server  *http.Server
	netLn   net.Listener
	connCh  chan Conn
	closeCh chan struct{}
	closed  atomic.Bool
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{ALPNProtocol},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)

	nc := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)

	wc := &wsConn{Conn: nc, done: make(chan struct{})}

	select {
	case l.connCh <- wc:
		// Keep the handler alive until the connection is done; returning
		// early would tear down the underlying socket.
		<-wc.done
	case <-l.closeCh:
		nc.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.closeCh:
		return nil, fmt.Errorf("listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Addr() net.Addr {
	return l.netLn.Addr()
}

func (l *wsListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)
	return l.server.Close()
}

// wsConn adapts the websocket net.Conn to a hop link. The done channel,
// when present, releases the server-side HTTP handler on close.
type wsConn struct {
	net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		if c.done != nil {
			close(c.done)
		}
	})
	return err
}

// webSocketURL normalizes addr into a WebSocket URL.
func webSocketURL(addr string, opts DialOptions) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}

	scheme := "ws"
	if opts.TLSConfig != nil || opts.InsecureSkipVerify {
		scheme = "wss"
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	return scheme + "://" + addr + path
}

// wsHTTPClient builds the HTTP client that carries the upgrade request.
func wsHTTPClient(opts DialOptions) *http.Client {
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil && opts.InsecureSkipVerify {
		tlsConfig = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}
	}

	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}
}
