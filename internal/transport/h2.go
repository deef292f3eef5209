package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

const h2DefaultPath = "/tunnel"

// H2Transport carries hop links over an HTTP/2 stream: the dialer issues
// one long-lived POST whose request body streams bytes up and whose
// response body streams bytes down. To any middlebox the hop looks like
// an ordinary long HTTP/2 transfer. TLS is mandatory; h2c has no place
// on a hop that exists to blend in.
type H2Transport struct {
	mu        sync.Mutex
	listeners []*h2Listener
	closed    bool
}

// NewH2Transport creates a new HTTP/2 transport.
func NewH2Transport() *H2Transport {
	return &H2Transport{}
}

// Type returns the carrier protocol identifier.
func (t *H2Transport) Type() TransportType {
	return TransportHTTP2
}

// Dial opens an HTTP/2 stream to addr.
func (t *H2Transport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	url, err := h2URL(addr, opts)
	if err != nil {
		return nil, err
	}

	tlsConfig := dialTLSConfig(opts, []string{"h2"})

	h2t := &http2.Transport{
		TLSClientConfig: tlsConfig,
	}

	// The request context governs the stream's whole lifetime; the dial
	// timeout only bounds the wait for response headers.
	streamCtx, streamCancel := context.WithCancel(context.Background())

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, url, pr)
	if err != nil {
		streamCancel()
		pw.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	type result struct {
		resp *http.Response
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		resp, rtErr := h2t.RoundTrip(req)
		resultCh <- result{resp, rtErr}
	}()

	dialCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var resp *http.Response
	select {
	case r := <-resultCh:
		if r.err != nil {
			streamCancel()
			pw.Close()
			return nil, fmt.Errorf("h2 dial failed: %w", r.err)
		}
		resp = r.resp
	case <-dialCtx.Done():
		streamCancel()
		pw.Close()
		return nil, fmt.Errorf("h2 dial timeout: %w", dialCtx.Err())
	}

	if resp.StatusCode != http.StatusOK {
		streamCancel()
		resp.Body.Close()
		pw.Close()
		return nil, fmt.Errorf("h2 dial failed: status %d", resp.StatusCode)
	}

	return &h2Conn{
		reader: resp.Body,
		writer: pw,
		cancel: streamCancel,
	}, nil
}

// Listen serves HTTP/2 streams on addr at the configured path.
// opts.TLSConfig must carry a server certificate.
func (t *H2Transport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for HTTP/2 listener")
	}

	tlsConfig := opts.TLSConfig.Clone()
	hasH2 := false
	for _, proto := range tlsConfig.NextProtos {
		if proto == "h2" {
			hasH2 = true
			break
		}
	}
	if !hasH2 {
		tlsConfig.NextProtos = append([]string{"h2"}, tlsConfig.NextProtos...)
	}

	path := opts.Path
	if path == "" {
		path = h2DefaultPath
	}

	l := &h2Listener{
		path:    path,
		connCh:  make(chan Conn, 16),
		closeCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleStream)

	server := &http.Server{
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureServer(server, &http2.Server{}); err != nil {
		return nil, fmt.Errorf("configure h2 server: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("h2 listen failed: %w", err)
	}
	l.netLn = ln
	l.server = server

	go server.ServeTLS(ln, "", "")

	t.listeners = append(t.listeners, l)
	return l, nil
}

// Close shuts down the transport and all listeners.
func (t *H2Transport) Close() error {
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

type h2Listener struct {
	path    string
	server  *http.Server
	netLn   net.Listener
	connCh  chan Conn
	closeCh chan struct{}
	closed  atomic.Bool
}

func (l *h2Listener) handleStream(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := &h2Conn{
		reader: r.Body,
		writer: &flushWriter{w: w, f: flusher},
		done:   make(chan struct{}),
	}

	select {
	case l.connCh <- conn:
		// The handler must stay on the stack until the exchange finishes;
		// returning closes both bodies.
		<-conn.done
	case <-l.closeCh:
		r.Body.Close()
	}
}

func (l *h2Listener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.closeCh:
		return nil, fmt.Errorf("listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *h2Listener) Addr() net.Addr {
	return l.netLn.Addr()
}

func (l *h2Listener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)
	return l.server.Close()
}

// flushWriter flushes after every write so tunnel packets are not held
// back by HTTP/2 buffering.
type flushWriter struct {
	mu sync.Mutex
	w  io.Writer
	f  http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	n, err := fw.w.Write(p)
	if err == nil {
		fw.f.Flush()
	}
	return n, err
}

// h2Conn is one hop link over an HTTP/2 stream.
type h2Conn struct {
	reader io.ReadCloser
	writer io.Writer
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

func (c *h2Conn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

func (c *h2Conn) Write(p []byte) (int, error) {
	return c.writer.Write(p)
}

// CloseWrite half-closes the dialer's upload direction by finishing the
// request body. On the listener side there is no end-of-response short
// of closing, so it is a no-op there.
func (c *h2Conn) CloseWrite() error {
	if pw, ok := c.writer.(*io.PipeWriter); ok {
		return pw.Close()
	}
	return nil
}

func (c *h2Conn) Close() error {
	c.closeOnce.Do(func() {
		if pw, ok := c.writer.(*io.PipeWriter); ok {
			pw.Close()
		}
		c.reader.Close()
		if c.cancel != nil {
			c.cancel()
		}
		if c.done != nil {
			close(c.done)
		}
	})
	return nil
}

// h2Conn streams have no socket addresses of their own.
func (c *h2Conn) LocalAddr() net.Addr  { return h2Addr{} }
func (c *h2Conn) RemoteAddr() net.Addr { return h2Addr{} }

type h2Addr struct{}

func (h2Addr) Network() string { return "h2" }
func (h2Addr) String() string  { return "h2" }

// h2URL normalizes addr into the stream URL.
func h2URL(addr string, opts DialOptions) (string, error) {
	if strings.HasPrefix(addr, "https://") {
		return addr, nil
	}
	if strings.Contains(addr, "://") {
		return "", fmt.Errorf("h2 transport requires https addresses, got %q", addr)
	}

	path := opts.Path
	if path == "" {
		path = h2DefaultPath
	}
	return "https://" + addr + path, nil
}
