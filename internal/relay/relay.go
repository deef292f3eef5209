// Package relay implements the blind relay hop: a listener that, for
// every inbound connection, dials a single statically configured next hop
// and copies bytes bidirectionally until either side closes. A relay never
// parses, inspects, or alters the bytes it carries; it has no notion of
// packets, handshakes, or session keys. To it the tunnel is an opaque byte
// stream, whatever carrier either side of the hop runs on.
package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coinstash/penum/internal/logging"
	"github.com/coinstash/penum/internal/metrics"
	"github.com/coinstash/penum/internal/recovery"
	"github.com/coinstash/penum/internal/transport"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

// Config holds the configuration for one relay hop.
type Config struct {
	// ListenAddress is the local address this hop accepts inbound
	// connections on.
	ListenAddress string

	// NextHop is the single address this hop dials for every accepted
	// connection. A relay knows nothing about the chain beyond it.
	NextHop string

	// ListenTransport accepts the inbound side of the hop. Defaults to
	// plain TCP.
	ListenTransport transport.Transport

	// DialTransport carries the outbound side of the hop. Defaults to
	// plain TCP. The two sides are independent: a hop can accept
	// WebSocket from a hostile network and dial raw TCP onward.
	DialTransport transport.Transport

	// ListenOptions configure the inbound listener (TLS material, path).
	ListenOptions transport.ListenOptions

	// DialOptions configure the outbound dial.
	DialOptions transport.DialOptions

	// DialTimeout bounds the dial to NextHop.
	DialTimeout time.Duration

	// IdleTimeout tears down a relayed connection once neither direction
	// has moved bytes for this long (0 = no idle limit). The relay has no
	// notion of the exchange inside the stream; idleness is its only
	// liveness signal.
	IdleTimeout time.Duration

	// MaxConnections limits concurrent relayed connections (0 = unlimited).
	MaxConnections int

	// AcceptsPerSecond rate-limits inbound accepts with a token bucket
	// (0 = unlimited). Excess connections are dropped, not queued.
	AcceptsPerSecond float64

	// Metrics receives non-content counters. Defaults to the process-wide
	// instance.
	Metrics *metrics.Metrics

	// Logger for logging.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout: 10 * time.Second,
	}
}

// Hop is a single blind relay hop.
type Hop struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	listener transport.Listener
	limiter  *rate.Limiter

	connCount  atomic.Int64
	bytesTotal atomic.Int64
	running    atomic.Bool
	stopOnce   sync.Once
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewHop creates a relay hop from cfg. NextHop and ListenAddress must be set.
func NewHop(cfg Config) (*Hop, error) {
	if cfg.NextHop == "" {
		return nil, fmt.Errorf("relay: next hop address is required")
	}
	if cfg.ListenAddress == "" {
		return nil, fmt.Errorf("relay: listen address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ListenTransport == nil {
		cfg.ListenTransport = transport.NewTCPTransport()
	}
	if cfg.DialTransport == nil {
		cfg.DialTransport = transport.NewTCPTransport()
	}
	if cfg.DialOptions.Timeout <= 0 {
		cfg.DialOptions.Timeout = cfg.DialTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	var limiter *rate.Limiter
	if cfg.AcceptsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptsPerSecond), int(cfg.AcceptsPerSecond)+1)
	}

	return &Hop{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		limiter: limiter,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins accepting inbound connections. It returns once the listener
// is bound; acceptance runs in the background.
func (h *Hop) Start() error {
	if h.running.Load() {
		return fmt.Errorf("relay: hop already running")
	}

	listener, err := h.cfg.ListenTransport.Listen(h.cfg.ListenAddress, h.cfg.ListenOptions)
	if err != nil {
		return fmt.Errorf("relay: listen on %s: %w", h.cfg.ListenAddress, err)
	}

	h.listener = listener
	h.running.Store(true)

	h.wg.Add(1)
	go h.acceptLoop()

	h.logger.Info("relay hop started",
		logging.KeyAddress, h.listener.Addr().String(),
		logging.KeyTransport, string(h.cfg.ListenTransport.Type()),
		logging.KeyNextHop, h.cfg.NextHop)

	return nil
}

// Stop closes the listener, then waits for all goroutines to exit.
// Connections already being relayed are not closed; Stop returns once
// they end on their own (or via the idle timeout, when set).
func (h *Hop) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		h.running.Store(false)
		close(h.stopCh)
		if h.listener != nil {
			err = h.listener.Close()
		}
	})
	h.wg.Wait()
	h.logger.Info("relay hop stopped",
		"relayed", humanize.Bytes(uint64(h.bytesTotal.Load())))
	return err
}

// Address returns the listener's bound address.
func (h *Hop) Address() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// ConnectionCount returns the number of connections currently being relayed.
func (h *Hop) ConnectionCount() int64 {
	return h.connCount.Load()
}

func (h *Hop) acceptLoop() {
	defer h.wg.Done()
	defer recovery.RecoverWithLog(h.logger, "relay.Hop.acceptLoop")

	for {
		conn, err := h.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-h.stopCh:
				return
			default:
				h.logger.Debug("accept error", logging.KeyError, err)
				continue
			}
		}

		if h.cfg.MaxConnections > 0 && h.connCount.Load() >= int64(h.cfg.MaxConnections) {
			h.logger.Debug("connection limit reached", "limit", h.cfg.MaxConnections)
			conn.Close()
			continue
		}

		if h.limiter != nil && !h.limiter.Allow() {
			h.logger.Debug("accept rate limit exceeded")
			conn.Close()
			continue
		}

		h.metrics.RelayAccepts.Inc()
		h.connCount.Add(1)
		h.metrics.RelayConnections.Inc()
		h.wg.Add(1)
		go h.handleConnection(conn)
	}
}

func (h *Hop) handleConnection(inbound transport.Conn) {
	defer h.wg.Done()
	defer recovery.RecoverWithLog(h.logger, "relay.Hop.handleConnection")
	defer func() {
		inbound.Close()
		h.connCount.Add(-1)
		h.metrics.RelayConnections.Dec()
	}()

	remoteAddr := inbound.RemoteAddr().String()
	h.logger.Debug("relay connection accepted", logging.KeyRemoteAddr, remoteAddr)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DialTimeout)
	defer cancel()

	outbound, err := h.cfg.DialTransport.Dial(ctx, h.cfg.NextHop, h.cfg.DialOptions)
	if err != nil {
		h.metrics.RelayDialErrors.Inc()
		h.logger.Debug("dial next hop failed",
			logging.KeyNextHop, h.cfg.NextHop,
			logging.KeyError, err)
		return
	}
	defer outbound.Close()

	var n int64
	if h.cfg.IdleTimeout > 0 {
		n = copyWithIdleTimeout(inbound, outbound, h.cfg.IdleTimeout)
	} else {
		n = Copy(inbound, outbound)
	}
	h.bytesTotal.Add(n)
	h.metrics.RelayBytes.Add(float64(n))

	h.logger.Debug("relay connection closed",
		logging.KeyRemoteAddr, remoteAddr,
		logging.KeyCount, n)
}

// Copy bidirectionally relays bytes between a and b and returns the
// total bytes moved. It never inspects the bytes it carries. Teardown is
// first-finisher wins: the moment either direction's copy returns, on
// EOF or any error, both connections are closed, cancelling the other
// direction. A peer that finishes one direction can therefore never pin
// the relay's goroutines or sockets by holding the other open.
func Copy(a, b io.ReadWriteCloser) int64 {
	var total atomic.Int64
	var closeOnce sync.Once
	teardown := func() {
		closeOnce.Do(func() {
			a.Close()
			b.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.Copy(b, a)
		total.Add(n)
		teardown()
	}()

	go func() {
		defer wg.Done()
		n, _ := io.Copy(a, b)
		total.Add(n)
		teardown()
	}()

	wg.Wait()
	return total.Load()
}

// copyWithIdleTimeout is Copy plus an idle watchdog for the case the
// first-finisher rule cannot reach: both directions still open but
// neither moving bytes. When the stream sits idle that long, both
// connections are closed out from under the blocked copies.
func copyWithIdleTimeout(a, b io.ReadWriteCloser, idle time.Duration) int64 {
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(idle / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, lastActivity.Load())) >= idle {
					a.Close()
					b.Close()
					return
				}
			}
		}
	}()

	n := Copy(&activityTracker{rw: a, last: &lastActivity},
		&activityTracker{rw: b, last: &lastActivity})
	close(done)
	return n
}

// activityTracker stamps every successful read or write so the idle
// watchdog can see the stream moving.
type activityTracker struct {
	rw   io.ReadWriteCloser
	last *atomic.Int64
}

func (t *activityTracker) Read(p []byte) (int, error) {
	n, err := t.rw.Read(p)
	if n > 0 {
		t.last.Store(time.Now().UnixNano())
	}
	return n, err
}

func (t *activityTracker) Write(p []byte) (int, error) {
	n, err := t.rw.Write(p)
	if n > 0 {
		t.last.Store(time.Now().UnixNano())
	}
	return n, err
}

func (t *activityTracker) Close() error {
	return t.rw.Close()
}
