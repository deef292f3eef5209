// Package gateway implements the far-end tunnel endpoint: it accepts a
// hop link, completes the ephemeral handshake, decrypts the single
// request packet, applies the transaction privacy guard, forwards the
// JSON-RPC body upstream, and returns the encrypted response packet.
//
// One connection is exactly one request/response exchange. Every error
// path after accept is silent: the handler returns without writing
// anything back and without logging content-identifying data, because a
// distinctive failure observable is a traffic-confirmation signal.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coinstash/penum/internal/crypto"
	"github.com/coinstash/penum/internal/guard"
	"github.com/coinstash/penum/internal/jsonrpc"
	"github.com/coinstash/penum/internal/logging"
	"github.com/coinstash/penum/internal/metrics"
	"github.com/coinstash/penum/internal/packet"
	"github.com/coinstash/penum/internal/protoerr"
	"github.com/coinstash/penum/internal/recovery"
	"github.com/coinstash/penum/internal/transport"
	"github.com/coinstash/penum/internal/upstream"
)

// Config holds the configuration for the gateway process.
type Config struct {
	// ListenAddress is the address the tunnel listener binds.
	ListenAddress string

	// Transport accepts inbound hop links. Defaults to plain TCP.
	Transport transport.Transport

	// ListenOptions configure the tunnel listener (TLS material, path).
	ListenOptions transport.ListenOptions

	// RPCProviderURL is the default upstream endpoint.
	RPCProviderURL string

	// Policy is the transaction privacy policy applied before any
	// upstream forward.
	Policy guard.Policy

	// Forwarder performs the upstream HTTP round-trip.
	Forwarder upstream.Forwarder

	// ConnectionDeadline bounds one complete exchange, handshake through
	// response write. Guards against slow-loris resource pinning.
	ConnectionDeadline time.Duration

	// Metrics receives non-content counters. Defaults to the process-wide
	// instance.
	Metrics *metrics.Metrics

	// Logger for logging. Data-path lines carry error classes and
	// durations only.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectionDeadline: 30 * time.Second,
	}
}

// Server is the gateway tunnel endpoint.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	listener transport.Listener

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a gateway server from cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.ListenAddress == "" {
		return nil, fmt.Errorf("gateway: listen address is required")
	}
	if cfg.RPCProviderURL == "" {
		return nil, fmt.Errorf("gateway: rpc provider url is required")
	}
	if cfg.Forwarder == nil {
		return nil, fmt.Errorf("gateway: forwarder is required")
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.NewTCPTransport()
	}
	if cfg.ConnectionDeadline <= 0 {
		cfg.ConnectionDeadline = 30 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start binds the tunnel listener and begins serving exchanges.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("gateway: server already running")
	}

	listener, err := s.cfg.Transport.Listen(s.cfg.ListenAddress, s.cfg.ListenOptions)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", s.cfg.ListenAddress, err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("gateway started",
		logging.KeyAddress, s.listener.Addr().String(),
		logging.KeyTransport, string(s.cfg.Transport.Type()))

	return nil
}

// Stop closes the listener and waits for in-flight exchanges to finish.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		if s.listener != nil {
			err = s.listener.Close()
		}
	})
	s.wg.Wait()
	return err
}

// Address returns the listener's bound address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "gateway.Server.acceptLoop")

	for {
		conn, err := s.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Debug("accept error", logging.KeyError, err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs one complete exchange. It never writes anything to the
// peer on failure and never returns an error to the accept loop.
func (s *Server) handleConn(conn transport.Conn) {
	defer s.wg.Done()
	defer recovery.RecoverWithCallback(s.logger, "gateway.Server.handleConn", func(any) {
		s.metrics.PanicsRecovered.Inc()
	})
	defer conn.Close()

	// Coarse watchdog: carriers without native deadlines are bounded by
	// closing the link out from under the blocked read.
	watchdog := time.AfterFunc(s.cfg.ConnectionDeadline, func() { conn.Close() })
	defer watchdog.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectionDeadline)
	defer cancel()

	start := time.Now()
	s.metrics.ExchangesTotal.Inc()

	if err := s.exchange(ctx, conn); err != nil {
		class := protoerr.ClassOf(err)
		s.metrics.ExchangeErrors.WithLabelValues(string(class)).Inc()
		if class == protoerr.PrivacyPolicyViolation {
			s.metrics.GuardRejections.Inc()
		}
		// Error class only. The cause may quote payload bytes.
		s.logger.Debug("exchange dropped",
			logging.KeyComponent, "gateway",
			logging.KeyErrorClass, string(class))
		return
	}

	s.metrics.ExchangeDuration.Observe(time.Since(start).Seconds())
	s.logger.Debug("exchange complete",
		logging.KeyComponent, "gateway",
		logging.KeyDuration, time.Since(start))
}

// exchange performs the handshake-decrypt-guard-forward-encrypt sequence
// for one connection.
func (s *Server) exchange(ctx context.Context, conn transport.Conn) error {
	// Handshake: the gateway reads the client public key first, then
	// writes its own. The client does the mirror image.
	keys, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return protoerr.Wrap(protoerr.HandshakeFailure, err)
	}

	var clientPub [crypto.KeySize]byte
	if _, err := io.ReadFull(conn, clientPub[:]); err != nil {
		return protoerr.Wrap(protoerr.HandshakeFailure, err)
	}
	if _, err := conn.Write(keys.Public[:]); err != nil {
		return protoerr.Wrap(protoerr.HandshakeFailure, err)
	}

	shared, err := keys.DH(clientPub)
	if err != nil {
		return protoerr.Wrap(protoerr.HandshakeFailure, err)
	}

	sessionKey, err := crypto.DeriveSessionKey(shared)
	if err != nil {
		return protoerr.Wrap(protoerr.HandshakeFailure, err)
	}
	defer sessionKey.Zero()
	crypto.ZeroKey(&shared)

	// Request packet.
	var buf [packet.Size]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return protoerr.Wrap(protoerr.IoFailure, err)
	}
	s.metrics.PacketsReceived.Inc()

	header := packet.Header(&buf)
	payload := packet.Payload(&buf)
	tag := packet.Tag(&buf)

	if err := sessionKey.Open(header, payload, *tag, true); err != nil {
		return protoerr.Wrap(protoerr.AuthFailure, err)
	}

	jsonBytes, err := packet.ExtractJSON(payload)
	if err != nil {
		return protoerr.Wrap(protoerr.MalformedEnvelope, err)
	}

	req, err := jsonrpc.ParseRequest(jsonBytes)
	if err != nil {
		return protoerr.Wrap(protoerr.MalformedEnvelope, err)
	}

	// Privacy guard.
	route, err := s.cfg.Policy.Evaluate(req)
	if err != nil {
		return err
	}

	url := s.cfg.RPCProviderURL
	routeLabel := "default"
	if route == guard.RouteMevBlocker {
		url = s.cfg.Policy.MevBlockerURL
		routeLabel = "mev_blocker"
	}

	respBytes, err := s.cfg.Forwarder.Forward(ctx, url, jsonBytes)
	if err != nil {
		s.metrics.UpstreamCalls.WithLabelValues(routeLabel, "error").Inc()
		return protoerr.Wrap(protoerr.UpstreamFailure, err)
	}
	s.metrics.UpstreamCalls.WithLabelValues(routeLabel, "ok").Inc()

	// Response packet: fresh randomness, response placed at the payload's
	// end, sealed under the same session key in the response direction.
	respPacket, err := packet.NewRandomPacket()
	if err != nil {
		return protoerr.Wrap(protoerr.IoFailure, err)
	}
	packet.PlaceResponse(&respPacket, respBytes)

	respHeader := packet.Header(&respPacket)
	respPayload := packet.Payload(&respPacket)

	respTag, err := sessionKey.Seal(respHeader, respPayload, false)
	if err != nil {
		return protoerr.Wrap(protoerr.IoFailure, err)
	}
	copy(packet.Tag(&respPacket)[:], respTag[:])

	if _, err := conn.Write(respPacket[:]); err != nil {
		return protoerr.Wrap(protoerr.IoFailure, err)
	}
	s.metrics.PacketsSent.Inc()

	return nil
}
