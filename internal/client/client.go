// Package client implements the wallet-side tunnel endpoint: it builds a
// fixed-size request packet, opens a hop link to the entry relay,
// performs the ephemeral handshake with the far-end gateway, and returns
// the JSON-RPC response recovered from the response packet.
//
// Each call is one connection, one ephemeral keypair, one session key,
// one packet each way. Nothing survives the call.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/coinstash/penum/internal/crypto"
	"github.com/coinstash/penum/internal/jsonrpc"
	"github.com/coinstash/penum/internal/logging"
	"github.com/coinstash/penum/internal/metrics"
	"github.com/coinstash/penum/internal/packet"
	"github.com/coinstash/penum/internal/protoerr"
	"github.com/coinstash/penum/internal/transport"
)

// Config holds the configuration for the wallet-side tunnel endpoint.
type Config struct {
	// EntryRelay is the only address the client ever dials. The rest of
	// the chain is invisible to it.
	EntryRelay string

	// Transport carries the hop link to the entry relay. Defaults to
	// plain TCP.
	Transport transport.Transport

	// DialOptions configure the dial to the entry relay.
	DialOptions transport.DialOptions

	// RequestTimeout bounds one complete exchange.
	RequestTimeout time.Duration

	// Metrics receives non-content counters. Defaults to the process-wide
	// instance.
	Metrics *metrics.Metrics

	// Logger for logging.
	Logger *slog.Logger
}

// Endpoint sends JSON-RPC requests through the tunnel.
type Endpoint struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEndpoint creates a tunnel endpoint from cfg.
func NewEndpoint(cfg Config) (*Endpoint, error) {
	if cfg.EntryRelay == "" {
		return nil, fmt.Errorf("client: entry relay address is required")
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.NewTCPTransport()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DialOptions.Timeout <= 0 {
		cfg.DialOptions.Timeout = cfg.RequestTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Endpoint{cfg: cfg, logger: logger, metrics: m}, nil
}

// SendRPCRequest tunnels one JSON-RPC request and returns the embedded
// JSON-RPC response bytes. Oversize requests are rejected before any
// bytes touch the wire.
func (e *Endpoint) SendRPCRequest(ctx context.Context, jsonRPC []byte) ([]byte, error) {
	start := time.Now()
	e.metrics.ExchangesTotal.Inc()

	resp, err := e.exchange(ctx, jsonRPC)
	if err != nil {
		class := protoerr.ClassOf(err)
		e.metrics.ExchangeErrors.WithLabelValues(string(class)).Inc()
		e.logger.Debug("exchange failed",
			logging.KeyComponent, "client",
			logging.KeyErrorClass, string(class))
		return nil, err
	}

	e.metrics.ExchangeDuration.Observe(time.Since(start).Seconds())
	return resp, nil
}

func (e *Endpoint) exchange(ctx context.Context, jsonRPC []byte) ([]byte, error) {
	// Build the packet before dialling: a size violation must produce
	// zero bytes on the wire.
	buf, err := packet.NewRandomPacket()
	if err != nil {
		return nil, protoerr.Wrap(protoerr.IoFailure, err)
	}
	if err := packet.PlaceRequest(&buf, jsonRPC); err != nil {
		return nil, protoerr.Wrap(protoerr.SizeViolation, err)
	}

	keys, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return nil, protoerr.Wrap(protoerr.HandshakeFailure, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	conn, err := e.cfg.Transport.Dial(ctx, e.cfg.EntryRelay, e.cfg.DialOptions)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.IoFailure, err)
	}
	defer conn.Close()

	// Bound the whole exchange even on carriers without deadlines.
	watchdog := time.AfterFunc(e.cfg.RequestTimeout, func() { conn.Close() })
	defer watchdog.Stop()

	// Handshake: the client writes its public key first, then reads the
	// gateway's. The gateway does the mirror image.
	if _, err := conn.Write(keys.Public[:]); err != nil {
		return nil, protoerr.Wrap(protoerr.HandshakeFailure, err)
	}

	var serverPub [crypto.KeySize]byte
	if _, err := io.ReadFull(conn, serverPub[:]); err != nil {
		return nil, protoerr.Wrap(protoerr.HandshakeFailure, err)
	}

	shared, err := keys.DH(serverPub)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.HandshakeFailure, err)
	}

	sessionKey, err := crypto.DeriveSessionKey(shared)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.HandshakeFailure, err)
	}
	defer sessionKey.Zero()
	crypto.ZeroKey(&shared)

	// Seal and send the request packet.
	header := packet.Header(&buf)
	payload := packet.Payload(&buf)

	tag, err := sessionKey.Seal(header, payload, true)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.IoFailure, err)
	}
	copy(packet.Tag(&buf)[:], tag[:])

	if _, err := conn.Write(buf[:]); err != nil {
		return nil, protoerr.Wrap(protoerr.IoFailure, err)
	}
	e.metrics.PacketsSent.Inc()

	// Receive and open the response packet.
	var respBuf [packet.Size]byte
	if _, err := io.ReadFull(conn, respBuf[:]); err != nil {
		return nil, protoerr.Wrap(protoerr.IoFailure, err)
	}
	e.metrics.PacketsReceived.Inc()

	respHeader := packet.Header(&respBuf)
	respPayload := packet.Payload(&respBuf)
	respTag := packet.Tag(&respBuf)

	if err := sessionKey.Open(respHeader, respPayload, *respTag, false); err != nil {
		return nil, protoerr.Wrap(protoerr.AuthFailure, err)
	}

	respJSON, err := packet.ExtractJSON(respPayload)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.MalformedEnvelope, err)
	}
	if !jsonrpc.IsResponse(respJSON) {
		return nil, protoerr.New(protoerr.MalformedEnvelope,
			"payload JSON is not a JSON-RPC response")
	}

	return respJSON, nil
}
