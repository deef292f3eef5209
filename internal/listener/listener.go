// Package listener implements the wallet-facing HTTP surface: a local
// JSON-RPC endpoint that validates the method against the supported set
// and tunnels the request, plus a small static status page. The listener
// translates every tunnel failure into a generic JSON-RPC error object;
// internal error text never reaches the wallet.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coinstash/penum/internal/jsonrpc"
	"github.com/coinstash/penum/internal/logging"
	"github.com/coinstash/penum/internal/metrics"
	"github.com/coinstash/penum/internal/protoerr"
)

// maxRequestBody bounds the wallet request read. Anything near the
// packet payload limit is already unsendable.
const maxRequestBody = 64 * 1024

// RequestSender tunnels a serialized JSON-RPC request and returns the
// response bytes. Implemented by the client tunnel endpoint.
type RequestSender interface {
	SendRPCRequest(ctx context.Context, jsonRPC []byte) ([]byte, error)
}

// Config holds the configuration for the wallet-facing listener.
type Config struct {
	// ListenAddress is the local address the JSON-RPC endpoint binds.
	ListenAddress string

	// Sender tunnels validated requests.
	Sender RequestSender

	// RequestTimeout bounds one wallet request end to end.
	RequestTimeout time.Duration

	// Metrics receives non-content counters. Defaults to the process-wide
	// instance.
	Metrics *metrics.Metrics

	// Logger for logging.
	Logger *slog.Logger
}

// Server is the wallet-facing HTTP listener.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	server  *http.Server
	ln      net.Listener

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewServer creates a listener from cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.ListenAddress == "" {
		return nil, fmt.Errorf("listener: listen address is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("listener: sender is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Server{cfg: cfg, logger: logger, metrics: m}, nil
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	var startErr error
	s.startOnce.Do(func() {
		ln, err := net.Listen("tcp", s.cfg.ListenAddress)
		if err != nil {
			startErr = fmt.Errorf("listener: listen on %s: %w", s.cfg.ListenAddress, err)
			return
		}
		s.ln = ln

		mux := http.NewServeMux()
		mux.HandleFunc("/", s.handleRPC)
		mux.HandleFunc("/status", s.handleStatus)

		s.server = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go s.server.Serve(ln)

		s.logger.Info("rpc listener started", logging.KeyAddress, ln.Addr().String())
	})
	return startErr
}

// Stop shuts the listener down.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.server != nil {
			err = s.server.Close()
		}
	})
	return err
}

// Address returns the listener's bound address.
func (s *Server) Address() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// handleRPC serves the wallet JSON-RPC endpoint.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.metrics.ListenerRequests.WithLabelValues("malformed").Inc()
		writeError(w, nil, jsonrpc.CodeInternalError, "Internal error")
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.metrics.ListenerRequests.WithLabelValues("malformed").Inc()
		writeError(w, nil, jsonrpc.CodeInternalError, "Internal error")
		return
	}

	if !jsonrpc.MethodSupported(req.Method) {
		s.metrics.ListenerRequests.WithLabelValues("method_unsupported").Inc()
		writeError(w, req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("Method not supported: %s", req.Method))
		return
	}

	// Re-serialize so only the canonical envelope fields travel: any
	// extra members the wallet attached stop here.
	tunnelReq, err := json.Marshal(jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		Method:  req.Method,
		Params:  req.Params,
		ID:      req.ID,
	})
	if err != nil {
		s.metrics.ListenerRequests.WithLabelValues("malformed").Inc()
		writeError(w, req.ID, jsonrpc.CodeInternalError, "Internal error")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	respBytes, err := s.cfg.Sender.SendRPCRequest(ctx, tunnelReq)
	if err != nil {
		s.metrics.ListenerRequests.WithLabelValues("tunnel_error").Inc()
		// Class only; the wallet gets a generic error regardless.
		s.logger.Debug("tunnel request failed",
			logging.KeyErrorClass, string(protoerr.ClassOf(err)))
		writeError(w, req.ID, jsonrpc.CodeInternalError, "Internal error")
		return
	}

	if !jsonrpc.IsResponse(respBytes) {
		s.metrics.ListenerRequests.WithLabelValues("tunnel_error").Inc()
		writeError(w, req.ID, jsonrpc.CodeInternalError, "Internal error")
		return
	}

	s.metrics.ListenerRequests.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.Write(respBytes)
}

// handleStatus serves a minimal non-content status document.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"methods": jsonrpc.SupportedMethods(),
	})
}

// setCORS allows browser wallets on any origin to call the local
// endpoint. The listener binds loopback; CORS is the only gate needed.
func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(jsonrpc.NewErrorResponse(id, code, message))
}
