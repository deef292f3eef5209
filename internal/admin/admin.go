// Package admin exposes the operational surface of a penum process: the
// Prometheus metrics endpoint and a liveness probe. Everything served
// here is non-content by construction; the counters it exports carry
// error classes and totals, never methods or payload bytes.
package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coinstash/penum/internal/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics and /healthz on a local admin address.
type Server struct {
	addr    string
	logger  *slog.Logger
	started time.Time

	server   *http.Server
	ln       net.Listener
	stopOnce sync.Once
}

// NewServer creates an admin server bound to addr.
func NewServer(addr string, logger *slog.Logger) (*Server, error) {
	if addr == "" {
		return nil, fmt.Errorf("admin: listen address is required")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{addr: addr, logger: logger}, nil
}

// Start binds the admin listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin: listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.started = time.Now()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.server.Serve(ln)

	s.logger.Info("admin surface started", logging.KeyAddress, ln.Addr().String())
	return nil
}

// Stop shuts the admin server down.
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

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}
