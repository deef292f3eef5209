package listener

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coinstash/penum/internal/jsonrpc"
	"github.com/coinstash/penum/internal/logging"
)

// UIServer serves the static status page telling the operator where to
// point their wallet. Informational only; it exposes no controls and no
// request content.
type UIServer struct {
	addr    string
	rpcAddr string
	logger  *slog.Logger

	server   *http.Server
	ln       net.Listener
	stopOnce sync.Once
}

// NewUIServer creates a UI server. rpcAddr is the wallet-facing JSON-RPC
// address shown on the page.
func NewUIServer(addr, rpcAddr string, logger *slog.Logger) (*UIServer, error) {
	if addr == "" {
		return nil, fmt.Errorf("listener: ui listen address is required")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &UIServer{addr: addr, rpcAddr: rpcAddr, logger: logger}, nil
}

// Start binds the UI listener and serves in the background.
func (u *UIServer) Start() error {
	ln, err := net.Listen("tcp", u.addr)
	if err != nil {
		return fmt.Errorf("listener: ui listen on %s: %w", u.addr, err)
	}
	u.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", u.handleIndex)

	u.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go u.server.Serve(ln)

	u.logger.Info("ui available", logging.KeyAddress, ln.Addr().String())
	return nil
}

// Stop shuts the UI server down.
func (u *UIServer) Stop() error {
	var err error
	u.stopOnce.Do(func() {
		if u.server != nil {
			err = u.server.Close()
		}
	})
	return err
}

// Address returns the listener's bound address.
func (u *UIServer) Address() net.Addr {
	if u.ln == nil {
		return nil
	}
	return u.ln.Addr()
}

func (u *UIServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, uiPage, u.rpcAddr, strings.Join(jsonrpc.SupportedMethods(), ", "))
}

const uiPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>Penum RPC - Privacy-Preserving Ethereum Gateway</title>
  <style>
    body { font-family: -apple-system, sans-serif; max-width: 640px; margin: 48px auto; padding: 0 16px; color: #1f2937; }
    h1 { font-size: 28px; margin-bottom: 4px; }
    .subtitle { color: #6b7280; margin-top: 0; }
    .status { color: #10b981; font-weight: 600; }
    code { background: #f3f4f6; padding: 2px 6px; border-radius: 4px; }
    .note { background: #fffbeb; border: 1px solid #fcd34d; border-radius: 8px; padding: 12px 16px; margin-top: 24px; }
  </style>
</head>
<body>
  <p class="status">Penum RPC Running</p>
  <h1>Penum RPC</h1>
  <p class="subtitle">Privacy-Preserving Ethereum Gateway</p>
  <p>Requests are tunnelled through the relay chain as fixed-size
  ciphertext; the RPC provider sees only the gateway's address.</p>
  <div class="note">
    Point your wallet's RPC URL at <code>http://%s</code>.
  </div>
  <p>Supported methods: <code>%s</code></p>
</body>
</html>
`
