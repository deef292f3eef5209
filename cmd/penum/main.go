// Package main provides the CLI entry point for the penum processes:
// the blind relay hop, the gateway, and the wallet-facing client.
package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coinstash/penum/internal/admin"
	"github.com/coinstash/penum/internal/client"
	"github.com/coinstash/penum/internal/config"
	"github.com/coinstash/penum/internal/gateway"
	"github.com/coinstash/penum/internal/guard"
	"github.com/coinstash/penum/internal/listener"
	"github.com/coinstash/penum/internal/logging"
	"github.com/coinstash/penum/internal/relay"
	"github.com/coinstash/penum/internal/transport"
	"github.com/coinstash/penum/internal/upstream"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "penum",
		Short: "Penum - Privacy-preserving JSON-RPC proxy",
		Long: `Penum tunnels Ethereum JSON-RPC requests through a chain of blind
relays to a remote gateway, as fixed-size onion-style ciphertext. The
RPC provider sees only the gateway's address; the relays see only
opaque 1024-byte packets.`,
		Version: Version,
	}

	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(clientCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func relayCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a blind relay hop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelay(configPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			listenTr, err := transport.New(transport.TransportType(cfg.Transport))
			if err != nil {
				return err
			}
			dialTr, err := transport.New(transport.TransportType(cfg.NextHopTransport))
			if err != nil {
				return err
			}

			listenOpts, err := listenOptions(cfg.TLS, transport.TransportType(cfg.Transport))
			if err != nil {
				return err
			}

			hop, err := relay.NewHop(relay.Config{
				ListenAddress:   cfg.ListenAddr,
				NextHop:         cfg.NextHop,
				ListenTransport: listenTr,
				DialTransport:   dialTr,
				ListenOptions:   listenOpts,
				DialOptions: transport.DialOptions{
					Timeout:            cfg.DialTimeout,
					InsecureSkipVerify: true,
				},
				DialTimeout:      cfg.DialTimeout,
				IdleTimeout:      cfg.IdleTimeout,
				MaxConnections:   cfg.MaxConnections,
				AcceptsPerSecond: cfg.AcceptsPerSecond,
				Logger:           logger,
			})
			if err != nil {
				return err
			}
			if err := hop.Start(); err != nil {
				return err
			}

			stopAdmin, err := startAdmin(cfg.AdminListenAddr, logger)
			if err != nil {
				hop.Stop()
				return err
			}

			waitForSignal()
			stopAdmin()
			return hop.Stop()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "Path to relay configuration file")
	return cmd
}

func gatewayCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the tunnel gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadGateway(configPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			tr, err := transport.New(transport.TransportType(cfg.Transport))
			if err != nil {
				return err
			}
			listenOpts, err := listenOptions(cfg.TLS, transport.TransportType(cfg.Transport))
			if err != nil {
				return err
			}

			srv, err := gateway.NewServer(gateway.Config{
				ListenAddress:  cfg.ListenAddr,
				Transport:      tr,
				ListenOptions:  listenOpts,
				RPCProviderURL: cfg.RPCProviderURL,
				Policy: guard.Policy{
					AllowPublicMempool: cfg.AllowPublicMempool,
					MevBlockerURL:      cfg.MevBlockerURL,
				},
				Forwarder:          upstream.NewHTTPForwarder(cfg.UpstreamTimeout),
				ConnectionDeadline: cfg.ConnectionDeadline,
				Logger:             logger,
			})
			if err != nil {
				return err
			}
			if err := srv.Start(); err != nil {
				return err
			}

			stopAdmin, err := startAdmin(cfg.AdminListenAddr, logger)
			if err != nil {
				srv.Stop()
				return err
			}

			waitForSignal()
			stopAdmin()
			return srv.Stop()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gateway.yaml", "Path to gateway configuration file")
	return cmd
}

func clientCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the wallet-facing client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(configPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			tr, err := transport.New(transport.TransportType(cfg.EntryTransport))
			if err != nil {
				return err
			}

			endpoint, err := client.NewEndpoint(client.Config{
				EntryRelay: cfg.EntryRelay,
				Transport:  tr,
				DialOptions: transport.DialOptions{
					Timeout:            cfg.RequestTimeout,
					InsecureSkipVerify: true,
				},
				RequestTimeout: cfg.RequestTimeout,
				Logger:         logger,
			})
			if err != nil {
				return err
			}

			rpcSrv, err := listener.NewServer(listener.Config{
				ListenAddress:  cfg.RPCListenAddr,
				Sender:         endpoint,
				RequestTimeout: cfg.RequestTimeout,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			if err := rpcSrv.Start(); err != nil {
				return err
			}

			var ui *listener.UIServer
			if cfg.UIListenAddr != "" {
				ui, err = listener.NewUIServer(cfg.UIListenAddr, cfg.RPCListenAddr, logger)
				if err != nil {
					rpcSrv.Stop()
					return err
				}
				if err := ui.Start(); err != nil {
					rpcSrv.Stop()
					return err
				}
			}

			stopAdmin, err := startAdmin(cfg.AdminListenAddr, logger)
			if err != nil {
				rpcSrv.Stop()
				return err
			}

			waitForSignal()
			stopAdmin()
			if ui != nil {
				ui.Stop()
			}
			return rpcSrv.Stop()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "client.yaml", "Path to client configuration file")
	return cmd
}

// listenOptions builds the transport listen options for a hop. TLS-based
// carriers get configured certificate material, or a generated
// self-signed certificate when none is provisioned.
func listenOptions(tlsCfg *config.TLSConfig, tt transport.TransportType) (transport.ListenOptions, error) {
	var opts transport.ListenOptions

	if tt == transport.TransportTCP {
		return opts, nil
	}

	var certPEM, keyPEM []byte
	var err error
	if tlsCfg != nil && tlsCfg.HasCert() && tlsCfg.HasKey() {
		certPEM, err = tlsCfg.GetCertPEM()
		if err != nil {
			return opts, fmt.Errorf("load certificate: %w", err)
		}
		keyPEM, err = tlsCfg.GetKeyPEM()
		if err != nil {
			return opts, fmt.Errorf("load key: %w", err)
		}
	} else if tt != transport.TransportWebSocket {
		// WebSocket may run plaintext behind a reverse proxy; the other
		// TLS carriers need a certificate, provisioned or generated.
		certPEM, keyPEM, err = transport.GenerateSelfSignedCert("penum-hop", 365*24*time.Hour)
		if err != nil {
			return opts, fmt.Errorf("generate certificate: %w", err)
		}
	}

	if certPEM != nil {
		var conf *tls.Config
		conf, err = transport.ServerTLSFromPEM(certPEM, keyPEM)
		if err != nil {
			return opts, err
		}
		opts.TLSConfig = conf
	}

	return opts, nil
}

// startAdmin starts the admin surface when configured and returns a stop
// function (a no-op when disabled).
func startAdmin(addr string, logger *slog.Logger) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}

	srv, err := admin.NewServer(addr, logger)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return func() { srv.Stop() }, nil
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
