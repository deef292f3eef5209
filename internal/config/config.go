// Package config provides configuration parsing and validation for the
// relay, gateway, and client processes.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/coinstash/penum/internal/transport"
	"gopkg.in/yaml.v3"
)

// redactedValue is the placeholder written in place of sensitive values
// by the Redacted helpers.
const redactedValue = "[REDACTED]"

// TLSConfig carries certificate material for a transport that terminates
// TLS directly (TLSTransport, and the TLS layer underneath H2/WS/QUIC).
// Either a file path or inline PEM content may be given for each of
// cert/key; inline PEM takes precedence.
type TLSConfig struct {
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	CertPEM            string `yaml:"cert_pem"`
	KeyPEM             string `yaml:"key_pem"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// HasCert reports whether a certificate is configured, by file or PEM.
func (t *TLSConfig) HasCert() bool { return t.Cert != "" || t.CertPEM != "" }

// HasKey reports whether a private key is configured, by file or PEM.
func (t *TLSConfig) HasKey() bool { return t.Key != "" || t.KeyPEM != "" }

// GetCertPEM returns the certificate PEM content, reading from file if necessary.
func (t *TLSConfig) GetCertPEM() ([]byte, error) {
	if t.CertPEM != "" {
		return []byte(t.CertPEM), nil
	}
	if t.Cert != "" {
		return os.ReadFile(t.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if necessary.
func (t *TLSConfig) GetKeyPEM() ([]byte, error) {
	if t.KeyPEM != "" {
		return []byte(t.KeyPEM), nil
	}
	if t.Key != "" {
		return os.ReadFile(t.Key)
	}
	return nil, nil
}

func (t *TLSConfig) redact() TLSConfig {
	cp := *t
	if cp.Key != "" {
		cp.Key = redactedValue
	}
	if cp.KeyPEM != "" {
		cp.KeyPEM = redactedValue
	}
	return cp
}

// isValidTransportName reports whether name is a hop transport this repo
// knows how to construct.
func isValidTransportName(name string) bool {
	switch transport.TransportType(name) {
	case transport.TransportTCP, transport.TransportTLS, transport.TransportQUIC,
		transport.TransportHTTP2, transport.TransportWebSocket:
		return true
	default:
		return false
	}
}

// RelayConfig configures a single blind relay hop. A relay only ever
// knows its own listen address and the single next hop it dials for
// every accepted connection.
type RelayConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	Transport        string        `yaml:"transport"`
	NextHop          string        `yaml:"next_hop"`
	NextHopTransport string        `yaml:"next_hop_transport"`
	TLS              *TLSConfig    `yaml:"tls,omitempty"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	MaxConnections   int           `yaml:"max_connections"`
	AcceptsPerSecond float64       `yaml:"accepts_per_second"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	AdminListenAddr  string        `yaml:"admin_listen_addr"`
}

// DefaultRelayConfig returns sensible defaults for a relay hop.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Transport:        string(transport.TransportTCP),
		NextHopTransport: string(transport.TransportTCP),
		DialTimeout:      10 * time.Second,
		IdleTimeout:      30 * time.Second,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Validate checks a RelayConfig for errors.
func (c *RelayConfig) Validate() error {
	var errs []string
	if c.ListenAddr == "" {
		errs = append(errs, "listen_addr is required")
	}
	if c.NextHop == "" {
		errs = append(errs, "next_hop is required")
	}
	if !isValidTransportName(c.Transport) {
		errs = append(errs, fmt.Sprintf("invalid transport: %s", c.Transport))
	}
	if !isValidTransportName(c.NextHopTransport) {
		errs = append(errs, fmt.Sprintf("invalid next_hop_transport: %s", c.NextHopTransport))
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s", c.LogFormat))
	}
	return joinErrs(errs)
}

// Redacted returns a copy of c with TLS key material removed.
func (c RelayConfig) Redacted() RelayConfig {
	if c.TLS != nil {
		r := c.TLS.redact()
		c.TLS = &r
	}
	return c
}

// GatewayConfig configures the gateway process.
type GatewayConfig struct {
	ListenAddr         string        `yaml:"listen_addr"`
	Transport          string        `yaml:"transport"`
	TLS                *TLSConfig    `yaml:"tls,omitempty"`
	RPCProviderURL     string        `yaml:"rpc_provider_url"`
	AllowPublicMempool bool          `yaml:"allow_public_mempool"`
	MevBlockerURL      string        `yaml:"mev_blocker_url"`
	ConnectionDeadline time.Duration `yaml:"connection_deadline"`
	UpstreamTimeout    time.Duration `yaml:"upstream_timeout"`
	AdminListenAddr    string        `yaml:"admin_listen_addr"`
	LogLevel           string        `yaml:"log_level"`
	LogFormat          string        `yaml:"log_format"`
}

// DefaultGatewayConfig returns sensible defaults for the gateway.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Transport:          string(transport.TransportTCP),
		AllowPublicMempool: true,
		ConnectionDeadline: 30 * time.Second,
		UpstreamTimeout:    15 * time.Second,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Validate checks a GatewayConfig for errors.
func (c *GatewayConfig) Validate() error {
	var errs []string
	if c.ListenAddr == "" {
		errs = append(errs, "listen_addr is required")
	}
	if !isValidTransportName(c.Transport) {
		errs = append(errs, fmt.Sprintf("invalid transport: %s", c.Transport))
	}
	if c.RPCProviderURL == "" {
		errs = append(errs, "rpc_provider_url is required")
	} else if !isValidHTTPURL(c.RPCProviderURL) {
		errs = append(errs, "rpc_provider_url must be an http(s) URL")
	}
	if c.MevBlockerURL != "" && !isValidHTTPURL(c.MevBlockerURL) {
		errs = append(errs, "mev_blocker_url must be an http(s) URL")
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s", c.LogFormat))
	}
	return joinErrs(errs)
}

// Redacted returns a copy of c with TLS key material removed.
func (c GatewayConfig) Redacted() GatewayConfig {
	if c.TLS != nil {
		r := c.TLS.redact()
		c.TLS = &r
	}
	return c
}

// ClientConfig configures the wallet-facing client process.
type ClientConfig struct {
	EntryRelay      string        `yaml:"entry_relay"`
	EntryTransport  string        `yaml:"entry_transport"`
	MiddleRelay     string        `yaml:"middle_relay"`
	Gateway         string        `yaml:"gateway"`
	RPCListenAddr   string        `yaml:"rpc_listen_addr"`
	UIListenAddr    string        `yaml:"ui_listen_addr"`
	ProtocolVersion string        `yaml:"protocol_version"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	AdminListenAddr string        `yaml:"admin_listen_addr"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
}

// DefaultClientConfig returns sensible defaults for the wallet-facing client.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		EntryTransport:  string(transport.TransportTCP),
		ProtocolVersion: "penum-v1",
		RequestTimeout:  30 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Validate checks a ClientConfig for errors.
func (c *ClientConfig) Validate() error {
	var errs []string
	if c.EntryRelay == "" {
		errs = append(errs, "entry_relay is required")
	}
	if !isValidTransportName(c.EntryTransport) {
		errs = append(errs, fmt.Sprintf("invalid entry_transport: %s", c.EntryTransport))
	}
	if c.RPCListenAddr == "" {
		errs = append(errs, "rpc_listen_addr is required")
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s", c.LogFormat))
	}
	return joinErrs(errs)
}

// LoadRelay reads and parses a RelayConfig from a YAML file.
func LoadRelay(path string) (*RelayConfig, error) {
	cfg := DefaultRelayConfig()
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadGateway reads and parses a GatewayConfig from a YAML file.
func LoadGateway(path string) (*GatewayConfig, error) {
	cfg := DefaultGatewayConfig()
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadClient reads and parses a ClientConfig from a YAML file.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// envVarRegex matches ${VAR}, ${VAR:-default}, or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values,
// leaving an unresolved reference untouched rather than failing outright.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func joinErrs(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
}
