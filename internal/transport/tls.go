package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// TLSTransport carries hop links over TLS 1.3. Certificate verification
// is deliberately optional: the tunnel's own AEAD envelope is what
// protects the payload, and relay operators commonly run self-signed
// certificates. Strict verification can still be enabled through the
// dial options for deployments that pin their hop certificates.
type TLSTransport struct {
	mu        sync.Mutex
	listeners []*tlsListener
	closed    bool
}

// NewTLSTransport creates a new TLS transport.
func NewTLSTransport() *TLSTransport {
	return &TLSTransport{}
}

// Type returns the carrier protocol identifier.
func (t *TLSTransport) Type() TransportType {
	return TransportTLS
}

// Dial opens a TLS connection to addr. When opts.Fingerprint names a
// ClientHello preset the handshake is produced by uTLS so the hop blends
// in with the mimicked browser; otherwise the standard library handshake
// is used.
func (t *TLSTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
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

	tlsConfig := dialTLSConfig(opts, []string{ALPNProtocol})

	if opts.Fingerprint.Enabled() {
		conn, err := DialUTLS(ctx, addr, tlsConfig, opts.Fingerprint)
		if err != nil {
			return nil, err
		}
		return &tlsConn{Conn: conn}, nil
	}

	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tls dial failed: %w", err)
	}

	conn := tls.Client(raw, tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake failed: %w", err)
	}

	return &tlsConn{Conn: conn, tc: conn}, nil
}

// Listen binds a TLS listener on addr. opts.TLSConfig must carry a
// server certificate.
func (t *TLSTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for TLS listener")
	}

	tlsConfig := opts.TLSConfig.Clone()
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tls listen failed: %w", err)
	}

	tl := &tlsListener{ln: tls.NewListener(ln, tlsConfig)}
	t.listeners = append(t.listeners, tl)
	return tl, nil
}

// Close shuts down the transport and all listeners.
func (t *TLSTransport) Close() error {
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

type tlsListener struct {
	ln net.Listener
}

func (l *tlsListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if tc, ok := conn.(*tls.Conn); ok {
		return &tlsConn{Conn: conn, tc: tc}, nil
	}
	return &tlsConn{Conn: conn}, nil
}

func (l *tlsListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tlsListener) Close() error {
	return l.ln.Close()
}

// tlsConn adapts a TLS connection to the hop-link Conn interface. TLS
// has a protocol-level close-notify, which maps onto half-close.
type tlsConn struct {
	net.Conn
	tc *tls.Conn
}

func (c *tlsConn) CloseWrite() error {
	if c.tc != nil {
		return c.tc.CloseWrite()
	}
	return nil
}

// dialTLSConfig builds the effective client TLS configuration for a dial.
func dialTLSConfig(opts DialOptions, nextProtos []string) *tls.Config {
	if opts.TLSConfig == nil {
		return &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify,
			NextProtos:         nextProtos,
			MinVersion:         tls.VersionTLS13,
		}
	}

	cfg := opts.TLSConfig.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = nextProtos
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS13
	}
	return cfg
}

// ServerTLSFromPEM builds a server TLS configuration from PEM-encoded
// certificate and key material.
func ServerTLSFromPEM(certPEM, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// GenerateSelfSignedCert generates a self-signed server certificate for a
// hop that has no provisioned certificate. Hop identity is not load
// bearing (the AEAD envelope is), so a throwaway certificate is an
// acceptable default for relay operators.
func GenerateSelfSignedCert(commonName string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore:             now,
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{commonName, "localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: keyDER,
	})

	return certPEM, keyPEM, nil
}
