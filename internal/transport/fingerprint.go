package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"
)

// FingerprintPreset names a TLS ClientHello mimicry preset. A hop that
// dials through a middlebox doing TLS fingerprinting can present the
// handshake of a common browser instead of the Go standard library's.
type FingerprintPreset string

const (
	// FingerprintDisabled uses the standard library TLS handshake.
	FingerprintDisabled FingerprintPreset = "disabled"
	// FingerprintChrome mimics the Chrome browser ClientHello.
	FingerprintChrome FingerprintPreset = "chrome"
	// FingerprintFirefox mimics the Firefox browser ClientHello.
	FingerprintFirefox FingerprintPreset = "firefox"
	// FingerprintSafari mimics the Safari browser ClientHello.
	FingerprintSafari FingerprintPreset = "safari"
	// FingerprintIOS mimics the iOS Safari ClientHello.
	FingerprintIOS FingerprintPreset = "ios"
	// FingerprintRandom randomizes the ClientHello per connection.
	FingerprintRandom FingerprintPreset = "random"
)

var fingerprintClientHelloIDs = map[FingerprintPreset]utls.ClientHelloID{
	FingerprintChrome:  utls.HelloChrome_Auto,
	FingerprintFirefox: utls.HelloFirefox_Auto,
	FingerprintSafari:  utls.HelloSafari_Auto,
	FingerprintIOS:     utls.HelloIOS_Auto,
	FingerprintRandom:  utls.HelloRandomized,
}

// Enabled reports whether the preset asks for a mimicked handshake.
func (p FingerprintPreset) Enabled() bool {
	_, ok := fingerprintClientHelloIDs[p]
	return ok
}

// clientHelloID returns the uTLS ClientHelloID for the preset, falling
// back to the standard Go handshake for unknown names.
func (p FingerprintPreset) clientHelloID() utls.ClientHelloID {
	if id, ok := fingerprintClientHelloIDs[p]; ok {
		return id
	}
	return utls.HelloGolang
}

// DialUTLS dials addr over TCP and completes a TLS handshake shaped by
// the preset's ClientHello. The returned connection behaves like any
// other TLS net.Conn.
func DialUTLS(ctx context.Context, addr string, tlsConfig *tls.Config, preset FingerprintPreset) (net.Conn, error) {
	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	serverName := tlsConfig.ServerName
	if serverName == "" {
		serverName = host
	}

	utlsConfig := &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: tlsConfig.InsecureSkipVerify,
		RootCAs:            tlsConfig.RootCAs,
		MinVersion:         tlsConfig.MinVersion,
		MaxVersion:         tlsConfig.MaxVersion,
	}

	uconn := utls.UClient(raw, utlsConfig, preset.clientHelloID())

	// Override the preset's ALPN list with ours so the listener's
	// protocol negotiation still succeeds behind the borrowed handshake.
	if alpn := tlsConfig.NextProtos; len(alpn) > 0 {
		if err := uconn.BuildHandshakeState(); err != nil {
			raw.Close()
			return nil, fmt.Errorf("build handshake state: %w", err)
		}
		found := false
		for _, ext := range uconn.Extensions {
			if alpnExt, ok := ext.(*utls.ALPNExtension); ok {
				alpnExt.AlpnProtocols = alpn
				found = true
				break
			}
		}
		if !found {
			uconn.Extensions = append(uconn.Extensions, &utls.ALPNExtension{
				AlpnProtocols: alpn,
			})
		}
	}

	if err := uconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("utls handshake failed: %w", err)
	}

	return uconn, nil
}
