package transport

import (
	"context"
	"testing"
	"time"
)

func TestH2Transport_RoundTrip(t *testing.T) {
	tr := NewH2Transport()
	defer tr.Close()
	roundTrip(t, tr,
		DialOptions{Timeout: 5 * time.Second, InsecureSkipVerify: true},
		selfSignedTLS(t))
}

func TestH2Transport_CustomPath(t *testing.T) {
	tr := NewH2Transport()
	defer tr.Close()

	opts := selfSignedTLS(t)
	opts.Path = "/stream"
	roundTrip(t, tr,
		DialOptions{Timeout: 5 * time.Second, InsecureSkipVerify: true, Path: "/stream"},
		opts)
}

func TestH2Transport_ListenRequiresTLSConfig(t *testing.T) {
	tr := NewH2Transport()
	defer tr.Close()
	if _, err := tr.Listen("127.0.0.1:0", ListenOptions{}); err == nil {
		t.Fatal("expected error listening without TLS config")
	}
}

func TestH2URL(t *testing.T) {
	tests := []struct {
		addr    string
		opts    DialOptions
		want    string
		wantErr bool
	}{
		{"example.com:9000", DialOptions{}, "https://example.com:9000/tunnel", false},
		{"example.com:9000", DialOptions{Path: "/x"}, "https://example.com:9000/x", false},
		{"https://example.com/custom", DialOptions{}, "https://example.com/custom", false},
		{"http://example.com/custom", DialOptions{}, "", true},
	}
	for _, tt := range tests {
		got, err := h2URL(tt.addr, tt.opts)
		if tt.wantErr {
			if err == nil {
				t.Errorf("h2URL(%q): expected error", tt.addr)
			}
			continue
		}
		if err != nil {
			t.Errorf("h2URL(%q) failed: %v", tt.addr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("h2URL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestH2Listener_AcceptContextCancelled(t *testing.T) {
	tr := NewH2Transport()
	defer tr.Close()

	ln, err := tr.Listen("127.0.0.1:0", selfSignedTLS(t))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := ln.Accept(ctx); err == nil {
		t.Fatal("expected error accepting with cancelled context")
	}
}
