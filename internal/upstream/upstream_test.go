package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coinstash/penum/internal/protoerr"
)

func TestForward_Success(t *testing.T) {
	var gotBody []byte
	var gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte(`{"jsonrpc":"2.0","result":"0x10","id":1}`))
	}))
	defer srv.Close()

	f := NewHTTPForwarder(5 * time.Second)
	req := []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`)

	resp, err := f.Forward(context.Background(), srv.URL, req)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if string(resp) != `{"jsonrpc":"2.0","result":"0x10","id":1}` {
		t.Errorf("response = %s", resp)
	}
	if string(gotBody) != string(req) {
		t.Errorf("provider saw body %s", gotBody)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
}

func TestForward_NoClientIdentifyingHeaders(t *testing.T) {
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := NewHTTPForwarder(5 * time.Second)
	f.Forward(context.Background(), srv.URL, []byte(`{"jsonrpc":"2.0","method":"eth_call","id":1}`))

	for _, h := range []string{"X-Forwarded-For", "Forwarded", "Via", "Cookie", "Authorization", "Referer"} {
		if headers.Get(h) != "" {
			t.Errorf("header %s leaked upstream: %q", h, headers.Get(h))
		}
	}
}

func TestForward_Non2xxStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewHTTPForwarder(5 * time.Second)
	_, err := f.Forward(context.Background(), srv.URL, []byte(`{}`))
	if !protoerr.HasClass(err, protoerr.UpstreamFailure) {
		t.Fatalf("expected UpstreamFailure, got %v", err)
	}
}

func TestForward_InvalidJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	f := NewHTTPForwarder(5 * time.Second)
	_, err := f.Forward(context.Background(), srv.URL, []byte(`{}`))
	if !protoerr.HasClass(err, protoerr.UpstreamFailure) {
		t.Fatalf("expected UpstreamFailure, got %v", err)
	}
}

func TestForward_ConnectionRefused(t *testing.T) {
	f := NewHTTPForwarder(time.Second)
	_, err := f.Forward(context.Background(), "http://127.0.0.1:1", []byte(`{}`))
	if !protoerr.HasClass(err, protoerr.UpstreamFailure) {
		t.Fatalf("expected UpstreamFailure, got %v", err)
	}
}

func TestForward_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := NewHTTPForwarder(10 * time.Second)
	if _, err := f.Forward(ctx, srv.URL, []byte(`{}`)); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
