// Package upstream forwards decrypted JSON-RPC requests from the gateway
// to the RPC provider. Only the JSON-RPC body crosses this boundary: the
// forwarder sets its own minimal headers and carries nothing that could
// identify the tunnelled client.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coinstash/penum/internal/protoerr"
)

// maxResponseBody bounds the provider response read. Responses are
// truncated to the packet payload anyway; reading more than this only
// buys an allocation.
const maxResponseBody = 1 << 20

// Forwarder sends a JSON-RPC request body to an upstream endpoint and
// returns the response body.
type Forwarder interface {
	Forward(ctx context.Context, url string, jsonRPC []byte) ([]byte, error)
}

// HTTPForwarder is the production Forwarder: a plain HTTP POST of the
// JSON-RPC bytes.
type HTTPForwarder struct {
	client *http.Client
}

// NewHTTPForwarder creates a forwarder with the given round-trip timeout.
func NewHTTPForwarder(timeout time.Duration) *HTTPForwarder {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPForwarder{
		client: &http.Client{Timeout: timeout},
	}
}

// Forward POSTs jsonRPC to url and returns the response body. A non-2xx
// status or a body that is not valid JSON is an UpstreamFailure.
func (f *HTTPForwarder) Forward(ctx context.Context, url string, jsonRPC []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonRPC))
	if err != nil {
		return nil, protoerr.Wrap(protoerr.UpstreamFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.UpstreamFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, protoerr.Wrap(protoerr.UpstreamFailure,
			fmt.Errorf("provider returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, protoerr.Wrap(protoerr.UpstreamFailure, err)
	}

	if !json.Valid(body) {
		return nil, protoerr.New(protoerr.UpstreamFailure, "provider response is not valid JSON")
	}

	return body, nil
}
