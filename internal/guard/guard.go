// Package guard implements the transaction privacy policy the gateway
// consults before forwarding a decrypted request upstream. Its job is to
// keep raw transactions out of the public mempool when the operator has
// said so: a submission either goes to the configured MEV-blocker
// endpoint or it goes nowhere.
package guard

import (
	"encoding/json"
	"strings"

	"github.com/coinstash/penum/internal/jsonrpc"
	"github.com/coinstash/penum/internal/protoerr"
)

// methodSendRawTransaction is the only method the guard inspects.
const methodSendRawTransaction = "eth_sendRawTransaction"

// Route says where the gateway should forward a request.
type Route int

const (
	// RouteDefault forwards to the configured RPC provider.
	RouteDefault Route = iota

	// RouteMevBlocker forwards to the MEV-blocker endpoint instead.
	RouteMevBlocker
)

// Policy is the gateway's transaction privacy configuration.
type Policy struct {
	// AllowPublicMempool permits raw transactions to reach the default
	// provider, and with it the public mempool.
	AllowPublicMempool bool

	// MevBlockerURL is the private submission endpoint raw transactions
	// are diverted to when the public mempool is off limits. Empty means
	// no such endpoint exists.
	MevBlockerURL string
}

// privacyIntentFields are the params[1] object keys that declare the
// sender expects private submission.
var privacyIntentFields = []string{"privacy", "mevBlocker", "flashbots"}

// Evaluate applies the policy to a validated request and returns the
// route its upstream call should take. A PrivacyPolicyViolation error
// means the request must be dropped; the gateway fails silently, never
// telling the peer why.
func (p Policy) Evaluate(req *jsonrpc.Request) (Route, error) {
	if req.Method != methodSendRawTransaction {
		return RouteDefault, nil
	}

	params, err := decodeParams(req.Params)
	if err != nil {
		return RouteDefault, protoerr.Wrap(protoerr.PrivacyPolicyViolation, err)
	}

	if hasPrivacyIntent(params) && !p.AllowPublicMempool && p.MevBlockerURL == "" {
		return RouteDefault, protoerr.New(protoerr.PrivacyPolicyViolation,
			"privacy intent declared but no private route exists")
	}

	if !p.AllowPublicMempool {
		if p.MevBlockerURL == "" {
			return RouteDefault, protoerr.New(protoerr.PrivacyPolicyViolation,
				"public mempool disabled and no mev-blocker configured")
		}
		return RouteMevBlocker, nil
	}

	return RouteDefault, nil
}

// decodeParams validates the transaction submission shape: params is an
// array whose first element is a 0x-prefixed string of at least 10
// characters.
func decodeParams(raw json.RawMessage) ([]json.RawMessage, error) {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, protoerr.New(protoerr.PrivacyPolicyViolation, "params is not an array")
	}
	if len(params) == 0 {
		return nil, protoerr.New(protoerr.PrivacyPolicyViolation, "params is empty")
	}

	var tx string
	if err := json.Unmarshal(params[0], &tx); err != nil {
		return nil, protoerr.New(protoerr.PrivacyPolicyViolation, "params[0] is not a string")
	}
	if !strings.HasPrefix(tx, "0x") || len(tx) < 10 {
		return nil, protoerr.New(protoerr.PrivacyPolicyViolation, "params[0] is not a raw transaction")
	}

	return params, nil
}

// hasPrivacyIntent reports whether params[1] is an object carrying any
// of the declared privacy fields.
func hasPrivacyIntent(params []json.RawMessage) bool {
	if len(params) < 2 {
		return false
	}

	var opts map[string]json.RawMessage
	if err := json.Unmarshal(params[1], &opts); err != nil {
		return false
	}

	for _, field := range privacyIntentFields {
		if _, ok := opts[field]; ok {
			return true
		}
	}
	return false
}
