package jsonrpc

// supportedMethods is the wallet-facing allow-list. Requests for any
// other method are rejected at the HTTP listener with CodeMethodNotFound
// before a tunnel connection is attempted.
var supportedMethods = map[string]struct{}{
	"eth_call":                  {},
	"eth_getBalance":            {},
	"eth_blockNumber":           {},
	"eth_sendRawTransaction":    {},
	"eth_getTransactionReceipt": {},
}

// MethodSupported reports whether the wallet-facing listener accepts the
// method.
func MethodSupported(method string) bool {
	_, ok := supportedMethods[method]
	return ok
}

// SupportedMethods returns the allow-list for display surfaces.
func SupportedMethods() []string {
	out := make([]string, 0, len(supportedMethods))
	for m := range supportedMethods {
		out = append(out, m)
	}
	return out
}
