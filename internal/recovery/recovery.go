// Package recovery provides panic recovery for connection-handler
// goroutines. A panic in one handler must never take down the process:
// the relay, gateway, and client all serve many independent connections
// from the same process, and a single poisoned connection is not a reason
// to drop the rest.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it with the provided
// logger. Defer it at the top of every connection-handling goroutine.
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
	}
}

// RecoverWithCallback recovers from a panic, logs it, and then invokes
// callback with the recovered value. The callback is used for cleanup or
// counter updates that must happen even on a panicking path.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
		if callback != nil {
			callback(r)
		}
	}
}
