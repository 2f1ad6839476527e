// Package recovery provides panic recovery for long-lived goroutines.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrPanic wraps a value recovered from a panic.
var ErrPanic = errors.New("goroutine panicked")

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use this with defer at the start of goroutines:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "receiveLoop")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers from panics, logs them, and passes the panic to
// onPanic as an error wrapping ErrPanic. The supervisor uses it to move a
// connection to its terminal state instead of leaving it half alive.
func RecoverWithCallback(logger *slog.Logger, name string, onPanic func(err error)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if onPanic != nil {
			onPanic(fmt.Errorf("%w: %s: %v", ErrPanic, name, r))
		}
	}
}

func logPanic(logger *slog.Logger, name string, r any) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
