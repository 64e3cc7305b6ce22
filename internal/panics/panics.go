// Package panics turns values caught by recover into errors, so callers can
// tell a crashed callback from an ordinary failure with errors.As.
package panics

import (
	"fmt"
	"runtime/debug"
)

// Error is a recovered panic.
//
// The message carries the operation and the panic value only. Stack holds
// the trace captured at recovery; log it, keep it out of user-facing output.
type Error struct {
	Op    string
	Value any
	Stack string
}

// Recovered wraps v, a value returned by recover, with the stack of the
// panicking goroutine. Call it from the deferred function itself.
func Recovered(op string, v any) *Error {
	return &Error{Op: op, Value: v, Stack: string(debug.Stack())}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return fmt.Sprintf("panic: %v", e.Value)
	}
	return fmt.Sprintf("%s panicked: %v", e.Op, e.Value)
}

// Unwrap returns the panic value when it was itself an error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	err, _ := e.Value.(error)
	return err
}
