package panics

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func catch(op string, fn func()) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = Recovered(op, v)
		}
	}()
	fn()
	return nil
}

func TestRecovered(t *testing.T) {
	err := catch("rediff", func() { panic("boom") })

	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("error %v is not a *Error", err)
	}
	if got := err.Error(); got != "rediff panicked: boom" {
		t.Errorf("Error() = %q", got)
	}
	if !strings.Contains(pe.Stack, "TestRecovered") {
		t.Errorf("Stack does not reach the panicking test:\n%s", pe.Stack)
	}
	if strings.Contains(err.Error(), "goroutine") {
		t.Error("Error() leaks the stack")
	}
}

func TestError_Message(t *testing.T) {
	if got := (&Error{Value: 42}).Error(); got != "panic: 42" {
		t.Errorf("Error() = %q", got)
	}
	var nilErr *Error
	if nilErr.Error() != "" {
		t.Error("nil receiver should give an empty message")
	}
}

func TestError_UnwrapsErrorValues(t *testing.T) {
	err := catch("read", func() { panic(io.ErrUnexpectedEOF) })
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("errors.Is(%v, io.ErrUnexpectedEOF) = false", err)
	}
	if errors.Unwrap(catch("x", func() { panic("text") })) != nil {
		t.Error("string panic value should not unwrap")
	}
}
