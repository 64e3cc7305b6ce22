// Package progress provides cooperative cancellation for background work.
package progress

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrCanceled is returned by CheckCanceled once the indicator is canceled.
var ErrCanceled = errors.New("process canceled")

// Indicator is a cancellation flag polled by long computations at their
// yield points. Cancellation never interrupts a goroutine; the computation
// notices it on its next check.
type Indicator struct {
	ctx      context.Context
	cancel   context.CancelFunc
	text     atomic.Value
	fraction atomic.Uint64
}

// NewIndicator creates an indicator derived from parent. Canceling parent
// cancels the indicator.
func NewIndicator(parent context.Context) *Indicator {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Indicator{ctx: ctx, cancel: cancel}
}

// Cancel cancels the indicator. Safe to call more than once.
func (i *Indicator) Cancel() { i.cancel() }

// IsCanceled reports whether the indicator was canceled.
func (i *Indicator) IsCanceled() bool {
	return i.ctx.Err() != nil
}

// CheckCanceled returns ErrCanceled once the indicator is canceled.
func (i *Indicator) CheckCanceled() error {
	if i.ctx.Err() != nil {
		return ErrCanceled
	}
	return nil
}

// Context returns a context canceled together with the indicator.
func (i *Indicator) Context() context.Context { return i.ctx }

// SetText records a human-readable status line.
func (i *Indicator) SetText(s string) { i.text.Store(s) }

// Text returns the last status line.
func (i *Indicator) Text() string {
	s, _ := i.text.Load().(string)
	return s
}

// SetFraction records progress in permille, clamped to [0, 1000].
func (i *Indicator) SetFraction(permille int) {
	if permille < 0 {
		permille = 0
	}
	if permille > 1000 {
		permille = 1000
	}
	i.fraction.Store(uint64(permille))
}

// Fraction returns progress in permille.
func (i *Indicator) Fraction() int { return int(i.fraction.Load()) }
