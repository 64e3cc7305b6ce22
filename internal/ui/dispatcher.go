// Package ui provides the threading model of the platform: one dispatch
// goroutine that owns UI state, a bounded pool for background work, and
// alarms that deliver delayed requests to either of them.
package ui

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dshills/consulo/internal/logging"
)

// Dispatcher errors.
var (
	// ErrClosed indicates the dispatcher or pool no longer accepts work.
	ErrClosed = errors.New("executor closed")

	// ErrNotDispatchThread indicates a UI-only operation was called from
	// another goroutine.
	ErrNotDispatchThread = errors.New("not on the dispatch thread")
)

// Dispatcher runs tasks one at a time, in submission order, on a single
// dedicated goroutine.
type Dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool

	gid        atomic.Int64
	writeDepth atomic.Int32
	logger     *logging.Logger
	done       chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger for panics raised by tasks.
func WithDispatcherLogger(l *logging.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// NewDispatcher starts the dispatch goroutine.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.Nop()
	}
	d.gid.Store(-1)

	started := make(chan struct{})
	go d.loop(started)
	<-started
	return d
}

func (d *Dispatcher) loop(started chan<- struct{}) {
	defer close(d.done)
	d.gid.Store(goid())
	close(started)

	for {
		d.mu.Lock()
		for len(d.tasks) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.tasks) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		task := d.tasks[0]
		d.tasks[0] = nil
		d.tasks = d.tasks[1:]
		d.mu.Unlock()

		d.run(task)
	}
}

func (d *Dispatcher) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithComponent("ui").Error("dispatch task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	task()
}

// Invoke queues fn to run later on the dispatch goroutine.
func (d *Dispatcher) Invoke(fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.tasks = append(d.tasks, fn)
	d.cond.Signal()
	return nil
}

// InvokeLaterIfNeeded runs fn immediately when called on the dispatch
// goroutine and queues it otherwise.
func (d *Dispatcher) InvokeLaterIfNeeded(fn func()) error {
	if d.IsDispatchThread() {
		d.run(fn)
		return nil
	}
	return d.Invoke(fn)
}

// InvokeAndWait runs fn on the dispatch goroutine and waits for it. Called
// on the dispatch goroutine it runs fn in place.
func (d *Dispatcher) InvokeAndWait(ctx context.Context, fn func()) error {
	if d.IsDispatchThread() {
		d.run(fn)
		return nil
	}
	finished := make(chan struct{})
	if err := d.Invoke(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every task queued before the call has run.
func (d *Dispatcher) Flush(ctx context.Context) error {
	return d.InvokeAndWait(ctx, func() {})
}

// IsDispatchThread reports whether the caller runs on the dispatch goroutine.
func (d *Dispatcher) IsDispatchThread() bool {
	return goid() == d.gid.Load()
}

// RunWriteAction runs fn on the dispatch goroutine holding the write lock.
// Write actions nest.
func (d *Dispatcher) RunWriteAction(fn func()) error {
	if !d.IsDispatchThread() {
		return ErrNotDispatchThread
	}
	d.writeDepth.Add(1)
	defer d.writeDepth.Add(-1)
	fn()
	return nil
}

// IsWriteActionInProgress reports whether a write action is running.
func (d *Dispatcher) IsWriteActionInProgress() bool {
	return d.writeDepth.Load() > 0
}

// Close stops accepting tasks, runs the ones already queued and waits for
// the dispatch goroutine to exit. Called on the dispatch goroutine it does
// not wait.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.cond.Broadcast()
	}
	d.mu.Unlock()
	if d.IsDispatchThread() {
		return
	}
	<-d.done
}

// goid returns the id of the calling goroutine, parsed from the header of
// its stack trace ("goroutine 42 [running]:").
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		if id, err := strconv.ParseInt(s[:i], 10, 64); err == nil {
			return id
		}
	}
	return -1
}
