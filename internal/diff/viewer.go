// Package diff implements diff viewers whose comparison is recomputed in
// the background and applied on the dispatch goroutine.
//
// A Viewer owns at most one recomputation task at a time. Starting a new
// one, or calling AbortRediff, cancels the previous task's indicator and
// discards its result. ScheduleRediff coalesces bursts of content changes
// into one recomputation after a debounce delay.
package diff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/consulo/internal/disposer"
	"github.com/dshills/consulo/internal/logging"
	"github.com/dshills/consulo/internal/panics"
	"github.com/dshills/consulo/internal/progress"
	"github.com/dshills/consulo/internal/ui"
)

// Default timings.
const (
	DefaultDebounce = 300 * time.Millisecond
	DefaultSyncWait = 300 * time.Millisecond
)

// EventType identifies a viewer lifecycle event.
type EventType int

const (
	EventInit EventType = iota
	EventBeforeRediff
	EventAfterRediff
	EventRediffAborted
	EventDispose
)

func (e EventType) String() string {
	switch e {
	case EventInit:
		return "INIT"
	case EventBeforeRediff:
		return "BEFORE_REDIFF"
	case EventAfterRediff:
		return "AFTER_REDIFF"
	case EventRediffAborted:
		return "REDIFF_ABORTED"
	case EventDispose:
		return "DISPOSE"
	default:
		return fmt.Sprintf("EventType(%d)", int(e))
	}
}

// Listener receives viewer events. Listeners always run on the dispatch
// goroutine.
type Listener func(EventType)

// TaskState is the lifecycle state of a recomputation task.
type TaskState int

const (
	TaskQueued TaskState = iota
	TaskRunning
	TaskAborted
	TaskCompleted
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "QUEUED"
	case TaskRunning:
		return "RUNNING"
	case TaskAborted:
		return "ABORTED"
	case TaskCompleted:
		return "COMPLETED"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// Computer performs the comparison.
type Computer interface {
	// PerformRediff runs on a pool goroutine. It should poll ind and return
	// progress.ErrCanceled once it is canceled. The returned function is
	// applied on the dispatch goroutine unless the task was aborted first.
	PerformRediff(ind *progress.Indicator) (func(), error)
}

// ComputerFunc adapts a function to Computer.
type ComputerFunc func(ind *progress.Indicator) (func(), error)

// PerformRediff implements Computer.
func (f ComputerFunc) PerformRediff(ind *progress.Indicator) (func(), error) { return f(ind) }

// Config holds viewer timings.
type Config struct {
	// Debounce is the delay ScheduleRediff waits for further changes.
	Debounce time.Duration

	// SyncWait is how long a synchronous rediff blocks the dispatch
	// goroutine before falling back to asynchronous delivery.
	SyncWait time.Duration
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{Debounce: DefaultDebounce, SyncWait: DefaultSyncWait}
}

type outcome struct {
	apply    func()
	err      error
	canceled bool
}

type task struct {
	id      uint64
	ind     *progress.Indicator
	state   TaskState
	waiting bool
	result  chan outcome
}

// Viewer is the base of every diff viewer: it owns the task queue, the
// listeners and the error state.
//
// Rediff, Init and listener callbacks belong to the dispatch goroutine;
// ScheduleRediff, AbortRediff and the accessors are safe from any goroutine.
type Viewer struct {
	tree     *disposer.Tree
	disp     *ui.Dispatcher
	pool     *ui.Pool
	alarm    *ui.Alarm
	computer Computer
	cfg      Config
	logger   *logging.Logger

	mu        sync.Mutex
	listeners []*Listener
	current   *task
	lastState TaskState
	nextID    uint64
	err       error
	onSlow    func()

	focused  atomic.Bool
	disposed atomic.Bool
}

// Deps are the services a viewer runs on.
type Deps struct {
	Tree       *disposer.Tree
	Dispatcher *ui.Dispatcher
	Pool       *ui.Pool
	Logger     *logging.Logger
}

// NewViewer creates a viewer computing with c and registers it under
// parent.
func NewViewer(deps Deps, parent disposer.Disposable, c Computer, cfg Config) (*Viewer, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.SyncWait < 0 {
		cfg.SyncWait = 0
	}
	v := &Viewer{
		tree:      deps.Tree,
		disp:      deps.Dispatcher,
		pool:      deps.Pool,
		computer:  c,
		cfg:       cfg,
		logger:    logging.OrDefault(deps.Logger).WithComponent("diff"),
		lastState: TaskCompleted,
	}
	v.alarm = ui.NewAlarm(v.disp.Invoke)
	if err := v.tree.Register(parent, v); err != nil {
		return nil, err
	}
	return v, nil
}

// AddListener adds l and returns a function removing it.
func (v *Viewer) AddListener(l Listener) (remove func()) {
	p := &l
	v.mu.Lock()
	v.listeners = append(v.listeners, p)
	v.mu.Unlock()
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		for i, x := range v.listeners {
			if x == p {
				v.listeners = append(v.listeners[:i], v.listeners[i+1:]...)
				return
			}
		}
	}
}

// SetSlowRediffHandler sets a function run on the dispatch goroutine when
// a synchronous rediff outlives the sync wait.
func (v *Viewer) SetSlowRediffHandler(fn func()) {
	v.mu.Lock()
	v.onSlow = fn
	v.mu.Unlock()
}

// SetFocused marks the viewer's window as focused; a focused viewer tries
// to apply every rediff synchronously.
func (v *Viewer) SetFocused(focused bool) { v.focused.Store(focused) }

// Err returns the error of the last completed rediff.
func (v *Viewer) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// State returns the state of the current task, or of the last one when
// none is in flight.
func (v *Viewer) State() TaskState {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current != nil {
		return v.current.state
	}
	return v.lastState
}

// IsDisposed reports whether Dispose ran.
func (v *Viewer) IsDisposed() bool { return v.disposed.Load() }

func (v *Viewer) fire(e EventType) {
	v.mu.Lock()
	ls := make([]*Listener, len(v.listeners))
	copy(ls, v.listeners)
	v.mu.Unlock()
	for _, l := range ls {
		v.safely("listener", func() { (*l)(e) })
	}
}

func (v *Viewer) fireOnDispatch(e EventType) {
	if err := v.disp.InvokeLaterIfNeeded(func() { v.fire(e) }); err != nil {
		v.logger.Debug("event %s dropped: %v", e, err)
	}
}

func (v *Viewer) safely(what string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := panics.Recovered(what, r)
			v.logger.Error("%v\n%s", pe, pe.Stack)
			err = pe
		}
	}()
	fn()
	return nil
}

// Init fires EventInit and starts the first rediff on the dispatch
// goroutine.
func (v *Viewer) Init() {
	if !v.disp.IsDispatchThread() {
		if err := v.disp.Invoke(v.Init); err != nil {
			v.logger.Debug("init dropped: %v", err)
		}
		return
	}
	if v.disposed.Load() {
		return
	}
	v.fire(EventInit)
	v.Rediff(true)
}

// Rediff aborts the current task and starts a new one. Called off the
// dispatch goroutine it is queued there.
//
// During a write action the comparison runs on the dispatch goroutine.
// Otherwise it runs in the pool; when trySync is set or the viewer is
// focused the dispatch goroutine waits up to Config.SyncWait for it and
// applies the result in place.
func (v *Viewer) Rediff(trySync bool) {
	if !v.disp.IsDispatchThread() {
		if err := v.disp.Invoke(func() { v.Rediff(trySync) }); err != nil {
			v.logger.Debug("rediff dropped: %v", err)
		}
		return
	}
	if v.disposed.Load() {
		return
	}

	if v.abort() {
		v.fire(EventRediffAborted)
	}
	v.fire(EventBeforeRediff)
	if v.disposed.Load() {
		return
	}

	wait := trySync || v.focused.Load()
	v.mu.Lock()
	v.nextID++
	t := &task{
		id:      v.nextID,
		ind:     progress.NewIndicator(context.Background()),
		state:   TaskQueued,
		waiting: wait,
		result:  make(chan outcome, 1),
	}
	v.current = t
	v.mu.Unlock()

	if v.disp.IsWriteActionInProgress() {
		v.apply(t, v.compute(t))
		return
	}

	if err := v.pool.Submit(func() { v.deliver(t, v.compute(t)) }); err != nil {
		v.apply(t, outcome{err: fmt.Errorf("schedule rediff: %w", err)})
		return
	}
	if !wait {
		return
	}

	timer := time.NewTimer(v.cfg.SyncWait)
	defer timer.Stop()
	select {
	case out := <-t.result:
		v.apply(t, out)
	case <-timer.C:
		v.mu.Lock()
		t.waiting = false
		select {
		case out := <-t.result:
			v.mu.Unlock()
			v.apply(t, out)
			return
		default:
		}
		if t.state == TaskAborted {
			v.mu.Unlock()
			return
		}
		slow := v.onSlow
		v.mu.Unlock()
		if slow != nil {
			v.safely("slow rediff handler", slow)
		}
	}
}

// compute runs the computer for t. It never panics.
func (v *Viewer) compute(t *task) (out outcome) {
	v.mu.Lock()
	if t.state == TaskAborted {
		v.mu.Unlock()
		return outcome{canceled: true}
	}
	t.state = TaskRunning
	v.mu.Unlock()

	if t.ind.IsCanceled() {
		return outcome{canceled: true}
	}
	defer func() {
		if r := recover(); r != nil {
			pe := panics.Recovered("rediff", r)
			v.logger.Error("%v\n%s", pe, pe.Stack)
			out = outcome{err: pe}
		}
	}()
	apply, err := v.computer.PerformRediff(t.ind)
	if errors.Is(err, progress.ErrCanceled) {
		return outcome{canceled: true}
	}
	return outcome{apply: apply, err: err}
}

// deliver hands a pool result to a waiting dispatch goroutine, or queues
// its application there.
func (v *Viewer) deliver(t *task, out outcome) {
	v.mu.Lock()
	if t.waiting {
		t.result <- out
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()
	if err := v.disp.Invoke(func() { v.apply(t, out) }); err != nil {
		v.logger.Debug("rediff result dropped: %v", err)
	}
}

// apply runs on the dispatch goroutine. Results of aborted or superseded
// tasks are discarded.
func (v *Viewer) apply(t *task, out outcome) {
	v.mu.Lock()
	if v.current != t || t.state == TaskAborted || v.disposed.Load() {
		v.mu.Unlock()
		return
	}
	if out.canceled {
		t.state = TaskAborted
		v.current = nil
		v.lastState = TaskAborted
		v.mu.Unlock()
		v.fire(EventRediffAborted)
		return
	}
	v.mu.Unlock()

	err := out.err
	if err != nil {
		v.logger.Warn("rediff failed: %v", err)
	} else if out.apply != nil {
		err = v.safely("rediff callback", out.apply)
	}

	v.mu.Lock()
	t.state = TaskCompleted
	v.current = nil
	v.lastState = TaskCompleted
	v.err = err
	v.mu.Unlock()
	v.fire(EventAfterRediff)
}

// abort cancels the pending alarm and the current task. It reports whether
// anything was pending.
func (v *Viewer) abort() bool {
	n := v.alarm.CancelAllRequests()
	v.mu.Lock()
	t := v.current
	if t != nil {
		t.state = TaskAborted
		t.waiting = false
		v.current = nil
		v.lastState = TaskAborted
	}
	v.mu.Unlock()
	if t != nil {
		t.ind.Cancel()
	}
	return t != nil || n > 0
}

// AbortRediff cancels the pending or running rediff. EventRediffAborted
// fires when something was actually canceled.
func (v *Viewer) AbortRediff() {
	if v.abort() {
		v.fireOnDispatch(EventRediffAborted)
	}
}

// ScheduleRediff aborts the current rediff and starts a new one after the
// debounce delay, unless another call re-arms it first.
func (v *Viewer) ScheduleRediff() {
	if v.disposed.Load() {
		return
	}
	v.AbortRediff()
	v.alarm.AddRequest(func() { v.Rediff(false) }, v.cfg.Debounce)
}

// IsRediffScheduled reports whether a debounced rediff is waiting.
func (v *Viewer) IsRediffScheduled() bool { return v.alarm.IsPending() }

// Dispose stops the viewer. It is idempotent and should be called on the
// dispatch goroutine; other callers get a warning. No rediff starts
// afterwards.
func (v *Viewer) Dispose() {
	if !v.tree.IsExecuting(v) {
		if err := v.tree.Dispose(v); err != nil {
			v.logger.Warn("viewer teardown: %v", err)
		}
		return
	}
	if !v.disposed.CompareAndSwap(false, true) {
		return
	}
	if !v.disp.IsDispatchThread() {
		v.logger.Warn("viewer disposed off the dispatch goroutine")
	}
	aborted := v.abort()
	v.alarm.Dispose()
	if aborted {
		v.fireOnDispatch(EventRediffAborted)
	}
	v.fireOnDispatch(EventDispose)
}
