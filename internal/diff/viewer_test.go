package diff

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/consulo/internal/disposer"
	"github.com/dshills/consulo/internal/panics"
	"github.com/dshills/consulo/internal/progress"
	"github.com/dshills/consulo/internal/ui"
)

type harness struct {
	deps Deps
	root disposer.Disposable
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	disp := ui.NewDispatcher()
	pool := ui.NewPool(2)
	t.Cleanup(func() {
		pool.Close()
		disp.Close()
	})
	return &harness{
		deps: Deps{Tree: disposer.NewTree(), Dispatcher: disp, Pool: pool},
		root: disposer.NewDisposable("test"),
	}
}

func (h *harness) onUI(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.deps.Dispatcher.InvokeAndWait(ctx, fn); err != nil {
		t.Fatalf("InvokeAndWait() error = %v", err)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []EventType
	ch     chan EventType
	offUI  atomic.Bool
}

func record(h *harness, v *Viewer) *recorder {
	r := &recorder{ch: make(chan EventType, 256)}
	v.AddListener(func(e EventType) {
		if !h.deps.Dispatcher.IsDispatchThread() {
			r.offUI.Store(true)
		}
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
		select {
		case r.ch <- e:
		default:
		}
	})
	return r
}

func (r *recorder) snapshot() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventType(nil), r.events...)
}

func (r *recorder) waitFor(t *testing.T, want EventType) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s; got %v", want, r.snapshot())
		}
	}
}

func count(events []EventType, e EventType) int {
	n := 0
	for _, x := range events {
		if x == e {
			n++
		}
	}
	return n
}

func TestViewer_InitAppliesSynchronously(t *testing.T) {
	h := newHarness(t)
	applied := false
	v, err := NewViewer(h.deps, h.root, ComputerFunc(func(*progress.Indicator) (func(), error) {
		return func() { applied = true }, nil
	}), Config{SyncWait: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewViewer() error = %v", err)
	}
	rec := record(h, v)

	h.onUI(t, v.Init)

	want := []EventType{EventInit, EventBeforeRediff, EventAfterRediff}
	if got := rec.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if !applied {
		t.Error("callback not applied")
	}
	if v.State() != TaskCompleted {
		t.Errorf("State() = %v, want COMPLETED", v.State())
	}
	if rec.offUI.Load() {
		t.Error("listener ran off the dispatch goroutine")
	}
}

func TestViewer_ScheduleRediffCoalescesBurst(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	v, _ := NewViewer(h.deps, h.root, ComputerFunc(func(*progress.Indicator) (func(), error) {
		calls.Add(1)
		return func() {}, nil
	}), Config{Debounce: 50 * time.Millisecond})
	rec := record(h, v)

	for i := 0; i < 25; i++ {
		v.ScheduleRediff()
	}
	if !v.IsRediffScheduled() {
		t.Error("IsRediffScheduled() = false after ScheduleRediff")
	}
	rec.waitFor(t, EventAfterRediff)
	time.Sleep(150 * time.Millisecond)
	_ = h.deps.Dispatcher.Flush(context.Background())

	if n := calls.Load(); n != 1 {
		t.Errorf("PerformRediff calls = %d, want 1", n)
	}
	if n := count(rec.snapshot(), EventAfterRediff); n != 1 {
		t.Errorf("AFTER_REDIFF fired %d times, want 1", n)
	}
}

func TestViewer_AbortDiscardsResult(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	started := make(chan struct{})
	var applied atomic.Bool
	v, _ := NewViewer(h.deps, h.root, ComputerFunc(func(*progress.Indicator) (func(), error) {
		close(started)
		<-release
		return func() { applied.Store(true) }, nil
	}), Config{})
	rec := record(h, v)

	h.onUI(t, func() { v.Rediff(false) })
	<-started
	v.AbortRediff()
	close(release)

	rec.waitFor(t, EventRediffAborted)
	time.Sleep(50 * time.Millisecond)
	_ = h.deps.Dispatcher.Flush(context.Background())

	if applied.Load() {
		t.Error("aborted callback was applied")
	}
	if got := rec.snapshot(); count(got, EventAfterRediff) != 0 {
		t.Errorf("events = %v, want no AFTER_REDIFF", got)
	}
	if v.State() != TaskAborted {
		t.Errorf("State() = %v, want ABORTED", v.State())
	}
}

func TestViewer_NewRediffSupersedesRunning(t *testing.T) {
	h := newHarness(t)
	var n atomic.Int32
	var applied []int32
	var mu sync.Mutex
	v, _ := NewViewer(h.deps, h.root, ComputerFunc(func(ind *progress.Indicator) (func(), error) {
		id := n.Add(1)
		if id == 1 {
			<-ind.Context().Done()
			return nil, ind.CheckCanceled()
		}
		return func() {
			mu.Lock()
			applied = append(applied, id)
			mu.Unlock()
		}, nil
	}), Config{})
	rec := record(h, v)

	h.onUI(t, func() { v.Rediff(false) })
	for n.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	h.onUI(t, func() { v.Rediff(false) })
	rec.waitFor(t, EventAfterRediff)

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(applied, []int32{2}) {
		t.Errorf("applied = %v, want [2]", applied)
	}
	want := []EventType{EventBeforeRediff, EventRediffAborted, EventBeforeRediff, EventAfterRediff}
	if got := rec.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestViewer_ErrorsSurfaceAsState(t *testing.T) {
	tests := []struct {
		name     string
		fn       ComputerFunc
		panicked bool
	}{
		{"error", func(*progress.Indicator) (func(), error) { return nil, errors.New("compare failed") }, false},
		{"panic", func(*progress.Indicator) (func(), error) { panic("compare bug") }, true},
		{"callback panic", func(*progress.Indicator) (func(), error) { return func() { panic("apply bug") }, nil }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			v, _ := NewViewer(h.deps, h.root, tt.fn, Config{SyncWait: 5 * time.Second})
			rec := record(h, v)

			h.onUI(t, func() { v.Rediff(true) })

			if v.Err() == nil {
				t.Error("Err() = nil")
			}
			var pe *panics.Error
			if got := errors.As(v.Err(), &pe); got != tt.panicked {
				t.Errorf("Err() = %v, recovered panic = %v, want %v", v.Err(), got, tt.panicked)
			}
			if count(rec.snapshot(), EventAfterRediff) != 1 {
				t.Errorf("events = %v, want one AFTER_REDIFF", rec.snapshot())
			}
		})
	}
}

func TestViewer_WriteActionComputesOnDispatchThread(t *testing.T) {
	h := newHarness(t)
	var onUI atomic.Bool
	v, _ := NewViewer(h.deps, h.root, ComputerFunc(func(*progress.Indicator) (func(), error) {
		onUI.Store(h.deps.Dispatcher.IsDispatchThread())
		return func() {}, nil
	}), Config{})

	h.onUI(t, func() {
		_ = h.deps.Dispatcher.RunWriteAction(func() { v.Rediff(false) })
		if v.State() != TaskCompleted {
			t.Errorf("State() inside write action = %v, want COMPLETED", v.State())
		}
	})
	if !onUI.Load() {
		t.Error("computation left the dispatch goroutine during a write action")
	}
}

func TestViewer_SlowRediffFallsBackToAsync(t *testing.T) {
	h := newHarness(t)
	v, _ := NewViewer(h.deps, h.root, ComputerFunc(func(*progress.Indicator) (func(), error) {
		time.Sleep(100 * time.Millisecond)
		return func() {}, nil
	}), Config{SyncWait: 10 * time.Millisecond})
	rec := record(h, v)
	var slow atomic.Bool
	v.SetSlowRediffHandler(func() { slow.Store(true) })

	h.onUI(t, func() { v.Rediff(true) })
	if !slow.Load() {
		t.Error("slow rediff handler not called")
	}
	if count(rec.snapshot(), EventAfterRediff) != 0 {
		t.Error("result applied before the computation finished")
	}
	rec.waitFor(t, EventAfterRediff)
}

func TestViewer_FocusedWaitsForResult(t *testing.T) {
	h := newHarness(t)
	v, _ := NewViewer(h.deps, h.root, ComputerFunc(func(*progress.Indicator) (func(), error) {
		return func() {}, nil
	}), Config{SyncWait: 5 * time.Second})
	rec := record(h, v)
	v.SetFocused(true)

	h.onUI(t, func() { v.Rediff(false) })
	if count(rec.snapshot(), EventAfterRediff) != 1 {
		t.Errorf("focused viewer did not apply in place: %v", rec.snapshot())
	}
}

func TestViewer_Dispose(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	v, _ := NewViewer(h.deps, h.root, ComputerFunc(func(*progress.Indicator) (func(), error) {
		calls.Add(1)
		return func() {}, nil
	}), Config{Debounce: time.Second})
	rec := record(h, v)

	v.ScheduleRediff()
	h.onUI(t, v.Dispose)
	h.onUI(t, v.Dispose)

	if !v.IsDisposed() || !h.deps.Tree.IsDisposed(v) {
		t.Error("viewer not disposed")
	}
	if err := h.deps.Tree.AssertNoReferenceKeptInTree(v); err != nil {
		t.Errorf("AssertNoReferenceKeptInTree() = %v", err)
	}

	v.ScheduleRediff()
	h.onUI(t, func() { v.Rediff(true) })
	time.Sleep(50 * time.Millisecond)
	_ = h.deps.Dispatcher.Flush(context.Background())

	if calls.Load() != 0 {
		t.Errorf("PerformRediff ran %d times after dispose", calls.Load())
	}
	want := []EventType{EventRediffAborted, EventDispose}
	if got := rec.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestViewer_DisposedWithParent(t *testing.T) {
	h := newHarness(t)
	v, _ := NewViewer(h.deps, h.root, ComputerFunc(func(*progress.Indicator) (func(), error) {
		return nil, nil
	}), Config{})
	rec := record(h, v)

	h.onUI(t, func() { _ = h.deps.Tree.Dispose(h.root) })
	if !v.IsDisposed() {
		t.Fatal("viewer survived its parent")
	}
	if got := rec.snapshot(); !reflect.DeepEqual(got, []EventType{EventDispose}) {
		t.Errorf("events = %v, want [DISPOSE]", got)
	}
}
