package ui

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcher_RunsInOrderOnOneGoroutine(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	var mu sync.Mutex
	var order []int
	var offThread atomic.Bool
	for i := 0; i < 50; i++ {
		i := i
		if err := d.Invoke(func() {
			if !d.IsDispatchThread() {
				offThread.Store(true)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
	}
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if offThread.Load() {
		t.Error("task ran off the dispatch goroutine")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d", i, v)
		}
	}
	if d.IsDispatchThread() {
		t.Error("test goroutine reported as dispatch thread")
	}
}

func TestDispatcher_InvokeAndWaitNested(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	ran := false
	err := d.InvokeAndWait(context.Background(), func() {
		_ = d.InvokeAndWait(context.Background(), func() { ran = true })
	})
	if err != nil {
		t.Fatalf("InvokeAndWait() error = %v", err)
	}
	if !ran {
		t.Error("nested InvokeAndWait did not run in place")
	}
}

func TestDispatcher_InvokeLaterIfNeeded(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	var order []string
	err := d.InvokeAndWait(context.Background(), func() {
		_ = d.InvokeLaterIfNeeded(func() { order = append(order, "inline") })
		order = append(order, "after")
	})
	if err != nil {
		t.Fatalf("InvokeAndWait() error = %v", err)
	}
	if want := []string{"inline", "after"}; !reflect.DeepEqual(order, want) {
		t.Errorf("on the dispatch goroutine order = %v, want %v", order, want)
	}

	var onUI atomic.Bool
	done := make(chan struct{})
	if err := d.InvokeLaterIfNeeded(func() {
		onUI.Store(d.IsDispatchThread())
		close(done)
	}); err != nil {
		t.Fatalf("InvokeLaterIfNeeded() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queued task never ran")
	}
	if !onUI.Load() {
		t.Error("task ran off the dispatch goroutine")
	}

	d.Close()
	if err := d.InvokeLaterIfNeeded(func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("InvokeLaterIfNeeded() after Close error = %v, want ErrClosed", err)
	}
}

func TestDispatcher_PanicDoesNotKillLoop(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	_ = d.Invoke(func() { panic("bad task") })
	ran := false
	if err := d.InvokeAndWait(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("InvokeAndWait() error = %v", err)
	}
	if !ran {
		t.Error("loop stopped after a panic")
	}
}

func TestDispatcher_WriteAction(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	if err := d.RunWriteAction(func() {}); !errors.Is(err, ErrNotDispatchThread) {
		t.Errorf("RunWriteAction() off thread error = %v", err)
	}

	var inside, after bool
	_ = d.InvokeAndWait(context.Background(), func() {
		_ = d.RunWriteAction(func() { inside = d.IsWriteActionInProgress() })
		after = d.IsWriteActionInProgress()
	})
	if !inside || after {
		t.Errorf("write lock inside=%v after=%v", inside, after)
	}
}

func TestDispatcher_CloseDrainsAndRejects(t *testing.T) {
	d := NewDispatcher()
	ran := false
	_ = d.Invoke(func() { ran = true })
	d.Close()
	d.Close()

	if !ran {
		t.Error("queued task dropped by Close")
	}
	if err := d.Invoke(func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Invoke() after Close error = %v", err)
	}
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		_ = p.Submit(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		})
	}
	wg.Wait()
	p.Close()

	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
	if err := p.Submit(func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after Close error = %v", err)
	}
}

func TestPool_PanicRecovered(t *testing.T) {
	p := NewPool(1)
	_ = p.Submit(func() { panic("x") })
	done := make(chan struct{})
	_ = p.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stuck after panic")
	}
	p.Close()
}

func TestAlarm_CoalescesAfterCancel(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()
	a := NewAlarm(d.Invoke)

	var calls atomic.Int32
	for i := 0; i < 10; i++ {
		a.CancelAllRequests()
		a.AddRequest(func() { calls.Add(1) }, 30*time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	_ = d.Flush(context.Background())

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if a.IsPending() {
		t.Error("IsPending() = true after firing")
	}
}

func TestAlarm_CancelStopsQueuedRequest(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()
	a := NewAlarm(d.Invoke)

	block := make(chan struct{})
	_ = d.Invoke(func() { <-block })

	var calls atomic.Int32
	a.AddRequest(func() { calls.Add(1) }, time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	a.CancelAllRequests()
	close(block)
	_ = d.Flush(context.Background())

	if calls.Load() != 0 {
		t.Errorf("canceled request ran %d times", calls.Load())
	}
}

func TestAlarm_Dispose(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()
	a := NewAlarm(d.Invoke)
	a.Dispose()

	var calls atomic.Int32
	a.AddRequest(func() { calls.Add(1) }, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	_ = d.Flush(context.Background())

	if calls.Load() != 0 || a.PendingCount() != 0 {
		t.Error("disposed alarm accepted a request")
	}
}
