package ui

import (
	"sync"
	"time"
)

// Alarm delivers delayed requests through a scheduling function, usually
// Dispatcher.Invoke or Pool.Submit.
//
// CancelAllRequests also stops requests whose timer already fired but that
// are still waiting in the target queue.
//
// Thread-safety: all methods are safe for concurrent use.
type Alarm struct {
	mu       sync.Mutex
	schedule func(func()) error
	timers   map[uint64]*time.Timer
	nextID   uint64
	gen      uint64
	disposed bool
}

// NewAlarm creates an alarm delivering through schedule.
func NewAlarm(schedule func(func()) error) *Alarm {
	return &Alarm{
		schedule: schedule,
		timers:   make(map[uint64]*time.Timer),
	}
}

// AddRequest runs fn after delay unless canceled first.
func (a *Alarm) AddRequest(fn func(), delay time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return
	}

	a.nextID++
	id := a.nextID
	gen := a.gen

	a.timers[id] = time.AfterFunc(delay, func() {
		a.mu.Lock()
		if _, ok := a.timers[id]; !ok || a.gen != gen {
			a.mu.Unlock()
			return
		}
		delete(a.timers, id)
		a.mu.Unlock()

		_ = a.schedule(func() {
			a.mu.Lock()
			stale := a.gen != gen || a.disposed
			a.mu.Unlock()
			if !stale {
				fn()
			}
		})
	})
}

// CancelAllRequests cancels every pending request and returns how many
// timers were stopped.
func (a *Alarm) CancelAllRequests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.timers)
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
	a.gen++
	return n
}

// PendingCount returns the number of requests whose timers have not fired.
func (a *Alarm) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}

// IsPending reports whether any request is waiting for its timer.
func (a *Alarm) IsPending() bool {
	return a.PendingCount() > 0
}

// Dispose cancels everything and rejects later requests.
func (a *Alarm) Dispose() {
	a.CancelAllRequests()
	a.mu.Lock()
	a.disposed = true
	a.mu.Unlock()
}
