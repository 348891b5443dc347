// Package clock provides the time source and cancellable scheduled tasks
// used by the coordination engine. Production code uses Real; tests drive a
// Fake deterministically with Advance.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the injected time source
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (Real) or inline from Advance (Fake)
	// once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a pending AfterFunc call
type Timer interface {
	// Stop prevents the call from firing. It reports whether the call was pending.
	Stop() bool
}

type realClock struct{}

// New returns the wall clock
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Task is a cancellable scheduled callback. A nil *Task is valid and inactive,
// so owners can call Cancel unconditionally when a role changes.
type Task struct {
	mu        sync.Mutex
	timer     Timer
	cancelled bool
}

// After schedules f once after d
func After(c Clock, d time.Duration, f func()) *Task {
	t := &Task{}
	t.mu.Lock()
	t.timer = c.AfterFunc(d, func() {
		t.mu.Lock()
		if t.cancelled {
			t.mu.Unlock()
			return
		}
		t.cancelled = true
		t.mu.Unlock()
		f()
	})
	t.mu.Unlock()
	return t
}

// Every schedules f every interval until cancelled. The next firing is armed
// before f runs, so a slow f never delays or coalesces later firings.
func Every(c Clock, interval time.Duration, f func()) *Task {
	t := &Task{}
	var tick func()
	tick = func() {
		t.mu.Lock()
		if t.cancelled {
			t.mu.Unlock()
			return
		}
		t.timer = c.AfterFunc(interval, tick)
		t.mu.Unlock()
		f()
	}

	t.mu.Lock()
	t.timer = c.AfterFunc(interval, tick)
	t.mu.Unlock()
	return t
}

// Cancel stops the task. It is safe to call more than once and on nil.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Active reports whether the task may still fire
func (t *Task) Active() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.cancelled
}

// Sleep waits for d on c or until ctx is done.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	done := make(chan struct{})
	t := c.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}
