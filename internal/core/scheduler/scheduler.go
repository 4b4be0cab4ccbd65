// Package scheduler provides the repeating and single-shot timers used by the
// rate limiter refill loop and the coalescer debounce. Timers are driven by a
// clockwork.Clock so tests can substitute a fake clock and advance time
// deterministically.
package scheduler

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler starts repeating tasks and delayed callbacks.
type Scheduler struct {
	clock clockwork.Clock
}

// New returns a Scheduler backed by clock. A nil clock uses the real clock.
func New(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{clock: clock}
}

// Clock returns the underlying clock.
func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

// Every runs fn on its own goroutine once per interval until the returned
// Task is stopped. interval must be positive.
func (s *Scheduler) Every(interval time.Duration, fn func()) *Task {
	t := &Task{
		ticker: s.clock.NewTicker(interval),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.run(fn)
	return t
}

// After calls fn on its own goroutine once delay has elapsed. The returned
// function cancels the callback and reports whether it was cancelled before
// firing.
func (s *Scheduler) After(delay time.Duration, fn func()) (cancel func() bool) {
	timer := s.clock.AfterFunc(delay, fn)
	return timer.Stop
}

// Task is a repeating background task owned by its creator.
type Task struct {
	ticker   clockwork.Ticker
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (t *Task) run(fn func()) {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case <-t.ticker.Chan():
			fn()
		}
	}
}

// Stop halts the task and waits for an in-progress tick to return. It is safe
// to call more than once.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() {
		t.ticker.Stop()
		close(t.stop)
	})
	<-t.done
}
