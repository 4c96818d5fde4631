// Package clock abstracts wall-clock time so phase timeouts, batch delays and
// subscription lifetimes can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by timers in the hub
type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer can be stopped before it fires
type Timer interface {
	// Stop reports whether the call prevented the timer from firing
	Stop() bool
}

// Real is a Clock backed by the time package
type Real struct{}

// New returns the wall clock
func New() Clock { return Real{} }

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Manual is a Clock that only moves when Advance is called
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	at    time.Time
	ch    chan time.Time
	fn    func()
	clock *Manual
	done  bool
}

// NewManual returns a manual clock starting at start
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.schedule(d, ch, nil)
	return ch
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	return m.schedule(d, nil, f)
}

func (m *Manual) schedule(d time.Duration, ch chan time.Time, fn func()) *waiter {
	m.mu.Lock()
	w := &waiter{at: m.now.Add(d), ch: ch, fn: fn, clock: m}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()
	if d <= 0 {
		m.Advance(0)
	}
	return w
}

// Waiters returns the number of timers that have not fired yet
func (m *Manual) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// Advance moves the clock forward by d and fires every due timer in deadline
// order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now

	var due, pending []*waiter
	for _, w := range m.waiters {
		if !w.at.After(now) {
			w.done = true
			due = append(due, w)
		} else {
			pending = append(pending, w)
		}
	}
	m.waiters = pending
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, w := range due {
		if w.ch != nil {
			w.ch <- now
		}
		if w.fn != nil {
			go w.fn()
		}
	}
}

func (w *waiter) Stop() bool {
	m := w.clock
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	for i, other := range m.waiters {
		if other == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			break
		}
	}
	return true
}
