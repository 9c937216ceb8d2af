// Package clock provides a mockable time source with one-shot timers and
// tickers. Production code uses Real; tests drive a MockClock by hand so
// that handshake and grace-period deadlines expire on demand.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the interface for time operations.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Until(t time.Time) time.Duration
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is a one-shot deadline.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Ticker delivers ticks at a fixed period until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the system clock.
var Real Clock = &RealClock{}

// RealClock provides the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (c *RealClock) Now() time.Time { return time.Now() }

// Since returns the time elapsed since t.
func (c *RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// Until returns the duration until t.
func (c *RealClock) Until(t time.Time) time.Duration { return time.Until(t) }

// NewTimer wraps time.NewTimer.
func (c *RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

// NewTicker wraps time.NewTicker.
func (c *RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time { return r.t.C }
func (r *realTimer) Stop() bool          { return r.t.Stop() }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// MockClock is a test clock with controllable time. Timers and tickers
// created from it fire only when Advance or Set moves time past their
// deadline.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
	waiters []*mockWaiter
}

type mockWaiter struct {
	clock    *MockClock
	deadline time.Time
	period   time.Duration
	ch       chan time.Time
	stopped  bool
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until returns the duration until t.
func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// NewTimer returns a timer that fires once mock time reaches now+d.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	return c.addWaiter(d, 0)
}

// NewTicker returns a ticker that fires every d of mock time.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	return &mockTicker{w: c.addWaiter(d, d)}
}

func (c *MockClock) addWaiter(d, period time.Duration) *mockWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := &mockWaiter{
		clock:    c,
		deadline: c.current.Add(d),
		period:   period,
		ch:       make(chan time.Time, 1),
	}
	c.waiters = append(c.waiters, w)
	return w
}

// Set sets the mock time and fires every waiter that became due.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.fireLocked()
	c.mu.Unlock()
}

// Advance advances the mock time by d and fires due waiters.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.fireLocked()
	c.mu.Unlock()
}

// Waiters returns the number of live timers and tickers.
func (c *MockClock) Waiters() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.waiters)
}

func (c *MockClock) fireLocked() {
	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})

	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.deadline.After(c.current) {
			kept = append(kept, w)
			continue
		}
		select {
		case w.ch <- c.current:
		default:
		}
		if w.period > 0 {
			for !w.deadline.After(c.current) {
				w.deadline = w.deadline.Add(w.period)
			}
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

func (c *MockClock) remove(target *mockWaiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (w *mockWaiter) C() <-chan time.Time { return w.ch }

func (w *mockWaiter) Stop() bool {
	return w.clock.remove(w)
}

type mockTicker struct{ w *mockWaiter }

func (t *mockTicker) C() <-chan time.Time { return t.w.ch }
func (t *mockTicker) Stop()               { t.w.clock.remove(t.w) }
