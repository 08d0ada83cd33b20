// Package clock provides the time source shared by the token, OTP and rate limiting code.
package clock

import (
	"sync"
	"time"
)

// Func returns the current time. Services accept a Func so tests can pin the clock.
type Func func() time.Time

// System is the wall clock in UTC.
func System() time.Time {
	return time.Now().UTC()
}

// OrSystem returns fn, falling back to the system clock when fn is nil.
func OrSystem(fn Func) Func {
	if fn == nil {
		return System
	}
	return fn
}

// Manual is a controllable clock for tests. It is safe for concurrent use.
type Manual struct {
	mu      sync.Mutex
	current time.Time
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{current: start}
}

// Now reports the clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	m.mu.Unlock()
}

// Set pins the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.current = t
	m.mu.Unlock()
}
