/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package clock provides time sources for components whose state transitions
// depend on wall-clock time (token bucket refills, circuit breaker timeouts).
// Production code uses System; tests use Mock to drive transitions deterministically.
package clock

import (
	"sync"
	"time"
)

// System is a time source backed by the real wall clock.
type System struct{}

// Now returns the current time.
func (System) Now() time.Time {
	return time.Now()
}

// Mock is a manually advanced time source for tests.
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock creates a new Mock set to the given time.
func NewMock(now time.Time) *Mock {
	return &Mock{now: now}
}

// Now returns the mock's current time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock's current time forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock's current time to t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
