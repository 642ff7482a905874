// Package clock provides the time source shared by live monitoring and replay.
package clock

import (
	"sync"
	"time"
)

// Clock interface for time operations (injectable for replay and tests)
type Clock interface {
	Now() time.Time
}

// Real implements Clock using wall time in UTC
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Manual is a clock that only moves when told to
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManual creates a manual clock fixed at t
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the clock to t
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
