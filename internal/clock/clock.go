// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock abstracts time so deadlines and aging can be driven by tests.
package clock

import (
	"sync"
	"time"
)

// Clock supplies wall time and a monotonic nanosecond counter.
type Clock interface {
	Now() time.Time
	// Mono returns nanoseconds on a monotonic timeline. Only differences are meaningful.
	Mono() uint64
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Mono() uint64 { return monotonicNanos() }

var std Clock = Real{}

// Now returns the current wall time of the system clock.
func Now() time.Time { return std.Now() }

// Mono returns the system monotonic counter in nanoseconds.
func Mono() uint64 { return std.Mono() }

// Since returns the duration elapsed since a Mono reading taken from c.
func Since(c Clock, mono uint64) time.Duration {
	now := c.Mono()
	if now < mono {
		return 0
	}
	return time.Duration(now - mono)
}

// MockClock is a manually driven clock.
type MockClock struct {
	mu   sync.Mutex
	now  time.Time
	mono uint64
}

// NewMockClock returns a mock clock starting at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start, mono: 1}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *MockClock) Mono() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mono
}

// Advance moves both timelines forward by d. Negative durations are ignored.
func (m *MockClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mono += uint64(d)
	m.mu.Unlock()
}

// Set moves wall time to t; the monotonic timeline only moves forward.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := t.Sub(m.now); d > 0 {
		m.mono += uint64(d)
	}
	m.now = t
}
