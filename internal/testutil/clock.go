// Package testutil provides deterministic clocks, ID generators, and
// telemetry builders shared by the package tests.
package testutil

import (
	"fmt"
	"sync"
	"time"
)

// Epoch is the fixed base time for deterministic tests.
var Epoch = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

// Clock is a thread-safe manual clock. Now never advances on its own;
// tests move it explicitly so every timestamp in an assertion is known.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock pinned to Epoch.
func NewClock() *Clock {
	return &Clock{now: Epoch}
}

// NewClockAt creates a clock pinned to t.
func NewClockAt(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current test time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// IDSequence returns a generator producing "prefix-1", "prefix-2", ...
// so command and summary IDs are stable across runs.
func IDSequence(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}
