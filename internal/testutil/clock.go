package testutil

import (
	"sync"
	"time"
)

// Epoch is the fixed starting instant used by deterministic tests.
var Epoch = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

// FixedClock provides a thread-safe, manually advanced wall clock for tests.
//
// Time only moves when Advance is called, so record timestamps and
// retention horizons are reproducible.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock creates a clock frozen at start.
func NewFixedClock(start time.Time) *FixedClock {
	return &FixedClock{now: start}
}

// Now returns the current instant. Its signature matches time.Now so it
// can be passed wherever a clock function is accepted.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
