package testutil

import "sync"

// DeterministicClock is a manually driven millisecond clock for tests.
//
// It satisfies syncer.Clock. Now returns whatever the test last set; time
// only moves through Set, Advance and Next, so sync timestamps in a test (or
// a scenario run) are reproducible.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu  sync.Mutex
	now int64
}

// NewDeterministicClock creates a clock reading start.
func NewDeterministicClock(start int64) *DeterministicClock {
	return &DeterministicClock{now: start}
}

// Now returns the current time.
func (c *DeterministicClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to ms. Moving backwards is allowed: tests use it to
// check that sync timestamps stay monotonic when wall time does not.
func (c *DeterministicClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ms
}

// Advance moves the clock forward by ms and returns the new time.
func (c *DeterministicClock) Advance(ms int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
	return c.now
}

// Next advances the clock by one millisecond and returns the new time.
func (c *DeterministicClock) Next() int64 {
	return c.Advance(1)
}

// Reset moves the clock back to zero.
func (c *DeterministicClock) Reset() {
	c.Set(0)
}
