// Package epoch provides the snapshot epoch counter used to detect stale review targets.
package epoch

import "sync/atomic"

// Counter is a monotonically increasing mutation counter. Every git mutation
// performed through the sanctioned helpers, and every ghost snapshot capture,
// bumps it exactly once. The zero value is ready to use and starts at 0.
//
// A Counter is owned explicitly and passed to the components that need it;
// there is no process-wide instance.
type Counter struct {
	v atomic.Uint64
}

// New returns a counter starting at 0.
func New() *Counter {
	return &Counter{}
}

// Bump increments the counter and returns the new value.
func (c *Counter) Bump() uint64 {
	return c.v.Add(1)
}

// Current returns the latest value without mutating it.
func (c *Counter) Current() uint64 {
	return c.v.Load()
}
