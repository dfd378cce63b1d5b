package com

import "sync/atomic"

// Counter is a concurrency-safe uint64 counter that, in addition to its current value,
// keeps track of the total of all values ever added, even across calls to Reset.
type Counter struct {
	val   atomic.Uint64
	total atomic.Uint64
}

// Add adds delta to both the current value and the running total.
func (c *Counter) Add(delta uint64) {
	c.val.Add(delta)
	c.total.Add(delta)
}

// Val returns the counter's current value.
func (c *Counter) Val() uint64 {
	return c.val.Load()
}

// Total returns the sum of all values ever added via Add, regardless of any Reset calls.
func (c *Counter) Total() uint64 {
	return c.total.Load()
}

// Reset sets the current value back to zero, without affecting Total, and returns the value
// just before the reset.
func (c *Counter) Reset() uint64 {
	return c.val.Swap(0)
}
