package engine

import "sync/atomic"

// Clock hands out identity generations. The store rejects hydrations and
// mutation results stamped with anything but its current generation.
type Clock struct {
	seq atomic.Int64
}

// NewClock returns a clock whose first generation is 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt returns a clock whose first generation is start+1. Engines
// built around an existing store start from the store's generation.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next draws a fresh generation.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current is the last generation drawn.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// CatchUp moves the clock to gen if it is behind. Used when the store was
// advanced by someone else.
func (c *Clock) CatchUp(gen int64) {
	for {
		cur := c.seq.Load()
		if cur >= gen || c.seq.CompareAndSwap(cur, gen) {
			return
		}
	}
}
