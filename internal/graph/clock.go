package graph

import "sync/atomic"

// Clock is the monotonic id source shared by the whole runtime: node and
// instance ids, activation ids, and batch sequence numbers all come from
// one clock, so every materialization event is totally ordered.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations),
// although the cooperative evaluation model means a single goroutine
// does nearly all the ticking.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock starting at a specific sequence number.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
// Each call returns a unique, strictly increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
