package engine

import "sync/atomic"

// Clock is the forrest's monotonic logical clock.
//
// Every transform is stamped with a strictly increasing sequence number when
// it is announced. Journals order entries by this number, so replaying a
// journal applies transforms in the order the forrest produced them.
//
// Clock is safe for concurrent use, though the forrest owner is normally the
// only caller of Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that resumes after start.
// Replay uses it to continue numbering after the last journaled entry.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
