package engine

import (
	"sync"
	"time"
)

// assertionClock stamps parent contributions as they are staged.
//
// Stamps track the store's wall clock in nanoseconds so assertion order
// survives restarts, but never repeat or move backwards: a stalled or
// regressed wall clock yields last+1. Event ordering never uses this clock;
// it comes from the event log sequence.
type assertionClock struct {
	now func() time.Time

	mu   sync.Mutex
	last int64
}

func newAssertionClock(now func() time.Time) *assertionClock {
	return &assertionClock{now: now}
}

// Stamp returns the next assertion sequence.
func (c *assertionClock) Stamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.now().UnixNano()
	if seq <= c.last {
		seq = c.last + 1
	}
	c.last = seq
	return seq
}

// Observe raises the floor past seq, a stamp persisted by an earlier run.
func (c *assertionClock) Observe(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.last {
		c.last = seq
	}
}
