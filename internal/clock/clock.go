// Package clock supplies versioned time to the protocol. Nothing under
// internal/ reads the wall clock directly; the core advances a ManualClock
// to each command's timestamp before applying it.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

// ManualClock is a Clock whose value only moves when told to.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t. Moving backwards is ignored so that replayed
// commands with equal or older timestamps never rewind fee decay.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
