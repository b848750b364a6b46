package ratelimiter

import (
	"sync"
	"time"
)

// FixedWindowCounter admits at most limit requests per fixed window. The
// counter resets when a request arrives after the window end, so bursts at
// a window boundary can briefly see up to 2x limit.
type FixedWindowCounter struct {
	limit       int
	window      time.Duration
	count       int
	windowStart time.Time
	mu          sync.Mutex
}

func NewFixedWindowCounter(limit int, window time.Duration) *FixedWindowCounter {
	return &FixedWindowCounter{
		limit:       limit,
		window:      window,
		windowStart: time.Now(),
	}
}

func (c *FixedWindowCounter) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.After(c.windowStart.Add(c.window)) {
		c.windowStart = now
		c.count = 0
	}

	if c.count < c.limit {
		c.count++
		return true
	}
	return false
}
