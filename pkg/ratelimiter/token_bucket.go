package ratelimiter

import (
	"sync"
	"time"
)

// TokenBucket admits requests at a steady rate while permitting bursts up
// to the bucket capacity.
type TokenBucket struct {
	rate     float64 // tokens generated per second
	capacity float64
	tokens   float64
	lastFill time.Time
	mu       sync.Mutex
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		lastFill: time.Now(),
	}
}

// Allow refills the bucket for the elapsed time and consumes one token if
// available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(tb.lastFill); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastFill = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}
