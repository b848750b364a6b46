package ratelimiter

// RateLimiter admits or rejects a request at the moment Allow is called.
type RateLimiter interface {
	// Allow returns true if the request may proceed.
	Allow() bool
}
