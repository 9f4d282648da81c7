package gateway

import (
	"sync"
	"time"
)

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	requests []time.Time
	now      func() time.Time
}

// NewClientRateLimiter creates a new rate limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(30, time.Minute)
}

// NewClientRateLimiterWithLimits creates a rate limiter allowing limit commands per window
func NewClientRateLimiterWithLimits(limit int, window time.Duration) *ClientRateLimiter {
	return &ClientRateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a command and reports whether it fits in the window.
func (r *ClientRateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)
	if len(r.requests) >= r.limit {
		return false
	}
	r.requests = append(r.requests, now)
	return true
}

// Count returns the number of commands in the current window
func (r *ClientRateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	return len(r.requests)
}

func (r *ClientRateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.window)
	kept := r.requests[:0]
	for _, ts := range r.requests {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.requests = kept
}
