// Package server builds the token bucket limiters used for per-session
// throttling of inbound frames.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter allows capacity frames per interval, refilled continuously,
// with bursts of up to capacity.
func newRateLimiter(capacity int, interval time.Duration) *rate.Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	limit := rate.Limit(float64(capacity) / interval.Seconds())
	if limit <= 0 {
		limit = rate.Limit(capacity)
	}
	return rate.NewLimiter(limit, capacity)
}
