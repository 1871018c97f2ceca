package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-connection token bucket that admits at most limit
// events in any window. Half of limit is available as an initial burst; the
// rest refills evenly across the window.
type RateLimiter struct {
	l *rate.Limiter
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}

	burst := (limit + 1) / 2
	interval := window
	if refill := limit - burst; refill > 0 {
		interval = window / time.Duration(refill)
	}
	return &RateLimiter{
		l: rate.NewLimiter(rate.Every(interval), burst),
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	return r.l.AllowN(now, 1)
}
