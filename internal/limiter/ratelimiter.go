// Package limiter implements the vhost admission gate of spec.md §4.5:
// a per-vhost fixed-window connection-rate limiter, a total-active-connection
// limiter, alarm-only variants of both, and the session data-rate limiter
// named in §5.
package limiter

import "time"

// Clock is a pluggable time source, per spec.md §4.5 ("Time source is
// pluggable (for testing)").
type Clock func() time.Time

// FixedWindowRateLimiter is spec.md §3's RateLimiter: on each call, if
// now - lastWindowStart >= window, the window resets; then if
// countInWindow < limit, the call is allowed and the count incremented.
type FixedWindowRateLimiter struct {
	limit  int
	window time.Duration
	clock  Clock

	lastWindowStart time.Time
	countInWindow   int
}

// NewFixedWindowRateLimiter builds a limiter with the given per-window
// connection limit and window length. clock defaults to time.Now.
func NewFixedWindowRateLimiter(limit int, window time.Duration, clock Clock) *FixedWindowRateLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &FixedWindowRateLimiter{limit: limit, window: window, clock: clock, lastWindowStart: clock()}
}

// Allow evaluates and, if permitted, consumes one slot in the current window.
func (r *FixedWindowRateLimiter) Allow() bool {
	now := r.clock()
	if now.Sub(r.lastWindowStart) >= r.window {
		r.lastWindowStart = now
		r.countInWindow = 0
	}
	if r.countInWindow < r.limit {
		r.countInWindow++
		return true
	}
	return false
}

// Limit returns the configured per-window connection limit.
func (r *FixedWindowRateLimiter) Limit() int { return r.limit }
