package limiter

import "sync/atomic"

// TotalConnectionLimiter is spec.md §3's TotalConnectionLimiter: allow
// while current < limit; acquisition increments, close decrements.
type TotalConnectionLimiter struct {
	limit   atomic.Int64
	current atomic.Int64
}

// NewTotalConnectionLimiter builds a limiter with the given cap.
func NewTotalConnectionLimiter(limit int) *TotalConnectionLimiter {
	t := &TotalConnectionLimiter{}
	t.limit.Store(int64(limit))
	return t
}

// Allow reports whether a new connection may be admitted, without
// consuming a slot — callers that decide to proceed must call Acquire.
func (t *TotalConnectionLimiter) Allow() bool {
	return t.current.Load() < t.limit.Load()
}

// Acquire increments the current count unconditionally; callers must
// have already checked Allow under the same evaluation pass to avoid
// races across the four-slot gate of spec.md §4.5.
func (t *TotalConnectionLimiter) Acquire() {
	t.current.Add(1)
}

// Release decrements the current count on session disconnect.
func (t *TotalConnectionLimiter) Release() {
	for {
		cur := t.current.Load()
		if cur == 0 {
			return
		}
		if t.current.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Current returns the live connection count.
func (t *TotalConnectionLimiter) Current() int64 { return t.current.Load() }

// Limit returns the configured cap.
func (t *TotalConnectionLimiter) Limit() int64 { return t.limit.Load() }

// SetLimit updates the cap in place, used when a process-wide default
// changes and an existing, non-overridden limiter must track it.
func (t *TotalConnectionLimiter) SetLimit(n int) {
	t.limit.Store(int64(n))
}
