package limiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DataRateLimiter throttles a session's ingress reads to at most Limit
// bytes per second, per spec.md §5 ("a token-bucket-like mechanism
// attached to the socket wrapper"). It wraps golang.org/x/time/rate,
// which is a genuine token bucket, unlike the fixed-window connection
// admission limiter in ratelimiter.go.
type DataRateLimiter struct {
	limiter       *rate.Limiter
	alarmLimiter  *rate.Limiter
	onAlarmBreach func(bytes int)
}

// NewDataRateLimiter builds a limiter allowing bytesPerSecond sustained
// with a burst of the same size. alarmBytesPerSecond, if > 0, is a
// lower soft threshold whose breach invokes onAlarmBreach without
// blocking the read.
func NewDataRateLimiter(bytesPerSecond int, alarmBytesPerSecond int, onAlarmBreach func(bytes int)) *DataRateLimiter {
	d := &DataRateLimiter{onAlarmBreach: onAlarmBreach}
	if bytesPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
	}
	if alarmBytesPerSecond > 0 {
		d.alarmLimiter = rate.NewLimiter(rate.Limit(alarmBytesPerSecond), alarmBytesPerSecond)
	}
	return d
}

// WaitN blocks until n bytes may be read under the hard limit, and
// fires the alarm callback (without blocking the read) if the alarm
// threshold would be breached by this read.
func (d *DataRateLimiter) WaitN(ctx context.Context, n int) error {
	if d.alarmLimiter != nil && !d.alarmLimiter.AllowN(time.Now(), n) && d.onAlarmBreach != nil {
		d.onAlarmBreach(n)
	}
	if d.limiter == nil {
		return nil
	}
	return d.limiter.WaitN(ctx, n)
}
