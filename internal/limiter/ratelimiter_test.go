package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFixedWindowRateLimiterAllowsUpToLimitPerWindow(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	r := NewFixedWindowRateLimiter(3, time.Second, clock)

	for i := 0; i < 3; i++ {
		require.True(t, r.Allow())
	}
	require.False(t, r.Allow())

	now = now.Add(time.Second)
	require.True(t, r.Allow())
}

func TestFixedWindowRateLimiterWindowReset(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	r := NewFixedWindowRateLimiter(1, 100*time.Millisecond, clock)

	require.True(t, r.Allow())
	require.False(t, r.Allow())

	now = now.Add(99 * time.Millisecond)
	require.False(t, r.Allow())

	now = now.Add(2 * time.Millisecond)
	require.True(t, r.Allow())
}

func TestTotalConnectionLimiter(t *testing.T) {
	l := NewTotalConnectionLimiter(2)
	require.True(t, l.Allow())
	l.Acquire()
	require.True(t, l.Allow())
	l.Acquire()
	require.False(t, l.Allow())

	l.Release()
	require.True(t, l.Allow())
}

func TestTotalConnectionLimiterReleaseFloorsAtZero(t *testing.T) {
	l := NewTotalConnectionLimiter(1)
	l.Release()
	require.EqualValues(t, 0, l.Current())
}

func TestTotalConnectionLimiterSetLimit(t *testing.T) {
	l := NewTotalConnectionLimiter(1)
	l.Acquire()
	require.False(t, l.Allow())
	l.SetLimit(2)
	require.True(t, l.Allow())
}
