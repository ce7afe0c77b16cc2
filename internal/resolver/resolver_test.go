package resolver

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func countingLookup(calls *atomic.Int64, ips []net.IP) LookupFunc {
	return func(ctx context.Context, host string) ([]net.IP, error) {
		calls.Add(1)
		return ips, nil
	}
}

func TestResolveCachesWithinTimeout(t *testing.T) {
	var calls atomic.Int64
	r := New(time.Hour)
	r.SetLookupFunc(countingLookup(&calls, []net.IP{net.ParseIP("10.0.0.1")}))

	_, err := r.Resolve(context.Background(), "broker", 5672)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "broker", 5672)
	require.NoError(t, err)

	require.EqualValues(t, 1, calls.Load())
}

func TestResolveReResolvesAfterTimeout(t *testing.T) {
	var calls atomic.Int64
	r := New(10 * time.Millisecond)
	r.SetLookupFunc(countingLookup(&calls, []net.IP{net.ParseIP("10.0.0.1")}))

	_, err := r.Resolve(context.Background(), "broker", 5672)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = r.Resolve(context.Background(), "broker", 5672)
	require.NoError(t, err)

	require.EqualValues(t, 2, calls.Load())
}

func TestResolveDedupsConcurrentMisses(t *testing.T) {
	var calls atomic.Int64
	r := New(time.Hour)
	block := make(chan struct{})
	r.SetLookupFunc(func(ctx context.Context, host string) ([]net.IP, error) {
		calls.Add(1)
		<-block
		return []net.IP{net.ParseIP("10.0.0.1")}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Resolve(context.Background(), "broker", 5672)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(block)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
}

func TestSetAndClearCachedResolution(t *testing.T) {
	var calls atomic.Int64
	r := New(time.Hour)
	r.SetLookupFunc(countingLookup(&calls, []net.IP{net.ParseIP("10.0.0.2")}))
	r.SetCachedResolution("broker", 5672, []Endpoint{{IP: net.ParseIP("10.0.0.9"), Port: 5672}})

	eps, err := r.Resolve(context.Background(), "broker", 5672)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.9:5672", eps[0].String())
	require.EqualValues(t, 0, calls.Load())

	r.ClearCachedResolution("broker", 5672)
	_, err = r.Resolve(context.Background(), "broker", 5672)
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestCleanupTimerEvictsExpiredEntries(t *testing.T) {
	r := New(5 * time.Millisecond)
	r.SetCachedResolution("broker", 5672, []Endpoint{{IP: net.ParseIP("10.0.0.9"), Port: 5672}})

	r.StartCleanupTimer(2 * time.Millisecond)
	defer r.StopCleanupTimer()

	require.Eventually(t, func() bool {
		r.mu.RLock()
		defer r.mu.RUnlock()
		_, ok := r.cache[cacheKey{"broker", 5672}]
		return !ok
	}, 200*time.Millisecond, 5*time.Millisecond)
}
