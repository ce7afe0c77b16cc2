// Package resolver implements the DNS resolver with caching of
// spec.md §4.6: a (host, port)-keyed TTL cache in front of the
// system resolver, with in-flight resolve deduplication.
package resolver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/amqpprox/amqpprox/internal/metrics"
)

// Endpoint is one resolved network address.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.IP, e.Port) }

// LookupFunc resolves a hostname to a set of IPs; swappable for tests
// and for the process-wide override spec.md §4.6 names.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

func defaultLookup(ctx context.Context, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

type cacheEntry struct {
	endpoints []Endpoint
	insertedAt time.Time
}

type cacheKey struct {
	host string
	port int
}

// Resolver is the DNS resolver with caching named in spec.md §4.6.
type Resolver struct {
	mu           sync.RWMutex
	cache        map[cacheKey]cacheEntry
	cacheTimeout time.Duration
	lookup       LookupFunc
	group        singleflight.Group

	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// New builds a Resolver with the given cache timeout and a real system lookup.
func New(cacheTimeout time.Duration) *Resolver {
	return &Resolver{
		cache:        make(map[cacheKey]cacheEntry),
		cacheTimeout: cacheTimeout,
		lookup:       defaultLookup,
	}
}

// SetLookupFunc installs a process-wide override resolver, per
// spec.md §4.6 ("A process-wide override function may be installed
// (testing) that replaces the real resolver").
func (r *Resolver) SetLookupFunc(f LookupFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookup = f
}

// SetCacheTimeout updates the TTL. Freshness is checked against the
// current TTL at lookup time, so the new value also applies to entries
// cached before the change.
func (r *Resolver) SetCacheTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheTimeout = d
}

// SetCachedResolution pre-populates the cache for (host, port).
func (r *Resolver) SetCachedResolution(host string, port int, endpoints []Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[cacheKey{host, port}] = cacheEntry{endpoints: endpoints, insertedAt: time.Now()}
}

// ClearCachedResolution evicts (host, port) from the cache.
func (r *Resolver) ClearCachedResolution(host string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, cacheKey{host, port})
}

// Resolve returns the endpoints for host:port, serving from cache when
// fresh. Concurrent resolves for the same key during an in-flight miss
// share one underlying lookup, per spec.md §4.6.
func (r *Resolver) Resolve(ctx context.Context, host string, port int) ([]Endpoint, error) {
	key := cacheKey{host, port}

	r.mu.RLock()
	entry, ok := r.cache[key]
	timeout := r.cacheTimeout
	lookup := r.lookup
	r.mu.RUnlock()

	if ok && (timeout <= 0 || time.Since(entry.insertedAt) < timeout) {
		metrics.ResolverCacheHits.WithLabelValues("hit").Inc()
		return entry.endpoints, nil
	}
	metrics.ResolverCacheHits.WithLabelValues("miss").Inc()

	type result struct {
		endpoints []Endpoint
		err       error
	}
	sfKey := fmt.Sprintf("%s:%d", host, port)
	v, err, _ := r.group.Do(sfKey, func() (any, error) {
		ips, err := lookup(ctx, host)
		if err != nil {
			return result{}, err
		}
		endpoints := make([]Endpoint, len(ips))
		for i, ip := range ips {
			endpoints[i] = Endpoint{IP: ip, Port: port}
		}
		r.mu.Lock()
		r.cache[key] = cacheEntry{endpoints: endpoints, insertedAt: time.Now()}
		r.mu.Unlock()
		return result{endpoints: endpoints}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(result).endpoints, nil
}

// StartCleanupTimer starts a goroutine evicting entries whose age has
// reached the cache timeout, on the given tick interval. Call
// StopCleanupTimer to stop it; safe to call at most once per Resolver.
func (r *Resolver) StartCleanupTimer(interval time.Duration) {
	r.stopCleanup = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.evictExpired()
			case <-r.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanupTimer stops a previously started cleanup timer.
func (r *Resolver) StopCleanupTimer() {
	r.cleanupOnce.Do(func() {
		if r.stopCleanup != nil {
			close(r.stopCleanup)
		}
	})
}

func (r *Resolver) evictExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cacheTimeout <= 0 {
		return
	}
	now := time.Now()
	for k, e := range r.cache {
		if now.Sub(e.insertedAt) >= r.cacheTimeout {
			delete(r.cache, k)
		}
	}
}
