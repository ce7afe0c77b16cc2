// Package backend implements the Backend/BackendSet/Farm data model
// and the partition-policy/selector pipeline of spec.md §3 and §4.4-4.5.
package backend

import "sync/atomic"

type atomicCounter struct{ v atomic.Int64 }

func (c *atomicCounter) next(mod int) int {
	if mod <= 0 {
		return 0
	}
	n := c.v.Add(1) - 1
	return int(n % int64(mod))
}

// Backend names a target broker endpoint. Immutable after construction.
type Backend struct {
	Name       string
	Datacenter string
	Host       string
	IP         string
	Port       int
	SendProxy  bool
	TLSEnabled bool
	DNSBased   bool
}

// Endpoint returns the (host-or-ip, port) pair to resolve, selecting
// Host when DNSBased is set and the pre-cached IP otherwise, per
// spec.md §4.3.4 ("attempt_connection").
func (b Backend) Endpoint() (host string, port int) {
	if b.DNSBased {
		return b.Host, b.Port
	}
	return b.IP, b.Port
}

// Partition is an ordered, interchangeable group of backends within a BackendSet.
type Partition []Backend

// Set is an ordered sequence of Partitions. Partitions are tried in
// order; candidates within a partition are interchangeable. Set owns a
// rotating cursor per partition so that successive snapshots (one per
// connection attempt) start at different candidates, spreading load
// across concurrent sessions sharing the same Set.
type Set struct {
	Partitions []Partition
	cursors    []atomicCounter
}

// Len returns the total backend count across all partitions.
func (s Set) Len() int {
	n := 0
	for _, p := range s.Partitions {
		n += len(p)
	}
	return n
}

// NewUniformSet builds a Set with a single partition containing every
// given backend, the starting point Farm.Recompute applies partition
// policies to (spec.md §3 "Farm").
func NewUniformSet(backends []Backend) Set {
	if len(backends) == 0 {
		return Set{}
	}
	p := make(Partition, len(backends))
	copy(p, backends)
	return Set{Partitions: []Partition{p}, cursors: make([]atomicCounter, 1)}
}

// MarkerSnapshot is a per-attempt copy of a Set's rotating partition
// cursors, so concurrent sessions sharing a Set don't all start at
// the same candidate.
type MarkerSnapshot []int

// NewSet builds a Set from already-partitioned backends, allocating
// one rotating cursor per partition.
func NewSet(partitions []Partition) Set {
	return Set{Partitions: partitions, cursors: make([]atomicCounter, len(partitions))}
}

// Snapshot takes the next rotating cursor value for each partition and
// returns it as a MarkerSnapshot, advancing the Set's cursors for the
// next caller. The Set must have been built via NewUniformSet or
// NewSet so its cursor slice matches its partition count.
func (s *Set) Snapshot() MarkerSnapshot {
	snap := make(MarkerSnapshot, len(s.Partitions))
	for i, p := range s.Partitions {
		if i < len(s.cursors) {
			snap[i] = s.cursors[i].next(len(p))
		}
	}
	return snap
}
