// Package bufpool implements the size-classed buffer arena named in
// spec.md §4.7: scoped handles backed by fixed size classes, with
// heap spillover when no class fits.
package bufpool

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/amqpprox/amqpprox/internal/metrics"
)

// DefaultClasses are the size classes the pool is seeded with by
// default; size tuning beyond this default set is the external-collaborator
// concern spec.md §1 names, so this slice is the only policy decision
// this package makes.
var DefaultClasses = []int{32, 64, 128, 256, 512, 1024, 4096, 16384, 32768, 65536, 150000}

type class struct {
	size      int
	free      sync.Pool
	allocated atomic.Int64
	highWater atomic.Int64
}

// Pool is a size-classed free-list arena. The zero value is not
// usable; construct with New.
type Pool struct {
	classes   []*class
	spillover atomic.Int64
}

// New builds a Pool with the given size classes, sorted ascending.
// Classes <= 0 are ignored.
func New(classSizes []int) *Pool {
	sizes := append([]int(nil), classSizes...)
	sort.Ints(sizes)

	p := &Pool{}
	for _, s := range sizes {
		if s <= 0 {
			continue
		}
		size := s
		c := &class{size: size}
		c.free.New = func() any {
			buf := make([]byte, size)
			return &buf
		}
		p.classes = append(p.classes, c)
	}
	return p
}

// Handle is a scoped, single-owner buffer. Its zero value is invalid;
// obtain one via Pool.Acquire. A Handle must not be copied after
// first use — treat it as move-only and always defer Release.
type Handle struct {
	pool    *Pool
	class   *class
	buf     []byte
	backing *[]byte
}

// Bytes returns the handle's buffer, usable up to its full capacity.
func (h *Handle) Bytes() []byte { return h.buf }

// Release returns the buffer to its size class, or drops it if it was
// heap-spilled. Safe to call multiple times; subsequent calls are no-ops.
func (h *Handle) Release() {
	if h == nil || h.buf == nil {
		return
	}
	if h.class != nil {
		h.class.allocated.Add(-1)
		metrics.BufferPoolInUse.WithLabelValues(strconv.Itoa(h.class.size)).Dec()
		h.class.free.Put(h.backing)
	}
	h.buf = nil
	h.backing = nil
	h.class = nil
}

// Acquire returns a handle backed by the smallest class >= size, or a
// heap-allocated buffer (incrementing the spillover counter) if no
// class fits.
func (p *Pool) Acquire(size int) *Handle {
	for _, c := range p.classes {
		if c.size >= size {
			backing := c.free.Get().(*[]byte)
			buf := (*backing)[:size]
			n := c.allocated.Add(1)
			metrics.BufferPoolInUse.WithLabelValues(strconv.Itoa(c.size)).Inc()
			for {
				hw := c.highWater.Load()
				if n <= hw || c.highWater.CompareAndSwap(hw, n) {
					break
				}
			}
			return &Handle{pool: p, class: c, buf: buf, backing: backing}
		}
	}
	p.spillover.Add(1)
	metrics.BufferPoolSpillover.Inc()
	buf := make([]byte, size)
	return &Handle{pool: p, buf: buf}
}

// ClassStats is one size class's utilization snapshot.
type ClassStats struct {
	Size             int
	CurrentAllocated int64
	HighWaterMark    int64
}

// Statistics returns a snapshot of every size class plus the
// heap-spillover counter, per spec.md §4.7's get_statistics.
func (p *Pool) Statistics() (classes []ClassStats, spillover int64) {
	for _, c := range p.classes {
		classes = append(classes, ClassStats{
			Size:             c.size,
			CurrentAllocated: c.allocated.Load(),
			HighWaterMark:    c.highWater.Load(),
		})
	}
	return classes, p.spillover.Load()
}
