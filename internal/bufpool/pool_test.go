package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireSelectsSmallestFittingClass(t *testing.T) {
	p := New([]int{64, 256, 1024})
	h := p.Acquire(100)
	defer h.Release()

	require.Len(t, h.Bytes(), 100)
	stats, spill := p.Statistics()
	require.EqualValues(t, 0, spill)
	require.Equal(t, 256, stats[1].Size)
	require.EqualValues(t, 1, stats[1].CurrentAllocated)
}

func TestAcquireSpillsToHeapWhenOversized(t *testing.T) {
	p := New([]int{64, 256})
	h := p.Acquire(1000)
	defer h.Release()

	require.Len(t, h.Bytes(), 1000)
	_, spill := p.Statistics()
	require.EqualValues(t, 1, spill)
}

func TestReleaseReturnsToClassAndIsIdempotent(t *testing.T) {
	p := New(DefaultClasses)
	h := p.Acquire(32)
	stats, _ := p.Statistics()
	require.EqualValues(t, 1, stats[0].CurrentAllocated)

	h.Release()
	h.Release()

	stats, _ = p.Statistics()
	require.EqualValues(t, 0, stats[0].CurrentAllocated)
	require.EqualValues(t, 1, stats[0].HighWaterMark)
}

func TestHighWaterMarkTracksPeakUsage(t *testing.T) {
	p := New([]int{64})
	a := p.Acquire(10)
	b := p.Acquire(10)
	stats, _ := p.Statistics()
	require.EqualValues(t, 2, stats[0].CurrentAllocated)
	require.EqualValues(t, 2, stats[0].HighWaterMark)

	a.Release()
	c := p.Acquire(10)
	stats, _ = p.Statistics()
	require.EqualValues(t, 2, stats[0].CurrentAllocated)
	require.EqualValues(t, 2, stats[0].HighWaterMark)

	b.Release()
	c.Release()
}
