package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(n int) []Backend {
	out := make([]Backend, n)
	for i := range out {
		out[i] = Backend{Name: string(rune('a' + i))}
	}
	return out
}

func TestRoundRobinYieldsEveryDistinctBackendThenNone(t *testing.T) {
	set := NewUniformSet(backends(4))
	marker := set.Snapshot()
	sel := RoundRobinSelector{}

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		b, ok := sel.Select(set, marker, i)
		require.True(t, ok)
		seen[b.Name] = true
	}
	require.Len(t, seen, 4)

	_, ok := sel.Select(set, marker, 4)
	require.False(t, ok)
}

func TestRoundRobinAcrossPartitions(t *testing.T) {
	set := NewSet([]Partition{
		{{Name: "p0-a"}, {Name: "p0-b"}},
		{{Name: "p1-a"}},
	})
	marker := set.Snapshot()
	sel := RoundRobinSelector{}

	var order []string
	for i := 0; i < 3; i++ {
		b, ok := sel.Select(set, marker, i)
		require.True(t, ok)
		order = append(order, b.Name)
	}
	require.Equal(t, []string{"p0-a", "p0-b", "p1-a"}, order)

	_, ok := sel.Select(set, marker, 3)
	require.False(t, ok)
}

func TestMarkerSnapshotRotatesStartPosition(t *testing.T) {
	set := NewUniformSet(backends(3))
	sel := RoundRobinSelector{}

	firstMarker := set.Snapshot()
	first, _ := sel.Select(set, firstMarker, 0)

	secondMarker := set.Snapshot()
	second, _ := sel.Select(set, secondMarker, 0)

	require.NotEqual(t, first.Name, second.Name)
}

func TestSingleBackendSelectorYieldsOnceThenNone(t *testing.T) {
	b := Backend{Name: "solo"}
	sel := SingleBackendSelector{Backend: b}

	got, ok := sel.Select(Set{}, nil, 0)
	require.True(t, ok)
	require.Equal(t, b, got)

	_, ok = sel.Select(Set{}, nil, 1)
	require.False(t, ok)
}

func TestAffinityPartitionPolicy(t *testing.T) {
	input := NewUniformSet([]Backend{
		{Name: "a", Datacenter: "dc1"},
		{Name: "b", Datacenter: "dc2"},
		{Name: "c", Datacenter: "dc1"},
	})
	policy := AffinityPartitionPolicy{Datacenter: "dc1"}
	out := policy.Apply(input)

	require.LessOrEqual(t, len(out.Partitions), 2*len(input.Partitions))

	var all []string
	for _, p := range out.Partitions {
		for _, b := range p {
			all = append(all, b.Name)
		}
	}
	require.ElementsMatch(t, []string{"a", "b", "c"}, all)
	require.Equal(t, []string{"a", "c"}, namesOf(out.Partitions[0]))
	require.Equal(t, []string{"b"}, namesOf(out.Partitions[1]))
}

func TestAffinityPartitionPolicyDropsEmptySubPartitions(t *testing.T) {
	input := NewUniformSet([]Backend{{Name: "a", Datacenter: "dc1"}})
	out := AffinityPartitionPolicy{Datacenter: "dc1"}.Apply(input)
	require.Len(t, out.Partitions, 1)
}

func namesOf(p Partition) []string {
	out := make([]string, len(p))
	for i, b := range p {
		out[i] = b.Name
	}
	return out
}

func TestConnectionManagerDelegatesToSelector(t *testing.T) {
	set := NewUniformSet(backends(2))
	cm := NewConnectionManager(set, RoundRobinSelector{})

	b0, ok := cm.GetConnection(0)
	require.True(t, ok)
	b1, ok := cm.GetConnection(1)
	require.True(t, ok)
	require.NotEqual(t, b0.Name, b1.Name)

	_, ok = cm.GetConnection(2)
	require.False(t, ok)
}
