package backend

import "sync"

// Farm is a named group of backend members plus a selection/partition
// policy, per spec.md §3. Mutations recompute the current BackendSet:
// start with a single partition containing every member backend, then
// apply each partition policy in order.
type Farm struct {
	mu         sync.RWMutex
	name       string
	members    map[string]Backend
	order      []string
	selector   Selector
	policies   []PartitionPolicy
	currentSet Set
}

// NewFarm builds an empty Farm with a round-robin selector, matching
// spec.md §3's default selector for farms with no selector configured.
func NewFarm(name string) *Farm {
	f := &Farm{
		name:     name,
		members:  make(map[string]Backend),
		selector: RoundRobinSelector{},
	}
	f.recomputeLocked()
	return f
}

// Name returns the farm's name.
func (f *Farm) Name() string { return f.name }

// AddMember adds or replaces a backend member and recomputes the set.
func (f *Farm) AddMember(b Backend) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.members[b.Name]; !exists {
		f.order = append(f.order, b.Name)
	}
	f.members[b.Name] = b
	f.recomputeLocked()
}

// RemoveMember removes a backend member by name and recomputes the set.
func (f *Farm) RemoveMember(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.members[name]; !exists {
		return
	}
	delete(f.members, name)
	for i, n := range f.order {
		if n == name {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	f.recomputeLocked()
}

// SetSelector replaces the farm's backend selector and recomputes the set.
func (f *Farm) SetSelector(s Selector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selector = s
	f.recomputeLocked()
}

// AddPartitionPolicy appends a partition policy and recomputes the set.
func (f *Farm) AddPartitionPolicy(p PartitionPolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies = append(f.policies, p)
	f.recomputeLocked()
}

// Snapshot returns the farm's current BackendSet and Selector. The
// returned Set is the live value the farm swaps on mutation; callers
// should treat it as immutable for the duration of one connection
// attempt, per DESIGN_NOTES.md's "farm mutation atomically swaps it".
func (f *Farm) Snapshot() (Set, Selector) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.currentSet, f.selector
}

func (f *Farm) recomputeLocked() {
	backends := make([]Backend, 0, len(f.order))
	for _, name := range f.order {
		backends = append(backends, f.members[name])
	}
	set := NewUniformSet(backends)
	for _, p := range f.policies {
		set = p.Apply(set)
	}
	f.currentSet = set
}
