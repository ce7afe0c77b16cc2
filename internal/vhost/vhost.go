// Package vhost holds per-vhost runtime state: pause flag, resource
// map entry, and data-rate limit override, per spec.md's supplemented
// data model (SPEC_FULL.md).
package vhost

import "sync"

// ResourceKind selects whether a vhost maps to a single backend or a farm.
type ResourceKind int

const (
	ResourceNone ResourceKind = iota
	ResourceBackend
	ResourceFarm
)

// Resource is one vhost's routing target.
type Resource struct {
	Kind ResourceKind
	Name string
}

// State is the mutable runtime state tracked for one vhost.
type State struct {
	Paused             bool
	Resource           Resource
	DataRateLimitBytes int
	DataRateAlarmBytes int
}

// Map is the mutex-guarded vhost -> State store, plus an optional
// default farm used when a vhost has no explicit resource mapping.
type Map struct {
	mu          sync.RWMutex
	states      map[string]*State
	defaultFarm string
}

// NewMap builds an empty vhost map.
func NewMap() *Map {
	return &Map{states: make(map[string]*State)}
}

// SetDefaultFarm sets the farm used for vhosts with no explicit mapping.
func (m *Map) SetDefaultFarm(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultFarm = name
}

// DefaultFarm returns the configured default farm, or "" if none.
func (m *Map) DefaultFarm() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultFarm
}

// Get returns a copy of the state for vhost, creating a zero-value
// entry on first access.
func (m *Map) Get(vhost string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[vhost]
	if !ok {
		st = &State{}
		m.states[vhost] = st
	}
	return *st
}

// SetPaused sets the paused flag for vhost.
func (m *Map) SetPaused(vhost string, paused bool) {
	m.withState(vhost, func(st *State) { st.Paused = paused })
}

// SetResource sets the routing target for vhost.
func (m *Map) SetResource(vhost string, r Resource) {
	m.withState(vhost, func(st *State) { st.Resource = r })
}

// ClearResource removes vhost's explicit mapping, reverting it to the default farm.
func (m *Map) ClearResource(vhost string) {
	m.withState(vhost, func(st *State) { st.Resource = Resource{} })
}

// SetDataRateLimit sets the per-vhost data-rate limit override in bytes/sec.
func (m *Map) SetDataRateLimit(vhost string, limit, alarm int) {
	m.withState(vhost, func(st *State) {
		st.DataRateLimitBytes = limit
		st.DataRateAlarmBytes = alarm
	})
}

// Resolve returns the effective routing target for vhost: its explicit
// mapping if set, else the default farm, else ResourceNone.
func (m *Map) Resolve(vhostName string) Resource {
	m.mu.Lock()
	st, ok := m.states[vhostName]
	resource := Resource{}
	if ok {
		resource = st.Resource
	}
	defaultFarm := m.defaultFarm
	m.mu.Unlock()

	if resource.Kind != ResourceNone {
		return resource
	}
	if defaultFarm != "" {
		return Resource{Kind: ResourceFarm, Name: defaultFarm}
	}
	return Resource{}
}

func (m *Map) withState(vhost string, f func(*State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[vhost]
	if !ok {
		st = &State{}
		m.states[vhost] = st
	}
	f(st)
}

// Names returns all vhosts with explicit state, in no particular order.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.states))
	for k := range m.states {
		names = append(names, k)
	}
	return names
}
