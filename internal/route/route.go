// Package route implements the connection selector of spec.md §4.4:
// given a vhost, it consults admission control and the resource map to
// produce a backend connection manager or a rejection status.
package route

import (
	"fmt"

	"github.com/amqpprox/amqpprox/internal/backend"
	"github.com/amqpprox/amqpprox/internal/limiter"
	"github.com/amqpprox/amqpprox/internal/vhost"
)

// Status is the outcome of an AcquireConnection call.
type Status int

const (
	StatusOK Status = iota
	StatusLimit
	StatusNoFarm
	StatusErrorFarm
	StatusNoBackend
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusLimit:
		return "LIMIT"
	case StatusNoFarm:
		return "NO_FARM"
	case StatusErrorFarm:
		return "ERROR_FARM"
	case StatusNoBackend:
		return "NO_BACKEND"
	default:
		return "UNKNOWN"
	}
}

// Selector resolves a vhost to a connection manager, consulting
// admission control before the resource map.
type Selector struct {
	limiters *limiter.Manager
	vhosts   *vhost.Map
	backends *backend.Store
	farms    *backend.FarmStore
}

// New builds a Selector wired to the shared admission, vhost, backend
// and farm stores.
func New(limiters *limiter.Manager, vhosts *vhost.Map, backends *backend.Store, farms *backend.FarmStore) *Selector {
	return &Selector{limiters: limiters, vhosts: vhosts, backends: backends, farms: farms}
}

// AcquireConnection evaluates admission control for vhostName, then
// resolves its resource mapping into a backend.ConnectionManager.
func (s *Selector) AcquireConnection(vhostName string) (backend.ConnectionManager, Status, error) {
	if s.limiters != nil && !s.limiters.AllowNewConnection(vhostName) {
		return backend.ConnectionManager{}, StatusLimit, nil
	}

	resource := s.vhosts.Resolve(vhostName)
	switch resource.Kind {
	case vhost.ResourceNone:
		return backend.ConnectionManager{}, StatusNoFarm, nil

	case vhost.ResourceBackend:
		be, ok := s.backends.Get(resource.Name)
		if !ok {
			return backend.ConnectionManager{}, StatusNoBackend, nil
		}
		set := backend.NewUniformSet([]backend.Backend{be})
		mgr := backend.NewConnectionManager(set, backend.SingleBackendSelector{Backend: be})
		return mgr, StatusOK, nil

	case vhost.ResourceFarm:
		farm, ok := s.farms.Get(resource.Name)
		if !ok {
			return backend.ConnectionManager{}, StatusErrorFarm, fmt.Errorf("route: no such farm %q", resource.Name)
		}
		set, selector := farm.Snapshot()
		if set.Len() == 0 {
			return backend.ConnectionManager{}, StatusNoBackend, nil
		}
		mgr := backend.NewConnectionManager(set, selector)
		return mgr, StatusOK, nil

	default:
		return backend.ConnectionManager{}, StatusNoFarm, nil
	}
}

// ReleaseConnection tells admission control a connection for vhostName
// has closed, freeing its total-connection slot.
func (s *Selector) ReleaseConnection(vhostName string) {
	if s.limiters != nil {
		s.limiters.ConnectionClosed(vhostName)
	}
}
