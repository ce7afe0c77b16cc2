package route

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amqpprox/amqpprox/internal/backend"
	"github.com/amqpprox/amqpprox/internal/limiter"
	"github.com/amqpprox/amqpprox/internal/vhost"
)

func TestAcquireConnectionNoFarmWhenUnmapped(t *testing.T) {
	s := New(limiter.NewManager(nil), vhost.NewMap(), backend.NewStore(), backend.NewFarmStore())
	_, status, err := s.AcquireConnection("/unmapped")
	require.NoError(t, err)
	require.Equal(t, StatusNoFarm, status)
}

func TestAcquireConnectionBackendMapping(t *testing.T) {
	backends := backend.NewStore()
	backends.Put(backend.Backend{Name: "b1", IP: "10.0.0.1", Port: 5672})
	vhosts := vhost.NewMap()
	vhosts.SetResource("/prod", vhost.Resource{Kind: vhost.ResourceBackend, Name: "b1"})

	s := New(limiter.NewManager(nil), vhosts, backends, backend.NewFarmStore())
	mgr, status, err := s.AcquireConnection("/prod")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	b, ok := mgr.GetConnection(0)
	require.True(t, ok)
	require.Equal(t, "b1", b.Name)
}

func TestAcquireConnectionFarmMapping(t *testing.T) {
	farms := backend.NewFarmStore()
	f := farms.GetOrCreate("farm1")
	f.AddMember(backend.Backend{Name: "b1", IP: "10.0.0.1", Port: 5672})
	f.AddMember(backend.Backend{Name: "b2", IP: "10.0.0.2", Port: 5672})

	vhosts := vhost.NewMap()
	vhosts.SetResource("/prod", vhost.Resource{Kind: vhost.ResourceFarm, Name: "farm1"})

	s := New(limiter.NewManager(nil), vhosts, backend.NewStore(), farms)
	mgr, status, err := s.AcquireConnection("/prod")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	_, ok := mgr.GetConnection(0)
	require.True(t, ok)
}

func TestAcquireConnectionErrorFarmWhenMissing(t *testing.T) {
	vhosts := vhost.NewMap()
	vhosts.SetResource("/prod", vhost.Resource{Kind: vhost.ResourceFarm, Name: "ghost"})

	s := New(limiter.NewManager(nil), vhosts, backend.NewStore(), backend.NewFarmStore())
	_, status, err := s.AcquireConnection("/prod")
	require.Error(t, err)
	require.Equal(t, StatusErrorFarm, status)
}

func TestAcquireConnectionRespectsTotalLimit(t *testing.T) {
	lim := limiter.NewManager(nil)
	lim.SetVhostTotalLimit("/prod", 0)

	vhosts := vhost.NewMap()
	vhosts.SetResource("/prod", vhost.Resource{Kind: vhost.ResourceBackend, Name: "b1"})
	backends := backend.NewStore()
	backends.Put(backend.Backend{Name: "b1", IP: "10.0.0.1", Port: 5672})

	s := New(lim, vhosts, backends, backend.NewFarmStore())
	_, status, err := s.AcquireConnection("/prod")
	require.NoError(t, err)
	require.Equal(t, StatusLimit, status)
}

func TestAcquireConnectionDefaultFarmFallback(t *testing.T) {
	farms := backend.NewFarmStore()
	f := farms.GetOrCreate("default")
	f.AddMember(backend.Backend{Name: "b1", IP: "10.0.0.1", Port: 5672})

	vhosts := vhost.NewMap()
	vhosts.SetDefaultFarm("default")

	s := New(limiter.NewManager(nil), vhosts, backend.NewStore(), farms)
	_, status, err := s.AcquireConnection("/anything")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
}
