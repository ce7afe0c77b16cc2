package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManagerAllowsWithNoSlotsConfigured(t *testing.T) {
	m := NewManager(nil)
	require.True(t, m.AllowNewConnection("/vhost"))
}

func TestManagerRateSlotDenies(t *testing.T) {
	m := NewManager(nil)
	m.SetVhostRateLimit("/vhost", 1, time.Hour)

	require.True(t, m.AllowNewConnection("/vhost"))
	require.False(t, m.AllowNewConnection("/vhost"))
}

func TestManagerRateAlarmSlotDoesNotDeny(t *testing.T) {
	m := NewManager(nil)
	m.SetVhostRateAlarmLimit("/vhost", 1, time.Hour)

	require.True(t, m.AllowNewConnection("/vhost"))
	require.True(t, m.AllowNewConnection("/vhost"))
}

func TestManagerTotalSlotDeniesAndReleases(t *testing.T) {
	m := NewManager(nil)
	m.SetVhostTotalLimit("/vhost", 1)

	require.True(t, m.AllowNewConnection("/vhost"))
	require.False(t, m.AllowNewConnection("/vhost"))

	m.ConnectionClosed("/vhost")
	require.True(t, m.AllowNewConnection("/vhost"))
}

func TestManagerDefaultTotalLimitAppliesAndRefreshes(t *testing.T) {
	m := NewManager(nil)
	m.SetDefaultTotalLimit(1)

	require.True(t, m.AllowNewConnection("/vhost"))
	require.False(t, m.AllowNewConnection("/vhost"))

	m.SetDefaultTotalLimit(2)
	require.True(t, m.AllowNewConnection("/vhost"))
}

func TestManagerEvaluationOrderDeniesOnFirstNonAlarmSlot(t *testing.T) {
	m := NewManager(nil)
	m.SetVhostRateLimit("/vhost", 100, time.Hour)
	m.SetVhostTotalLimit("/vhost", 1)

	require.True(t, m.AllowNewConnection("/vhost"))
	require.False(t, m.AllowNewConnection("/vhost"))
}

func TestManagerDefaultTotalAlarmDiscrepancy(t *testing.T) {
	// Documented Open Question: refreshing the default total-alarm
	// limit only refreshes vhosts that also have a rate override.
	m := NewManager(nil)
	m.SetDefaultTotalAlarmLimit(1)
	require.True(t, m.AllowNewConnection("/vhost")) // instantiates alarm-only total at limit 1, consumes it

	m.SetDefaultTotalAlarmLimit(5)
	// "/vhost" never got a rate override, so its alarm-only total
	// instance was not refreshed and remains at limit 1.
	inst := m.totalAlarmDefaultInstances["/vhost"]
	require.EqualValues(t, 1, inst.Limit())

	m.SetVhostRateLimit("/vhost", 100, time.Hour)
	m.SetDefaultTotalAlarmLimit(9)
	require.EqualValues(t, 9, inst.Limit())
}
