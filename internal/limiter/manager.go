package limiter

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amqpprox/amqpprox/internal/metrics"
)

// RateConfig configures a fixed-window rate limiter's shape.
type RateConfig struct {
	Limit  int
	Window time.Duration
}

// Manager is the ConnectionLimiterManager named in spec.md §5: the
// vhost admission gate composing four limiter slots per vhost
// {rate, rate-alarm-only, total, total-alarm-only}, each independently
// resolvable to a per-vhost override, a process-wide default, or absent.
type Manager struct {
	mu     sync.Mutex
	logger *zap.SugaredLogger

	rateOverride      map[string]*FixedWindowRateLimiter
	rateAlarmOverride map[string]*FixedWindowRateLimiter
	totalOverride     map[string]*TotalConnectionLimiter
	totalAlarmOverride map[string]*TotalConnectionLimiter

	defaultRate      *RateConfig
	defaultRateAlarm *RateConfig
	defaultTotal     *int
	defaultTotalAlarm *int

	// Lazily instantiated, cached total limiters backed by the process
	// default, keyed by vhost, so a live connection count survives
	// across calls even when no operator override exists.
	totalDefaultInstances      map[string]*TotalConnectionLimiter
	totalAlarmDefaultInstances map[string]*TotalConnectionLimiter

	clock Clock
}

// NewManager builds an empty Manager; every slot starts absent.
func NewManager(logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		logger:                     logger,
		rateOverride:               make(map[string]*FixedWindowRateLimiter),
		rateAlarmOverride:          make(map[string]*FixedWindowRateLimiter),
		totalOverride:              make(map[string]*TotalConnectionLimiter),
		totalAlarmOverride:         make(map[string]*TotalConnectionLimiter),
		totalDefaultInstances:      make(map[string]*TotalConnectionLimiter),
		totalAlarmDefaultInstances: make(map[string]*TotalConnectionLimiter),
		clock:                      time.Now,
	}
}

// SetVhostRateLimit sets a per-vhost rate-limiter override.
func (m *Manager) SetVhostRateLimit(vhost string, limit int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateOverride[vhost] = NewFixedWindowRateLimiter(limit, window, m.clock)
}

// SetVhostRateAlarmLimit sets a per-vhost alarm-only rate-limiter override.
func (m *Manager) SetVhostRateAlarmLimit(vhost string, limit int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateAlarmOverride[vhost] = NewFixedWindowRateLimiter(limit, window, m.clock)
}

// SetVhostTotalLimit sets a per-vhost total-connection-limiter override.
func (m *Manager) SetVhostTotalLimit(vhost string, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalOverride[vhost] = NewTotalConnectionLimiter(limit)
}

// SetVhostTotalAlarmLimit sets a per-vhost alarm-only total-connection-limiter override.
func (m *Manager) SetVhostTotalAlarmLimit(vhost string, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalAlarmOverride[vhost] = NewTotalConnectionLimiter(limit)
}

// SetDefaultRateLimit sets the process-wide default rate-limit slot.
func (m *Manager) SetDefaultRateLimit(limit int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultRate = &RateConfig{Limit: limit, Window: window}
}

// SetDefaultRateAlarmLimit sets the process-wide default alarm-only rate-limit slot.
func (m *Manager) SetDefaultRateAlarmLimit(limit int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultRateAlarm = &RateConfig{Limit: limit, Window: window}
}

// SetDefaultTotalLimit sets the process-wide default total-connection-limit
// slot and refreshes every existing default-backed instance in place.
func (m *Manager) SetDefaultTotalLimit(limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultTotal = &limit
	for _, inst := range m.totalDefaultInstances {
		inst.SetLimit(limit)
	}
}

// SetDefaultTotalAlarmLimit sets the process-wide default alarm-only
// total-connection-limit slot.
//
// Open question (spec.md §9, "alarm-only total limiter reset"): the
// refresh below walks the same-keyed rate-limiter overrides rather
// than the alarm-only total instances themselves, so a vhost that
// only ever acquired a default-backed alarm-only total limiter (and
// never set a rate override) does not get its running instance
// refreshed by this call — it keeps the limit value it had when first
// instantiated until the vhost also gets a rate override. This is
// preserved intentionally as a user-visible discrepancy, not "fixed"
// to iterate totalAlarmDefaultInstances; see DESIGN.md.
func (m *Manager) SetDefaultTotalAlarmLimit(limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultTotalAlarm = &limit
	for vhost := range m.rateOverride {
		if inst, ok := m.totalAlarmDefaultInstances[vhost]; ok {
			inst.SetLimit(limit)
		}
	}
}

// slotResult is the outcome of evaluating one limiter slot.
type slotResult int

const (
	slotAbsent slotResult = iota
	slotAllowed
	slotDenied
)

func evalRate(lim *FixedWindowRateLimiter) slotResult {
	if lim == nil {
		return slotAbsent
	}
	if lim.Allow() {
		return slotAllowed
	}
	return slotDenied
}

func evalTotal(lim *TotalConnectionLimiter) slotResult {
	if lim == nil {
		return slotAbsent
	}
	if lim.Allow() {
		return slotAllowed
	}
	return slotDenied
}

// AllowNewConnection evaluates the four-slot admission gate for vhost
// in order rate-alarm, rate, total-alarm, total, per spec.md §4.5.
// Alarm-only denials log a warning containing "AMQPPROX_CONNECTION_LIMIT"
// and do not deny; a non-alarm denial logs info and denies immediately.
func (m *Manager) AllowNewConnection(vhost string) bool {
	m.mu.Lock()
	rateAlarm := m.rateAlarmOverride[vhost]
	if rateAlarm == nil && m.defaultRateAlarm != nil {
		rateAlarm = NewFixedWindowRateLimiter(m.defaultRateAlarm.Limit, m.defaultRateAlarm.Window, m.clock)
		m.rateAlarmOverride[vhost] = rateAlarm
	}
	rate := m.rateOverride[vhost]
	if rate == nil && m.defaultRate != nil {
		rate = NewFixedWindowRateLimiter(m.defaultRate.Limit, m.defaultRate.Window, m.clock)
		m.rateOverride[vhost] = rate
	}
	totalAlarm := m.resolveTotalAlarmLocked(vhost)
	total := m.resolveTotalLocked(vhost)
	m.mu.Unlock()

	if evalRate(rateAlarm) == slotDenied {
		m.logger.Warnw("AMQPPROX_CONNECTION_LIMIT rate-alarm threshold exceeded", "vhost", vhost)
	}
	if evalRate(rate) == slotDenied {
		m.logger.Infow("connection denied by vhost rate limit", "vhost", vhost)
		metrics.RateLimitDenials.WithLabelValues(vhost, "rate").Inc()
		return false
	}
	if evalTotal(totalAlarm) == slotDenied {
		m.logger.Warnw("AMQPPROX_CONNECTION_LIMIT total-alarm threshold exceeded", "vhost", vhost)
	}
	if evalTotal(total) == slotDenied {
		m.logger.Infow("connection denied by vhost total limit", "vhost", vhost)
		metrics.RateLimitDenials.WithLabelValues(vhost, "total").Inc()
		return false
	}
	if total != nil {
		total.Acquire()
	}
	if totalAlarm != nil {
		totalAlarm.Acquire()
	}
	return true
}

func (m *Manager) resolveTotalLocked(vhost string) *TotalConnectionLimiter {
	if lim, ok := m.totalOverride[vhost]; ok {
		return lim
	}
	if m.defaultTotal == nil {
		return nil
	}
	inst, ok := m.totalDefaultInstances[vhost]
	if !ok {
		inst = NewTotalConnectionLimiter(*m.defaultTotal)
		m.totalDefaultInstances[vhost] = inst
	}
	return inst
}

func (m *Manager) resolveTotalAlarmLocked(vhost string) *TotalConnectionLimiter {
	if lim, ok := m.totalAlarmOverride[vhost]; ok {
		return lim
	}
	if m.defaultTotalAlarm == nil {
		return nil
	}
	inst, ok := m.totalAlarmDefaultInstances[vhost]
	if !ok {
		inst = NewTotalConnectionLimiter(*m.defaultTotalAlarm)
		m.totalAlarmDefaultInstances[vhost] = inst
	}
	return inst
}

// ClearVhostLimits removes every per-vhost override for vhost, falling
// it back to the process-wide defaults (if any), per the control
// channel's "LIMIT DISABLE" verb.
func (m *Manager) ClearVhostLimits(vhost string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rateOverride, vhost)
	delete(m.rateAlarmOverride, vhost)
	delete(m.totalOverride, vhost)
	delete(m.totalAlarmOverride, vhost)
	delete(m.totalDefaultInstances, vhost)
	delete(m.totalAlarmDefaultInstances, vhost)
}

// ConnectionClosed decrements the per-vhost total and alarm-only total
// limiters (if present), per spec.md §4.5.
func (m *Manager) ConnectionClosed(vhost string) {
	m.mu.Lock()
	total := m.totalOverride[vhost]
	if total == nil {
		total = m.totalDefaultInstances[vhost]
	}
	totalAlarm := m.totalAlarmOverride[vhost]
	if totalAlarm == nil {
		totalAlarm = m.totalAlarmDefaultInstances[vhost]
	}
	m.mu.Unlock()

	if total != nil {
		total.Release()
	}
	if totalAlarm != nil {
		totalAlarm.Release()
	}
}
