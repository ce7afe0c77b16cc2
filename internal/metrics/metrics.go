// Package metrics defines the Prometheus collectors for the proxy,
// registered up front so every other package can use them without
// touching this file.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks active sessions per vhost.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amqpprox_connections_active",
		Help: "Number of active client connections per vhost",
	}, []string{"vhost"})

	// ConnectionsTotal counts session lifecycle transitions.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amqpprox_connections_total",
		Help: "Total connections by terminal disconnect status",
	}, []string{"vhost", "disconnect_status"})

	// ConnectionsDenied counts admission-control rejections by reason.
	ConnectionsDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amqpprox_connections_denied_total",
		Help: "Total connections denied by admission control or routing",
	}, []string{"vhost", "status"})

	// BytesTotal counts bytes relayed per vhost and direction.
	BytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amqpprox_bytes_total",
		Help: "Total bytes relayed between client and backend",
	}, []string{"vhost", "direction"})

	// FramesTotal counts opaque AMQP frames relayed per vhost and direction.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amqpprox_frames_total",
		Help: "Total AMQP frames relayed between client and backend",
	}, []string{"vhost", "direction"})

	// BackendConnectFailures counts failed backend dial/TLS/connect attempts.
	BackendConnectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amqpprox_backend_connect_failures_total",
		Help: "Total failed attempts to establish a backend connection",
	}, []string{"backend"})

	// HandshakeDuration tracks how long the client-side handshake takes.
	HandshakeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "amqpprox_handshake_duration_seconds",
		Help:    "Duration of the client-side AMQP handshake",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"vhost"})

	// ResolverCacheHits counts DNS resolver cache hits and misses.
	ResolverCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amqpprox_resolver_cache_total",
		Help: "Total DNS resolver cache lookups by outcome",
	}, []string{"outcome"})

	// BufferPoolSpillover counts buffer-pool allocations that missed
	// every size class and fell back to the heap.
	BufferPoolSpillover = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amqpprox_bufpool_spillover_total",
		Help: "Total buffer acquisitions that spilled over to heap allocation",
	})

	// BufferPoolInUse tracks buffers currently checked out, per size class.
	BufferPoolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amqpprox_bufpool_in_use",
		Help: "Buffers currently checked out, per size class",
	}, []string{"class_bytes"})

	// RateLimitDenials counts admission-control denials by limiter slot.
	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amqpprox_rate_limit_denials_total",
		Help: "Total connections denied by a rate or total-connection limiter",
	}, []string{"vhost", "slot"})

	// ControlCommandsTotal counts control-channel commands by verb and outcome.
	ControlCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amqpprox_control_commands_total",
		Help: "Total control channel commands processed",
	}, []string{"verb", "outcome"})

	// SessionCleanupReaped counts sessions removed by the cleanup sweep.
	SessionCleanupReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amqpprox_session_cleanup_reaped_total",
		Help: "Total finished sessions removed from the live registry",
	})
)
