// Package metrics defines the Prometheus instruments exported by the
// workspace runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Broker metrics

	// BrokerQueueDepth tracks the live length of each Broker-owned queue.
	BrokerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wsrt",
			Subsystem: "broker",
			Name:      "queue_depth",
			Help:      "Number of messages currently held in a broker queue",
		},
		[]string{"direction", "kind"}, // direction: to_wm|to_scm, kind: control|data
	)

	// BrokerQuenchActive reports whether the WM-bound stream is currently quenched.
	BrokerQuenchActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wsrt",
			Subsystem: "broker",
			Name:      "quench_active",
			Help:      "1 if the broker is currently quenching delivery to the WM, 0 otherwise",
		},
	)

	// BrokerQuenchEngagements counts transitions into a quenched state.
	BrokerQuenchEngagements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsrt",
			Subsystem: "broker",
			Name:      "quench_engagements_total",
			Help:      "Total number of times the broker engaged quench",
		},
		[]string{"reason"}, // blocked, rate
	)

	// SCM / per-server metrics

	// ServerRecordsByStatus tracks the number of server records in each status.
	ServerRecordsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wsrt",
			Subsystem: "scm",
			Name:      "records_by_status",
			Help:      "Number of server records currently in each lifecycle status",
		},
		[]string{"status"},
	)

	// ConnectionNotices counts ConnectionNotice events delivered to the WM.
	ConnectionNotices = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wsrt",
			Subsystem: "scm",
			Name:      "connection_notices_total",
			Help:      "Total ConnectionNotice events delivered to the workspace manager",
		},
	)

	// DisconnectionNotices counts DisconnectionNotice events, split by cause.
	DisconnectionNotices = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsrt",
			Subsystem: "scm",
			Name:      "disconnection_notices_total",
			Help:      "Total DisconnectionNotice events delivered to the workspace manager",
		},
		[]string{"cause"}, // graceful, transport (any failure, handshake included)
	)

	// TransferIterations tracks how many micro-loop iterations the post-select
	// update ran for, per record, per loop iteration.
	TransferIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "wsrt",
			Subsystem: "scm",
			Name:      "transfer_iterations",
			Help:      "Number of transfer micro-loop iterations per post-select update",
			Buckets:   []float64{1, 2, 5, 10, 15, 20},
		},
	)

	// HTTP admin API metrics

	// HTTPRequestsTotal tracks admin HTTP API requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsrt",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks admin HTTP API request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wsrt",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TunnelCircuitBreakerState reports the reference TCPTunnel's circuit
	// breaker state, keyed by the server it guards.
	TunnelCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wsrt",
			Subsystem: "transport",
			Name:      "circuit_breaker_state",
			Help:      "Reference tunnel circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"server"},
	)
)

// CircuitBreakerState mirrors gobreaker.State for gauge reporting.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
