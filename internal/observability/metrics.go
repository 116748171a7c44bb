package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects coordinator-wide counters and gauges.
//
// Tracked series:
//   - protocol message flow by kind and direction
//   - runner registrations, rejections, and reclaims
//   - online runner count
//   - approval request latency from prompt to decision
//   - display units finalized by the stream assembler
type Metrics struct {
	// MessageCounter tracks protocol messages.
	// Labels: kind, direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// RegistrationCounter counts registration outcomes.
	// Labels: outcome (accepted|reclaimed|rejected)
	RegistrationCounter *prometheus.CounterVec

	// OnlineRunners is a gauge of currently online runners.
	OnlineRunners prometheus.Gauge

	// ApprovalLatency measures seconds from prompt to decision.
	ApprovalLatency prometheus.Histogram

	// ApprovalCounter counts approval resolutions.
	// Labels: outcome (approved|denied|expired|recovered)
	ApprovalCounter *prometheus.CounterVec

	// StreamUnitsFinalized counts display units closed by the assembler.
	// Labels: reason (complete|split|kind_change|timeout)
	StreamUnitsFinalized *prometheus.CounterVec

	// SyncRequestCounter counts sync exchanges.
	// Labels: outcome (ok|timeout|error)
	SyncRequestCounter *prometheus.CounterVec

	// ErrorCounter tracks contained errors by component.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers coordinator metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry registers metrics against a specific registry,
// which keeps tests isolated from the default registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		MessageCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Protocol messages by kind and direction.",
		}, []string{"kind", "direction"}),

		RegistrationCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_registrations_total",
			Help: "Runner registration outcomes.",
		}, []string{"outcome"}),

		OnlineRunners: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_online_runners",
			Help: "Number of runners currently online.",
		}),

		ApprovalLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_approval_latency_seconds",
			Help:    "Seconds between an approval prompt and its decision.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
		}),

		ApprovalCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_approvals_total",
			Help: "Approval request resolutions.",
		}, []string{"outcome"}),

		StreamUnitsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_stream_units_finalized_total",
			Help: "Display units finalized by the output assembler.",
		}, []string{"reason"}),

		SyncRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sync_requests_total",
			Help: "Session sync request outcomes.",
		}, []string{"outcome"}),

		ErrorCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Contained errors by component and type.",
		}, []string{"component", "error_type"}),
	}
}
