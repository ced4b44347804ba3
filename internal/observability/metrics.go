package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects coordinator metrics.
//
// Tracked:
//   - Live connection and room-subscription counts
//   - Inbound events by type and outcome
//   - Broadcast fan-out width and latency
//   - Typing lease churn (started, refreshed, expired-by-send, cleared)
//   - Store errors by backend
type Metrics struct {
	// ActiveConnections is the number of live websocket connections.
	ActiveConnections prometheus.Gauge

	// EventCounter counts inbound client events.
	// Labels: event (join_chat|send_message|...), status (ok|rejected|error)
	EventCounter *prometheus.CounterVec

	// BroadcastFanout observes how many connections each broadcast reached.
	BroadcastFanout prometheus.Histogram

	// BroadcastDuration measures the persist-then-broadcast unit in seconds.
	BroadcastDuration prometheus.Histogram

	// TypingCounter counts typing lease transitions.
	// Labels: transition (start|refresh|stop|cleared)
	TypingCounter *prometheus.CounterVec

	// StoreErrors counts store failures.
	// Labels: backend (durable|ephemeral), op
	StoreErrors *prometheus.CounterVec
}

// NewMetrics creates and registers metrics with the given registerer. A nil
// registerer uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parley_active_connections",
			Help: "Number of live websocket connections.",
		}),
		EventCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_events_total",
			Help: "Inbound client events by type and outcome.",
		}, []string{"event", "status"}),
		BroadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_broadcast_fanout",
			Help:    "Connections reached per broadcast.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		BroadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_broadcast_duration_seconds",
			Help:    "Duration of the persist-then-broadcast unit.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		TypingCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_typing_transitions_total",
			Help: "Typing lease transitions.",
		}, []string{"transition"}),
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_store_errors_total",
			Help: "Store failures by backend and operation.",
		}, []string{"backend", "op"}),
	}
}

// NopMetrics returns metrics bound to a throwaway registry, for tests.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
