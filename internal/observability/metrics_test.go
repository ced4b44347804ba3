package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEventCounter(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.EventCounter.WithLabelValues("send_message", "ok").Inc()
	m.EventCounter.WithLabelValues("send_message", "ok").Inc()
	m.EventCounter.WithLabelValues("join_chat", "rejected").Inc()

	if count := testutil.CollectAndCount(m.EventCounter); count != 2 {
		t.Errorf("Expected 2 label combinations, got %d", count)
	}

	expected := `
		# HELP parley_events_total Inbound client events by type and outcome.
		# TYPE parley_events_total counter
		parley_events_total{event="join_chat",status="rejected"} 1
		parley_events_total{event="send_message",status="ok"} 2
	`
	if err := testutil.CollectAndCompare(m.EventCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestActiveConnectionsGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ActiveConnections.Inc()
	m.ActiveConnections.Inc()
	m.ActiveConnections.Dec()

	if got := testutil.ToFloat64(m.ActiveConnections); got != 1 {
		t.Errorf("Expected 1 active connection, got %v", got)
	}
}

func TestNopMetricsIsolated(t *testing.T) {
	a := NopMetrics()
	b := NopMetrics()

	a.TypingCounter.WithLabelValues("start").Inc()

	if got := testutil.ToFloat64(b.TypingCounter.WithLabelValues("start")); got != 0 {
		t.Errorf("Expected isolated registries, got %v", got)
	}
}
