package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted  *prometheus.CounterVec
	outcomes *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking committed protocol events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bittrust",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of committed events segmented by type.",
			}, []string{"type"}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bittrust",
				Subsystem: "events",
				Name:      "loan_outcomes_total",
				Help:      "Count of closed loans segmented by final status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.outcomes)
	})
	return eventRegistry
}

// RecordEvent increments the counter for a committed event type. Loan
// closings also feed the outcome counter.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
	if status, ok := strings.CutPrefix(normalized, "loan."); ok {
		switch status {
		case "repaid", "defaulted", "liquidated":
			m.outcomes.WithLabelValues(status).Inc()
		}
	}
}
