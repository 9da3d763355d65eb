package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// WebhookMetrics counts provider callbacks by outcome.
type WebhookMetrics struct {
	events *prometheus.CounterVec
}

var (
	webhookMetricsOnce sync.Once
	webhookRegistry    *WebhookMetrics
)

// Webhooks returns the metrics registry tracking payment provider webhooks.
func Webhooks() *WebhookMetrics {
	webhookMetricsOnce.Do(func() {
		webhookRegistry = &WebhookMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhooks",
				Name:      "events_total",
				Help:      "Provider webhook deliveries segmented by provider and outcome.",
			}, []string{"provider", "outcome"}),
		}
		prometheus.MustRegister(webhookRegistry.events)
	})
	return webhookRegistry
}

// RecordEvent increments the delivery counter. Outcomes are free-form short
// labels such as accepted, ignored, rejected or error.
func (m *WebhookMetrics) RecordEvent(provider, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(labelValue(provider), labelValue(outcome)).Inc()
}
