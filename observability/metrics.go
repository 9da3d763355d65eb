package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const namespace = "fxsettle"

var (
	rateMetricsOnce sync.Once
	rateRegistry    *RateMetrics

	providerMetricsOnce sync.Once
	providerRegistry    *ProviderMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics
)

// RateMetrics tracks rate aggregation behaviour per upstream source.
type RateMetrics struct {
	fetches     *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	cacheHits   prometheus.Counter
	unavailable *prometheus.CounterVec
	lastRate    *prometheus.GaugeVec
}

// Rates returns the lazily-initialised rate aggregation registry.
func Rates() *RateMetrics {
	rateMetricsOnce.Do(func() {
		rateRegistry = &RateMetrics{
			fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rates",
				Name:      "fetches_total",
				Help:      "Rate source fetches segmented by source and outcome.",
			}, []string{"source", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rates",
				Name:      "fetch_duration_seconds",
				Help:      "Latency distribution for rate source fetches.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"source"}),
			cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rates",
				Name:      "cache_hits_total",
				Help:      "Rate lookups answered from the in-memory cache.",
			}),
			unavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rates",
				Name:      "unavailable_total",
				Help:      "Rate lookups where every configured source failed.",
			}, []string{"pair"}),
			lastRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "rates",
				Name:      "last_rate",
				Help:      "Most recent rate fetched per pair and source.",
			}, []string{"pair", "source"}),
		}
		prometheus.MustRegister(
			rateRegistry.fetches,
			rateRegistry.latency,
			rateRegistry.cacheHits,
			rateRegistry.unavailable,
			rateRegistry.lastRate,
		)
	})
	return rateRegistry
}

// ObserveFetch records the outcome of a single source fetch.
func (m *RateMetrics) ObserveFetch(source string, d time.Duration, err error) {
	if m == nil {
		return
	}
	label := labelValue(source)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.fetches.WithLabelValues(label, outcome).Inc()
	m.latency.WithLabelValues(label).Observe(d.Seconds())
}

// RecordCacheHit increments the cache hit counter.
func (m *RateMetrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// RecordUnavailable counts lookups that exhausted every source.
func (m *RateMetrics) RecordUnavailable(from, to string) {
	if m == nil {
		return
	}
	m.unavailable.WithLabelValues(pairLabel(from, to)).Inc()
}

// RecordRate publishes the latest accepted rate for a pair.
func (m *RateMetrics) RecordRate(from, to, source string, rate decimal.Decimal) {
	if m == nil {
		return
	}
	m.lastRate.WithLabelValues(pairLabel(from, to), labelValue(source)).Set(rate.InexactFloat64())
}

// ProviderMetrics tracks fee-model lookups and payment creation per provider.
type ProviderMetrics struct {
	quotes   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	payments *prometheus.CounterVec
	selected *prometheus.CounterVec
}

// Providers returns the lazily-initialised payment provider registry.
func Providers() *ProviderMetrics {
	providerMetricsOnce.Do(func() {
		providerRegistry = &ProviderMetrics{
			quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "providers",
				Name:      "fee_model_requests_total",
				Help:      "Fee model lookups segmented by provider and outcome.",
			}, []string{"provider", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "providers",
				Name:      "fee_model_duration_seconds",
				Help:      "Latency distribution for provider fee model lookups.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider"}),
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "providers",
				Name:      "payments_created_total",
				Help:      "Payment objects created segmented by provider and outcome.",
			}, []string{"provider", "outcome"}),
			selected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "providers",
				Name:      "selected_total",
				Help:      "Provider selections segmented by provider and mode (compared or preferred).",
			}, []string{"provider", "mode"}),
		}
		prometheus.MustRegister(
			providerRegistry.quotes,
			providerRegistry.latency,
			providerRegistry.payments,
			providerRegistry.selected,
		)
	})
	return providerRegistry
}

// ObserveFeeModel records a provider fee model lookup.
func (m *ProviderMetrics) ObserveFeeModel(provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	label := labelValue(provider)
	m.quotes.WithLabelValues(label, outcomeLabel(err)).Inc()
	m.latency.WithLabelValues(label).Observe(d.Seconds())
}

// RecordPayment records a payment creation attempt.
func (m *ProviderMetrics) RecordPayment(provider string, err error) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(labelValue(provider), outcomeLabel(err)).Inc()
}

// RecordSelection records which provider was chosen.
func (m *ProviderMetrics) RecordSelection(provider, mode string) {
	if m == nil {
		return
	}
	m.selected.WithLabelValues(labelValue(provider), labelValue(mode)).Inc()
}

// SettlementMetrics wraps collectors tracking settlement engine health.
type SettlementMetrics struct {
	latency         *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	treasuryBalance *prometheus.GaugeVec
	outboxPending   prometheus.Gauge
	stuckOrders     prometheus.Gauge
	pauseEngaged    prometheus.Gauge
	reconAnomalies  *prometheus.CounterVec
}

// Settlement exposes the metrics registry for the settlement pipeline.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "duration_seconds",
				Help:      "Latency distribution from settlement start to completion.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			}, []string{"asset"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "errors_total",
				Help:      "Count of settlement failures segmented by asset and error code.",
			}, []string{"asset", "code"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orders",
				Name:      "transitions_total",
				Help:      "Accepted order status transitions segmented by target status.",
			}, []string{"status"}),
			treasuryBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "treasury",
				Name:      "balance",
				Help:      "Last observed treasury wallet balance per asset in whole units.",
			}, []string{"asset"}),
			outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "outbox_pending",
				Help:      "Settlement requests persisted but not yet completed.",
			}),
			stuckOrders: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "stuck_orders",
				Help:      "Non-terminal orders older than the recovery threshold at the last sweep.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "pause_engaged",
				Help:      "Indicates whether the settlement pause guard is active (1) or not (0).",
			}),
			reconAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recon",
				Name:      "anomalies_total",
				Help:      "Reconciliation anomalies segmented by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			settlementRegistry.latency,
			settlementRegistry.errors,
			settlementRegistry.transitions,
			settlementRegistry.treasuryBalance,
			settlementRegistry.outboxPending,
			settlementRegistry.stuckOrders,
			settlementRegistry.pauseEngaged,
			settlementRegistry.reconAnomalies,
		)
	})
	return settlementRegistry
}

// ObserveLatency records the end-to-end settlement latency for an asset.
func (m *SettlementMetrics) ObserveLatency(asset string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(labelAsset(asset)).Observe(d.Seconds())
}

// RecordError increments the error counter for the supplied code.
func (m *SettlementMetrics) RecordError(asset, code string) {
	if m == nil {
		return
	}
	if code = strings.TrimSpace(code); code == "" {
		code = "unspecified"
	}
	m.errors.WithLabelValues(labelAsset(asset), code).Inc()
}

// RecordTransition counts an accepted order transition.
func (m *SettlementMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelValue(status)).Inc()
}

// RecordTreasuryBalance publishes an observed treasury balance.
func (m *SettlementMetrics) RecordTreasuryBalance(asset string, balance decimal.Decimal) {
	if m == nil {
		return
	}
	m.treasuryBalance.WithLabelValues(labelAsset(asset)).Set(balance.InexactFloat64())
}

// SetOutboxPending records the number of pending settlement requests.
func (m *SettlementMetrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}

// SetStuckOrders records the number of stuck orders seen by the last sweep.
func (m *SettlementMetrics) SetStuckOrders(n int) {
	if m == nil {
		return
	}
	m.stuckOrders.Set(float64(n))
}

// SetPause toggles the pause_engaged gauge.
func (m *SettlementMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// RecordReconAnomaly counts a reconciliation anomaly.
func (m *SettlementMetrics) RecordReconAnomaly(kind string) {
	if m == nil {
		return
	}
	m.reconAnomalies.WithLabelValues(labelValue(kind)).Inc()
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func labelValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func pairLabel(from, to string) string {
	return labelAsset(from) + "/" + labelAsset(to)
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
