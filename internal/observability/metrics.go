package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Requests           *prometheus.CounterVec
	RequestLatency     *prometheus.HistogramVec
	CacheEvents        *prometheus.CounterVec
	CacheEvictions     *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	ModelCalls         *prometheus.CounterVec
	ModelRetries       prometheus.Counter
	LogEventsDropped   prometheus.Counter
	Sweeps             *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the instruments with reg. A nil reg uses a fresh
// registry, which keeps repeated construction in tests from colliding.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ask_requests_total",
			Help:      "Ask requests by answer mode and status code.",
		}, []string{"mode", "code"}),
		RequestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ask_latency_ms",
			Help:      "Ask request latency in milliseconds by answer mode.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"mode"}),
		CacheEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache, result and tier.",
		}, []string{"cache", "result", "tier"}),
		CacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries evicted from the in-process cache tier.",
		}, []string{"cache"}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions by subject and target state.",
		}, []string{"subject", "to"}),
		ModelCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "External model calls by outcome.",
		}, []string{"outcome"}),
		ModelRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_retries_total",
			Help:      "Retried external model call attempts.",
		}),
		LogEventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_events_dropped_total",
			Help:      "Log events dropped because the sink buffer was full.",
		}),
		Sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_removed_total",
			Help:      "Entries removed by maintenance sweeps per task.",
		}, []string{"task"}),
		gatherer: reg,
	}
}

// ObserveRequest records one finished ask request.
func (m *Metrics) ObserveRequest(mode, code string, d time.Duration) {
	m.Requests.WithLabelValues(mode, code).Inc()
	m.RequestLatency.WithLabelValues(mode).Observe(float64(d.Milliseconds()))
}

// ObserveModelCall records one model call after all its attempts.
func (m *Metrics) ObserveModelCall(outcome string, attempts int) {
	m.ModelCalls.WithLabelValues(outcome).Inc()
	if attempts > 1 {
		m.ModelRetries.Add(float64(attempts - 1))
	}
}

// CacheHit implements cache.Observer.
func (m *Metrics) CacheHit(cache, tier string) {
	m.CacheEvents.WithLabelValues(cache, "hit", tier).Inc()
}

// CacheMiss implements cache.Observer.
func (m *Metrics) CacheMiss(cache string) {
	m.CacheEvents.WithLabelValues(cache, "miss", "").Inc()
}

// CacheEvicted implements cache.Observer.
func (m *Metrics) CacheEvicted(cache string, n int) {
	m.CacheEvictions.WithLabelValues(cache).Add(float64(n))
}

// BreakerTransition counts a circuit state change.
func (m *Metrics) BreakerTransition(subject string, _, to string) {
	m.BreakerTransitions.WithLabelValues(subject, to).Inc()
}

// ObserveSweep counts entries removed per maintenance task.
func (m *Metrics) ObserveSweep(removed map[string]int) {
	for task, n := range removed {
		m.Sweeps.WithLabelValues(task).Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
