package patroni

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects supervisor counters on a private registry so the REST
// API can expose them without dragging in default process collectors from
// other libraries.
type Metrics struct {
	registry *prometheus.Registry

	cycleCounter  *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	dcsErrors     prometheus.Counter
	leaderGauge   prometheus.Gauge
}

// NewMetrics registers the supervisor collectors.
func NewMetrics(scope, member string) *Metrics {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"scope": scope, "member": member}

	m := &Metrics{
		registry: registry,
		cycleCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "patroni",
			Name:        "ha_cycles_total",
			Help:        "HA decision cycles, labeled by resulting status.",
			ConstLabels: labels,
		}, []string{"status"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "patroni",
			Name:        "ha_cycle_duration_seconds",
			Help:        "Duration of one HA decision cycle.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		dcsErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "patroni",
			Name:        "dcs_errors_total",
			Help:        "Cycles that could not load a cluster snapshot.",
			ConstLabels: labels,
		}),
		leaderGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "patroni",
			Name:        "leader",
			Help:        "1 when this member holds the leader lease.",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(m.cycleCounter, m.cycleDuration, m.dcsErrors, m.leaderGauge)
	return m
}

// ObserveCycle records one completed decision cycle.
func (m *Metrics) ObserveCycle(status string, seconds float64, hasLock bool) {
	m.cycleCounter.WithLabelValues(status).Inc()
	m.cycleDuration.Observe(seconds)
	if hasLock {
		m.leaderGauge.Set(1)
	} else {
		m.leaderGauge.Set(0)
	}
}

// ObserveDCSError counts a cycle without a usable snapshot.
func (m *Metrics) ObserveDCSError() {
	m.dcsErrors.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
