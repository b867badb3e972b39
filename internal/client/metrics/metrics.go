// Package metrics exposes sync engine counters in Prometheus format.
//
// Metrics are registered on an explicit registry so tests and several
// engines in one process do not collide on the global one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "possync"
	subsystem = "client"
)

// Run outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeSkipped   = "skipped"
	OutcomeTransient = "transient"
	OutcomeError     = "error"
)

type Metrics struct {
	runs        *prometheus.CounterVec
	operations  *prometheus.CounterVec
	pulled      prometheus.Counter
	runDuration prometheus.Histogram
	queueDepth  *prometheus.GaugeVec
	online      prometheus.Gauge
	lastSuccess prometheus.Gauge
	reg         *prometheus.Registry
}

// New registers the engine metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_runs_total",
			Help:      "Sync runs by outcome",
		}, []string{"outcome"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pushed_operations_total",
			Help:      "Pushed operations by result status",
		}, []string{"status"}),
		pulled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pulled_records_total",
			Help:      "Records received from the server",
		}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_run_duration_seconds",
			Help:      "Duration of completed sync runs",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_items",
			Help:      "Pending-mutation queue items by status",
		}, []string{"status"}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "online",
			Help:      "1 when the server is reachable",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful sync run",
		}),
	}
}

// Nil receivers are valid so callers need not guard optional metrics.

func (m *Metrics) ObserveRun(outcome string, d time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess {
		m.runDuration.Observe(d.Seconds())
		m.lastSuccess.Set(float64(at.Unix()))
	}
}

func (m *Metrics) AddOperations(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.operations.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) AddPulled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pulled.Add(float64(n))
}

func (m *Metrics) SetQueueDepth(status string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(status).Set(float64(n))
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
