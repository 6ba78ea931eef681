package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments of the alert engine. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal      *prometheus.CounterVec // labels: source
	AlertsTotal     *prometheus.CounterVec // labels: symbol
	SuppressedTotal *prometheus.CounterVec // labels: reason
	Reconnects      prometheus.Counter
	StoreErrors     *prometheus.CounterVec // labels: key
	NotifyErrors    prometheus.Counter
	NotifySkipped   *prometheus.CounterVec // labels: reason
	ConnectionState prometheus.Gauge       // 0=disconnected 1=connecting 2=connected 3=reconnecting
	CycleDuration   prometheus.Histogram
	RunOnceTotal    *prometheus.CounterVec // labels: outcome
}

// New registers every instrument on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spikewatch_ticks_total",
			Help: "Ticks accepted into the pipeline",
		}, []string{"source"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spikewatch_alerts_total",
			Help: "Spike alerts emitted",
		}, []string{"symbol"}),
		SuppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spikewatch_suppressed_total",
			Help: "Evaluations that did not produce an alert",
		}, []string{"reason"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spikewatch_reconnects_total",
			Help: "Streaming transport reconnect attempts",
		}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spikewatch_store_errors_total",
			Help: "Failed persistent store writes",
		}, []string{"key"}),
		NotifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spikewatch_notify_errors_total",
			Help: "Failed notification deliveries",
		}),
		NotifySkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spikewatch_notify_skipped_total",
			Help: "Alerts recorded but not pushed",
		}, []string{"reason"}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spikewatch_connection_state",
			Help: "Transport state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spikewatch_cycle_duration_seconds",
			Help:    "Time spent processing one tick batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		RunOnceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spikewatch_background_runs_total",
			Help: "Background invocations by outcome",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TicksTotal,
		m.AlertsTotal,
		m.SuppressedTotal,
		m.Reconnects,
		m.StoreErrors,
		m.NotifyErrors,
		m.NotifySkipped,
		m.ConnectionState,
		m.CycleDuration,
		m.RunOnceTotal,
	)
	return m
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTicks(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TicksTotal.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) AlertFired(symbol string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(symbol).Inc()
}

func (m *Metrics) Suppressed(reason string) {
	if m == nil {
		return
	}
	m.SuppressedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) StoreError(key string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(key).Inc()
}

func (m *Metrics) NotifyError() {
	if m == nil {
		return
	}
	m.NotifyErrors.Inc()
}

func (m *Metrics) NotifySkip(reason string) {
	if m == nil {
		return
	}
	m.NotifySkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) RunOnce(outcome string) {
	if m == nil {
		return
	}
	m.RunOnceTotal.WithLabelValues(outcome).Inc()
}
