package governor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the governor.
type Metrics struct {
	threadsActive     prometheus.Gauge
	threadsBackground prometheus.Gauge
	timersActive      prometheus.Gauge

	admissionsTotal *prometheus.CounterVec
	denialsTotal    *prometheus.CounterVec

	threadRuntime prometheus.Histogram

	sweepsTotal    prometheus.Counter
	sweepReclaimed prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		threadsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "governor_threads_active",
				Help: "Number of currently registered managed threads",
			},
		),

		threadsBackground: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "governor_threads_background",
				Help: "Number of currently registered background threads",
			},
		),

		timersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "governor_timers_active",
				Help: "Number of currently registered timers",
			},
		),

		admissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_admissions_total",
				Help: "Total admission decisions by resource kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		denialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_denials_total",
				Help: "Total admission denials by resource kind and reason",
			},
			[]string{"kind", "reason"},
		),

		threadRuntime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "governor_thread_runtime_seconds",
				Help:    "Wall-clock runtime of managed threads",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),

		sweepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "governor_sweeps_total",
				Help: "Total cleanup sweep passes",
			},
		),

		sweepReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "governor_sweep_reclaimed_total",
				Help: "Total registry entries reclaimed by the sweeper",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.threadsActive,
		m.threadsBackground,
		m.timersActive,
		m.admissionsTotal,
		m.denialsTotal,
		m.threadRuntime,
		m.sweepsTotal,
		m.sweepReclaimed,
	)

	return m
}

// Registry exposes the underlying registry for custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the metrics in Prometheus format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAdmission counts one admission decision.
func (m *Metrics) RecordAdmission(kind Kind, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.admissionsTotal.WithLabelValues(string(kind), outcome).Inc()
}

// RecordDenial counts one denial with its reason.
func (m *Metrics) RecordDenial(kind Kind, reason DenialReason) {
	m.denialsTotal.WithLabelValues(string(kind), string(reason)).Inc()
}

// SetActive updates the live-resource gauges.
func (m *Metrics) SetActive(threads, background, timers int) {
	m.threadsActive.Set(float64(threads))
	m.threadsBackground.Set(float64(background))
	m.timersActive.Set(float64(timers))
}

// ObserveThreadRuntime records a completed thread's runtime.
func (m *Metrics) ObserveThreadRuntime(seconds float64) {
	m.threadRuntime.Observe(seconds)
}

// RecordSweep counts one sweep pass and the entries it reclaimed.
func (m *Metrics) RecordSweep(reclaimed int) {
	m.sweepsTotal.Inc()
	m.sweepReclaimed.Add(float64(reclaimed))
}
