// Package metrics exposes Prometheus instruments for stage execution and
// registry fetches.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "registry"

// Metrics holds the instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	UnitsTotal     *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	FetchesTotal   *prometheus.CounterVec
	FetchDuration  *prometheus.HistogramVec
	JobsDispatched prometheus.Gauge
	ControlTotal   *prometheus.CounterVec
	gatherer       prometheus.Gatherer
}

// New creates and registers the instruments on reg. A nil reg gets a fresh
// registry, so callers in tests never collide on the default one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		UnitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "units_total",
			Help:      "Units of work handled by stage and outcome",
		}, []string{"stage", "outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Duration of one stage pass",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9h
		}, []string{"stage"}),
		FetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "fetches_total",
			Help:      "Registry requests by operation and HTTP status",
		}, []string{"op", "status"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "fetch_duration_seconds",
			Help:      "Registry request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		JobsDispatched: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "jobs_active",
			Help:      "Jobs currently executing in this process",
		}),
		ControlTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "actions_total",
			Help:      "Control actions by action and result",
		}, []string{"action", "result"}),
		gatherer: reg,
	}
}

// Units adds n unit outcomes: processed, skipped or failed.
func (m *Metrics) Units(stage, outcome string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.UnitsTotal.WithLabelValues(stage, outcome).Add(float64(n))
}

// StageDone observes one stage pass.
func (m *Metrics) StageDone(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// Fetch counts one registry request. status 0 means no HTTP response.
func (m *Metrics) Fetch(op string, status int, seconds float64) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.FetchesTotal.WithLabelValues(op, label).Inc()
	m.FetchDuration.WithLabelValues(op).Observe(seconds)
}

// Dispatched sets the active job gauge.
func (m *Metrics) Dispatched(n int) {
	if m == nil {
		return
	}
	m.JobsDispatched.Set(float64(n))
}

// Control counts one control action.
func (m *Metrics) Control(action string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ControlTotal.WithLabelValues(action, result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
