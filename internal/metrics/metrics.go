// Package metrics exposes the engine's ambient Prometheus collectors:
// frame count, frame duration, active task gauge, and stop-condition
// counter, adapted from the teacher's infrastructure/metrics package.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the control server registers.
type Metrics struct {
	FramesTotal       *prometheus.CounterVec
	FrameDuration     *prometheus.HistogramVec
	ActiveTasks       *prometheus.GaugeVec
	StopReasonsTotal  *prometheus.CounterVec
	EffectRunsTotal   *prometheus.CounterVec
}

// New creates a Metrics instance registered against prometheus's default
// registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// so tests can use a private registry instead of the process-global one.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smithers_frames_total",
			Help: "Total number of tick-loop frames committed.",
		}, []string{"execution_id"}),
		FrameDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smithers_frame_duration_seconds",
			Help:    "Wall-clock duration of one tick-loop frame.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"execution_id"}),
		ActiveTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smithers_active_tasks",
			Help: "Number of runnable nodes currently executing.",
		}, []string{"execution_id"}),
		StopReasonsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smithers_stop_reasons_total",
			Help: "Count of executions halted by each stop-condition reason.",
		}, []string{"reason"}),
		EffectRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smithers_effect_runs_total",
			Help: "Count of effect setups run, per effect id.",
		}, []string{"execution_id", "effect_id"}),
	}
	registerer.MustRegister(m.FramesTotal, m.FrameDuration, m.ActiveTasks, m.StopReasonsTotal, m.EffectRunsTotal)
	return m
}

// RecordFrame observes one frame's duration and increments its counter.
func (m *Metrics) RecordFrame(executionID string, d time.Duration) {
	m.FramesTotal.WithLabelValues(executionID).Inc()
	m.FrameDuration.WithLabelValues(executionID).Observe(d.Seconds())
}

// SetActiveTasks reports the current number of running tasks.
func (m *Metrics) SetActiveTasks(executionID string, n int) {
	m.ActiveTasks.WithLabelValues(executionID).Set(float64(n))
}

// RecordStop increments the counter for a given stop-condition reason.
func (m *Metrics) RecordStop(reason string) {
	if reason == "" {
		return
	}
	m.StopReasonsTotal.WithLabelValues(reason).Inc()
}

// RecordEffectRun increments the counter for one effect's setup runs.
func (m *Metrics) RecordEffectRun(executionID, effectID string) {
	m.EffectRunsTotal.WithLabelValues(executionID, effectID).Inc()
}

// Handler returns the standard Prometheus scrape handler for mounting on
// /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
