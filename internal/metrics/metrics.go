// Package metrics exposes Prometheus collectors for the sandbox control
// plane, grounded on the pack's pkg/metrics package: package-level
// collector vars registered in init(), plus a Timer helper for histogram
// observations. No teacher file does this (the teacher repo carries no
// metrics package of its own); this is introduced per the ambient-stack
// rule that observability is carried even where the distilled spec's
// Non-goals don't name metrics explicitly.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sandbox lifecycle
	SandboxesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wegent_sandbox_active_total",
			Help: "Number of active sandboxes by status",
		},
		[]string{"status"},
	)

	SandboxesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wegent_sandbox_created_total",
			Help: "Total number of sandboxes created by shell_type",
		},
		[]string{"shell_type"},
	)

	SandboxTerminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wegent_sandbox_terminations_total",
			Help: "Total number of sandbox terminations by reason",
		},
		[]string{"reason"},
	)

	// Execution lifecycle
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wegent_execution_total",
			Help: "Total number of executions by terminal status",
		},
		[]string{"status"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wegent_execution_duration_seconds",
			Help:    "Execution wall-clock duration in seconds by shell_type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shell_type"},
	)

	// Heartbeat and scheduler sweeps
	HeartbeatSweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wegent_heartbeat_sweep_duration_seconds",
			Help:    "Duration of a heartbeat sweep in seconds by sweep name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	HeartbeatTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wegent_heartbeat_timeouts_total",
			Help: "Total number of detected heartbeat timeouts by sweep name",
		},
		[]string{"sweep"},
	)

	SchedulerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wegent_scheduler_job_duration_seconds",
			Help:    "Duration of a scheduled job in seconds by job name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	// Callback client
	CallbackRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wegent_callback_requests_total",
			Help: "Total number of callback attempts by outcome",
		},
		[]string{"outcome"},
	)

	CallbackRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wegent_callback_retries_total",
			Help: "Total number of callback retry attempts",
		},
	)

	// Dispatcher / container runtime
	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wegent_container_start_duration_seconds",
			Help:    "Time taken to start an executor container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStartFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wegent_container_start_failures_total",
			Help: "Total number of executor container start failures",
		},
	)
)

func init() {
	prometheus.MustRegister(SandboxesActive)
	prometheus.MustRegister(SandboxesCreatedTotal)
	prometheus.MustRegister(SandboxTerminationsTotal)
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(HeartbeatSweepDuration)
	prometheus.MustRegister(HeartbeatTimeoutsTotal)
	prometheus.MustRegister(SchedulerJobDuration)
	prometheus.MustRegister(CallbackRequestsTotal)
	prometheus.MustRegister(CallbackRetriesTotal)
	prometheus.MustRegister(ContainerStartDuration)
	prometheus.MustRegister(ContainerStartFailuresTotal)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for later observation into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time into a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
