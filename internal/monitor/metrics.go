package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution engine.
type Metrics struct {
	Registry *prometheus.Registry

	TasksTotal         *prometheus.CounterVec
	TaskDuration       *prometheus.HistogramVec
	ActiveTasks        prometheus.Gauge
	OutputLinesTotal   prometheus.Counter
	DroppedEventsTotal prometheus.Counter
	LiveSubscribers    prometheus.Gauge
	ArtifactsTotal     prometheus.Counter
	ArchiveFailures    prometheus.Counter
	TerminationsTotal  *prometheus.CounterVec
	RequestsInFlight   prometheus.Gauge
}

// NewMetrics creates and registers all engine metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "playbookd",
				Name:      "tasks_total",
				Help:      "Total playbook executions by terminal status.",
			},
			[]string{"status"},
		),

		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "playbookd",
				Name:      "task_duration_seconds",
				Help:      "Wall time of playbook executions in seconds.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),

		ActiveTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "playbookd",
				Name:      "active_tasks",
				Help:      "Number of pending or running executions.",
			},
		),

		OutputLinesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "playbookd",
				Name:      "output_lines_total",
				Help:      "Total runner output lines consumed.",
			},
		),

		DroppedEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "playbookd",
				Name:      "dropped_events_total",
				Help:      "Live events dropped because a subscriber was too slow.",
			},
		),

		LiveSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "playbookd",
				Name:      "live_subscribers",
				Help:      "Currently connected live-output subscribers.",
			},
		),

		ArtifactsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "playbookd",
				Name:      "artifacts_total",
				Help:      "Register artifacts extracted from runner output.",
			},
		),

		ArchiveFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "playbookd",
				Name:      "archive_failures_total",
				Help:      "Terminal tasks that could not be archived after retries.",
			},
		),

		TerminationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "playbookd",
				Name:      "terminations_total",
				Help:      "Forced task stops by cause.",
			},
			[]string{"cause"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "playbookd",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
	}

	reg.MustRegister(
		m.TasksTotal,
		m.TaskDuration,
		m.ActiveTasks,
		m.OutputLinesTotal,
		m.DroppedEventsTotal,
		m.LiveSubscribers,
		m.ArtifactsTotal,
		m.ArchiveFailures,
		m.TerminationsTotal,
		m.RequestsInFlight,
	)

	return m
}

// RecordTask tallies a terminal execution.
func (m *Metrics) RecordTask(status string, seconds float64) {
	m.TasksTotal.WithLabelValues(status).Inc()
	m.TaskDuration.WithLabelValues(status).Observe(seconds)
}
