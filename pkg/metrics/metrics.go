package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the transcode core and its caller layer.
// Using promauto for automatic registration with the default registry.
var (
	// JobsTotal counts completed jobs by terminal status.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediaforged",
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Total number of completed jobs by terminal status",
		},
		[]string{"status"},
	)

	// JobDuration tracks wall-clock duration of the external tool per job.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mediaforged",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Duration of job executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 13), // 0.5s to ~1.1h
		},
		[]string{"status"},
	)

	// JobsRunning tracks jobs currently holding a worker slot.
	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mediaforged",
			Subsystem: "pool",
			Name:      "jobs_running",
			Help:      "Number of currently executing jobs",
		},
	)

	// QueueDepth tracks jobs admitted but not yet assigned a worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mediaforged",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Number of jobs waiting for a worker slot",
		},
	)

	// SubmissionsRejected counts submissions refused with Overloaded.
	SubmissionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mediaforged",
			Subsystem: "pool",
			Name:      "submissions_rejected_total",
			Help:      "Total submissions rejected because the queue was full",
		},
	)

	// OutputTruncations counts captured streams that hit the retention cap.
	OutputTruncations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediaforged",
			Subsystem: "runner",
			Name:      "output_truncations_total",
			Help:      "Total captured process streams that exceeded the retention cap",
		},
		[]string{"stream"},
	)

	// ProcessKills counts forced terminations by reason.
	ProcessKills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediaforged",
			Subsystem: "runner",
			Name:      "process_kills_total",
			Help:      "Total child processes terminated by the runner",
		},
		[]string{"reason"},
	)

	// WorkerPanics counts recovered worker panics.
	WorkerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mediaforged",
			Subsystem: "pool",
			Name:      "worker_panics_total",
			Help:      "Total worker panics recovered and mapped to fatal outcomes",
		},
	)
)

// RecordJob records metrics for a completed job.
func RecordJob(status string, durationSeconds float64) {
	JobsTotal.WithLabelValues(status).Inc()
	JobDuration.WithLabelValues(status).Observe(durationSeconds)
}
