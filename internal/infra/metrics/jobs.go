package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(jobsProcessedTotal, jobDurationSeconds, jobTimeoutsTotal) }

var jobsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobs_processed_total",
		Help: "Total number of background jobs finalized, labeled by task type and terminal status.",
	},
	[]string{"task_type", "status"},
)

var jobDurationSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Wall-clock duration of background jobs from dispatch to finalization.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	},
	[]string{"task_type"},
)

var jobTimeoutsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "job_timeouts_total",
		Help: "Jobs failed by the scheduler's wall-clock timeout.",
	},
	[]string{"task_type"},
)

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func IncJobProcessed(taskType, status string) {
	jobsProcessedTotal.WithLabelValues(norm(taskType), norm(status)).Inc()
}

func ObserveJobDuration(taskType string, seconds float64) {
	jobDurationSeconds.WithLabelValues(norm(taskType)).Observe(seconds)
}

func IncJobTimeout(taskType string) {
	jobTimeoutsTotal.WithLabelValues(norm(taskType)).Inc()
}
