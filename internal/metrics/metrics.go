package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskx_ticks_total",
		Help: "Engine ticks by outcome (idle, claimed, error)",
	}, []string{"outcome"})

	invocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskx_invocations_total",
		Help: "Claimed invocations by task and result (done, retry, exhausted)",
	}, []string{"task", "result"})

	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskx_exec_duration_seconds",
		Help:    "Time spent running a task function",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	queueWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskx_queue_wait_duration_seconds",
		Help:    "Time between scheduled_at and the claim",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"task"})

	jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskx_jobs_total",
		Help: "Cron and date job runs by kind and status",
	}, []string{"kind", "status"})

	enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskx_enqueued_total",
		Help: "Invocations appended to the schedule",
	}, []string{"task"})

	dbOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskx_db_operation_duration_seconds",
		Help:    "Time spent on schedule store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

func Tick(outcome string) { ticks.WithLabelValues(outcome).Inc() }

func Invocation(task, result string) { invocations.WithLabelValues(task, result).Inc() }

func Exec(task string, d time.Duration) { execDuration.WithLabelValues(task).Observe(d.Seconds()) }

func QueueWait(task string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	queueWait.WithLabelValues(task).Observe(d.Seconds())
}

func Job(kind, status string) { jobs.WithLabelValues(kind, status).Inc() }

func Enqueued(task string) { enqueued.WithLabelValues(task).Inc() }

// ObserveDB records the duration of a store operation begun at start:
//
//	defer metrics.ObserveDB("claim_next", time.Now())
func ObserveDB(op string, start time.Time) {
	dbOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
