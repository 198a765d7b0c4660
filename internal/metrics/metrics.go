package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "insights"

var (
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Total number of uploads accepted by the intake layer, labeled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	TaskEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_enqueued_total",
			Help:      "Total number of tasks enqueued.",
		},
		[]string{"type"},
	)

	TaskAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_attempts_total",
			Help:      "Total number of task executions started by workers.",
		},
		[]string{"type"},
	)

	TaskOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Total number of task executions, labeled by outcome (succeeded, retry_scheduled, failed_terminal).",
		},
		[]string{"type", "outcome"},
	)

	TaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of a single task execution (seconds).",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"type"},
	)

	LeaseExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_expired_total",
			Help:      "Total number of expired task leases requeued during claim-time repair.",
		},
		[]string{"type"},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total number of cache lookups, labeled by result (hit, miss).",
		},
		[]string{"result"},
	)

	OutboxEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_total",
			Help:      "Follow-up events parked in or redelivered from the outbox.",
		},
		[]string{"event", "action"},
	)

	ModelLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_loaded",
			Help:      "1 when an image classification model is loaded, 0 in degraded mode.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		UploadsTotal,
		TaskEnqueuedTotal,
		TaskAttemptsTotal,
		TaskOutcomesTotal,
		TaskDurationSeconds,
		LeaseExpiredTotal,
		CacheLookupsTotal,
		OutboxEventsTotal,
		ModelLoaded,
	)
}
