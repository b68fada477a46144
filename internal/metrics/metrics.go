// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OutboxPublishTotal counts publish attempts by result (published, retry, dead).
	OutboxPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plangate_outbox_publish_total",
		Help: "Outbox publish attempts by result",
	}, []string{"result"})

	OutboxDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plangate_outbox_dead_letters_total",
		Help: "Outbox rows moved to dead after exhausting retries",
	})

	OutboxBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "plangate_outbox_batch_size",
		Help:    "Rows selected per relay cycle",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
	})

	OutboxReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plangate_outbox_reclaimed_total",
		Help: "Rows returned to pending after a stale publishing claim",
	})

	// SchedulerDispatchTotal counts ready-task outcomes by gate decision and executor result.
	SchedulerDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plangate_scheduler_dispatch_total",
		Help: "Scheduler task dispatch outcomes",
	}, []string{"outcome"})

	SchedulerConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plangate_scheduler_conflicts_total",
		Help: "Optimistic concurrency conflicts retried by the scheduler",
	})

	SchedulerSweptTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plangate_scheduler_swept_tasks_total",
		Help: "Tasks force-failed by the deadline sweeper",
	}, []string{"status"})

	ApprovalRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plangate_approval_requests_total",
		Help: "Approval requests by action (opened, approve, reject, expire)",
	}, []string{"action"})

	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plangate_execution_duration_seconds",
		Help:    "Tool execution duration by status",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"status"})
)
