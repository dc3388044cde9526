package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// JobsTotal counts job status transitions
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfill_jobs_total",
			Help: "Total number of backfill job transitions by resulting status",
		},
		[]string{"status"}, // status: pending, in_progress, completed, failed, partially_completed
	)

	// TasksTotal counts task execution outcomes
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfill_tasks_total",
			Help: "Total number of fetch task outcomes",
		},
		[]string{"source", "status"}, // status: completed, retry, failed, skipped
	)

	// TasksRunning tracks fetch tasks currently executing
	TasksRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridfill_tasks_running",
			Help: "Number of fetch tasks currently executing",
		},
		[]string{"source"},
	)

	// FetchDuration measures adapter fetch duration in seconds
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridfill_fetch_duration_seconds",
			Help:    "Source adapter fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~7m
		},
		[]string{"source"},
	)

	// RawRecordsUpserted counts raw rows inserted or changed
	RawRecordsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfill_raw_records_upserted_total",
			Help: "Total number of raw records inserted or changed",
		},
		[]string{"source"},
	)

	// TaskRetries counts retries scheduled after a failed attempt
	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfill_task_retries_total",
			Help: "Total number of fetch task retries scheduled",
		},
		[]string{"source"},
	)

	// ReconcileRowsFixed counts raw rows rewritten by reconciliation
	ReconcileRowsFixed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfill_reconcile_rows_fixed_total",
			Help: "Total number of raw rows rewritten by reconciliation",
		},
		[]string{"kind"}, // kind: resolution, timezone, swap
	)

	// AggregatesWritten counts hourly aggregate rows written
	AggregatesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfill_aggregates_written_total",
			Help: "Total number of hourly aggregate rows written",
		},
		[]string{"source"},
	)

	// AnomaliesDetected counts anomaly candidates found
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfill_anomalies_detected_total",
			Help: "Total number of anomaly candidates detected",
		},
		[]string{"type"},
	)

	// SweepsTotal counts scheduled sweep runs
	SweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfill_sweeps_total",
			Help: "Total number of scheduled sweep runs",
		},
		[]string{"kind", "status"}, // status: success, failed, locked
	)

	// SchedulerLeader indicates whether this instance runs scheduled sweeps
	SchedulerLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridfill_scheduler_leader",
			Help: "Whether this instance is the scheduler leader (1=leader, 0=follower)",
		},
	)

	// QueueEnqueued counts items put on the work queue
	QueueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfill_queue_enqueued_total",
			Help: "Total number of items enqueued",
		},
		[]string{"type"}, // type: fetch, monitor, sweep
	)

	// ErrorsTotal counts total number of errors
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfill_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordJobTransition records a job entering status
func RecordJobTransition(status string) {
	JobsTotal.WithLabelValues(status).Inc()
}

// RecordTaskStart records the start of a fetch task
func RecordTaskStart(source string) {
	TasksRunning.WithLabelValues(source).Inc()
}

// RecordTaskComplete records the outcome of a fetch task
func RecordTaskComplete(source, status string, fetchSeconds float64) {
	TasksRunning.WithLabelValues(source).Dec()
	TasksTotal.WithLabelValues(source, status).Inc()

	if fetchSeconds > 0 {
		FetchDuration.WithLabelValues(source).Observe(fetchSeconds)
	}
}

// RecordTaskRetry records a retry scheduled for source
func RecordTaskRetry(source string) {
	TaskRetries.WithLabelValues(source).Inc()
}

// RecordRawRecordsUpserted records raw rows written for source
func RecordRawRecordsUpserted(source string, count int64) {
	RawRecordsUpserted.WithLabelValues(source).Add(float64(count))
}

// RecordReconcileFixed records rows rewritten by a reconciliation kind
func RecordReconcileFixed(kind string, count int64) {
	ReconcileRowsFixed.WithLabelValues(kind).Add(float64(count))
}

// RecordAggregatesWritten records aggregate rows written for source
func RecordAggregatesWritten(source string, count int) {
	AggregatesWritten.WithLabelValues(source).Add(float64(count))
}

// RecordAnomaliesDetected records candidates of an anomaly type
func RecordAnomaliesDetected(anomalyType string, count int) {
	AnomaliesDetected.WithLabelValues(anomalyType).Add(float64(count))
}

// RecordSweep records a scheduled sweep run
func RecordSweep(kind, status string) {
	SweepsTotal.WithLabelValues(kind, status).Inc()
}

// RecordLeadership records whether this instance holds scheduler leadership
func RecordLeadership(leader bool) {
	if leader {
		SchedulerLeader.Set(1)
		return
	}

	SchedulerLeader.Set(0)
}

// RecordEnqueued records an item enqueued on the work queue
func RecordEnqueued(taskType string) {
	QueueEnqueued.WithLabelValues(taskType).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
