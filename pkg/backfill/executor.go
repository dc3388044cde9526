package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/gridfill/pkg/observability"
	"github.com/ethpandaops/gridfill/pkg/source"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/sirupsen/logrus"
)

const maxErrorMessage = 1000

// Executor runs single attempts of fetch tasks. It drives the task state
// machine itself. Job counters are left to the monitor, except for a job
// that ended while the attempt was running.
type Executor struct {
	log      logrus.FieldLogger
	cfg      *Config
	store    *store.Store
	registry *source.Registry
	backoff  *Backoff

	now func() time.Time
}

// NewExecutor creates a task executor
func NewExecutor(log logrus.FieldLogger, cfg *Config, st *store.Store, registry *source.Registry) *Executor {
	return &Executor{
		log:      log.WithField("component", "executor"),
		cfg:      cfg,
		store:    st,
		registry: registry,
		backoff:  NewBackoff(cfg.Retry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Execute claims a pending task, fetches its chunk and upserts the records.
// Fetch and mapping failures become task state; an error is returned only
// when the task state itself could not be written.
func (e *Executor) Execute(ctx context.Context, taskID string) (*ExecuteResult, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		e.log.WithField("task_id", taskID).Debug("Task no longer exists")

		return &ExecuteResult{TaskID: taskID, Outcome: OutcomeSkipped}, nil
	}

	if err != nil {
		return nil, err
	}

	result := &ExecuteResult{TaskID: task.ID, JobID: task.JobID, Source: task.Source}

	log := e.log.WithFields(logrus.Fields{
		"task_id": task.ID,
		"job_id":  task.JobID,
		"source":  task.Source,
		"unit_id": task.UnitID,
	})

	if task.Status != store.TaskPending {
		log.WithField("status", task.Status).Debug("Task not pending, skipping")

		result.Outcome = OutcomeSkipped

		return result, nil
	}

	claimed, err := e.store.ClaimTask(ctx, task.ID, e.now())
	if err != nil {
		return nil, err
	}

	if !claimed {
		log.Debug("Task claimed elsewhere or its job ended, skipping")

		result.Outcome = OutcomeSkipped

		return result, nil
	}

	task.AttemptCount++
	result.Attempt = task.AttemptCount
	log = log.WithField("attempt", task.AttemptCount)

	observability.RecordTaskStart(task.Source)

	started := time.Now()
	records, fetchErr := e.fetchAndStore(ctx, task, log)
	elapsed := time.Since(started).Seconds()

	if fetchErr == nil {
		done, err := e.store.CompleteTask(ctx, task.ID, records, "", e.now())
		if err != nil {
			observability.RecordTaskComplete(task.Source, string(OutcomeFailed), elapsed)
			return nil, err
		}

		if !done {
			log.Warn("Task was reset while running, keeping its new status")
		}

		result.Outcome = OutcomeCompleted
		result.Records = records

		if done {
			e.settle(ctx, task.JobID, log)
		}

		observability.RecordTaskComplete(task.Source, string(OutcomeCompleted), elapsed)

		log.WithField("records", records).Info("Task completed")

		return result, nil
	}

	result.Err = fetchErr

	return e.fail(ctx, task, result, elapsed, log)
}

func (e *Executor) fetchAndStore(ctx context.Context, task *store.Task, log logrus.FieldLogger) (int, error) {
	adapter, err := e.registry.Get(task.Source)
	if err != nil {
		return 0, err
	}

	unit, err := e.store.GetUnit(ctx, task.UnitID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, &source.DataIntegrityError{Source: task.Source, Reason: fmt.Sprintf("generation unit %s not found", task.UnitID)}
	}

	if err != nil {
		return 0, err
	}

	fetchCtx := ctx
	if e.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc

		fetchCtx, cancel = context.WithTimeout(ctx, e.cfg.FetchTimeout)
		defer cancel()
	}

	records, meta, err := adapter.Fetch(fetchCtx, source.Query{
		Start:       task.ChunkStart,
		End:         task.ChunkEnd,
		Identifiers: []string{unit.Code},
	})
	if err != nil {
		return 0, err
	}

	raw, err := source.ToRawRecords(adapter.Name(), records)
	if err != nil {
		return 0, err
	}

	written, err := e.store.UpsertRawRecords(ctx, raw, e.now())
	if err != nil {
		return 0, fmt.Errorf("failed to store records: %w", err)
	}

	observability.RecordRawRecordsUpserted(adapter.Name(), written)

	log.WithFields(logrus.Fields{
		"records":   len(raw),
		"written":   written,
		"api_calls": meta.APICalls,
	}).Debug("Stored fetched records")

	if !meta.Success {
		// Records that did arrive are kept; the retry re-fetches the chunk idempotently
		return 0, &source.TransientError{
			Source: adapter.Name(),
			Err:    fmt.Errorf("partial fetch: %s", strings.Join(meta.Errors, "; ")),
		}
	}

	return len(raw), nil
}

// fail applies the retry policy to a failed attempt
func (e *Executor) fail(ctx context.Context, task *store.Task, result *ExecuteResult, elapsed float64, log logrus.FieldLogger) (*ExecuteResult, error) {
	retry := source.Retryable(result.Err) && task.AttemptCount < task.MaxAttempts

	status := store.TaskFailed
	if retry {
		status = store.TaskPending
	}

	message := truncateMessage(fmt.Sprintf("attempt %d/%d: %v", task.AttemptCount, task.MaxAttempts, result.Err))

	released, err := e.store.ReleaseTask(ctx, task.ID, status, message, e.now())
	if err != nil {
		observability.RecordTaskComplete(task.Source, string(OutcomeFailed), elapsed)
		return nil, err
	}

	if !released && retry {
		// The job ended during this attempt, so there is no next one
		retry = false
		message = truncateMessage(message + "; job ended before a retry")

		released, err = e.store.ReleaseTask(ctx, task.ID, store.TaskFailed, message, e.now())
		if err != nil {
			observability.RecordTaskComplete(task.Source, string(OutcomeFailed), elapsed)
			return nil, err
		}
	}

	if !released {
		log.WithError(result.Err).Info("Task failed after being cancelled or reset")

		result.Outcome = OutcomeSkipped
		observability.RecordTaskComplete(task.Source, string(OutcomeSkipped), elapsed)

		return result, nil
	}

	if retry {
		delay := e.backoff.Delay(task.AttemptCount)
		if after := source.RetryAfter(result.Err); after > delay {
			delay = after
		}

		result.Outcome = OutcomeRetry
		result.RetryIn = delay

		observability.RecordTaskRetry(task.Source)
		observability.RecordTaskComplete(task.Source, string(OutcomeRetry), elapsed)

		log.WithError(result.Err).WithField("retry_in", delay).Warn("Task attempt failed, will retry")

		return result, nil
	}

	result.Outcome = OutcomeFailed

	observability.RecordTaskComplete(task.Source, string(OutcomeFailed), elapsed)
	observability.RecordError("executor", errorType(result.Err))

	log.WithError(result.Err).Error("Task failed permanently")

	e.settle(ctx, task.JobID, log)

	return result, nil
}

// settle reconciles the job of a task that finished after the job itself
// ended. The monitor no longer runs for such a job.
func (e *Executor) settle(ctx context.Context, jobID string, log logrus.FieldLogger) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil || !job.Status.Terminal() {
		return
	}

	job, err = settleEnded(ctx, e.store, jobID, e.now())
	if err != nil {
		log.WithError(err).Warn("Failed to reconcile counters of ended job")
		observability.RecordError("executor", "settle")

		return
	}

	log.WithFields(logrus.Fields{
		"job_status": job.Status,
		"completed":  job.CompletedTasks,
		"failed":     job.FailedTasks,
	}).Info("Reconciled ended job after late task")
}

func errorType(err error) string {
	var integrity *source.DataIntegrityError

	switch {
	case errors.As(err, &integrity):
		return "data_integrity"
	case errors.Is(err, source.ErrUnknownSource):
		return "unknown_source"
	default:
		return "transient"
	}
}

func truncateMessage(s string) string {
	if len(s) <= maxErrorMessage {
		return s
	}

	return s[:maxErrorMessage]
}
