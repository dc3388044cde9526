package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/gridfill/pkg/backfill"
	"github.com/ethpandaops/gridfill/pkg/observability"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// SweepRunner runs a named scheduled sweep
type SweepRunner interface {
	RunSweep(ctx context.Context, name string) error
}

// TaskHandler handles task execution
type TaskHandler struct {
	log      logrus.FieldLogger
	backfill backfill.Service
	sweeps   SweepRunner
}

// NewTaskHandler creates a new task handler. sweeps may be nil on workers
// that only process backfills.
func NewTaskHandler(log logrus.FieldLogger, svc backfill.Service, sweeps SweepRunner) *TaskHandler {
	return &TaskHandler{
		log:      log.WithField("component", "task-handler"),
		backfill: svc,
		sweeps:   sweeps,
	}
}

// HandleFetch executes one attempt of a backfill task. Fetch failures are
// task state; only a failing store surfaces as an error so asynq retries it.
func (h *TaskHandler) HandleFetch(ctx context.Context, t *asynq.Task) error {
	p, err := decodePayload[FetchPayload](t.Payload())
	if err != nil {
		observability.RecordError("task-handler", "unmarshal_error")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	log := h.log.WithFields(logrus.Fields{
		"job_id":  p.JobID,
		"task_id": p.TaskID,
		"attempt": p.Attempt + 1,
	})

	res, err := h.backfill.Execute(ctx, p.TaskID)
	if err != nil {
		log.WithError(err).Error("Task execution failed")
		observability.RecordError("task-handler", "execution_error")

		return fmt.Errorf("execution error: %w", err)
	}

	log.WithFields(logrus.Fields{
		"outcome":  res.Outcome,
		"records":  res.Records,
		"retry_in": res.RetryIn,
		"queued":   time.Since(p.EnqueuedAt).Round(time.Millisecond),
	}).Debug("Fetch task handled")

	return nil
}

// HandleMonitor runs one monitor pass. The pass reschedules itself while
// the job is still running.
func (h *TaskHandler) HandleMonitor(ctx context.Context, t *asynq.Task) error {
	p, err := decodePayload[MonitorPayload](t.Payload())
	if err != nil {
		observability.RecordError("task-handler", "unmarshal_error")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	res, err := h.backfill.Monitor(ctx, p.JobID)
	if err != nil {
		observability.RecordError("task-handler", "monitor_error")
		return fmt.Errorf("monitor error for job %s: %w", p.JobID, err)
	}

	if res.Done {
		h.log.WithFields(logrus.Fields{
			"job_id": p.JobID,
			"status": res.Status,
		}).Debug("Monitor finished")
	}

	return nil
}

// HandleSweep runs a scheduled sweep
func (h *TaskHandler) HandleSweep(ctx context.Context, t *asynq.Task) error {
	p, err := decodePayload[SweepPayload](t.Payload())
	if err != nil {
		observability.RecordError("task-handler", "unmarshal_error")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	if h.sweeps == nil {
		return fmt.Errorf("no sweep runner configured for %s: %w", p.Sweep, asynq.SkipRetry)
	}

	if err := h.sweeps.RunSweep(ctx, p.Sweep); err != nil {
		return fmt.Errorf("sweep %s failed: %w", p.Sweep, err)
	}

	return nil
}

// Routes returns the task handler routes for Asynq
func (h *TaskHandler) Routes() map[string]asynq.HandlerFunc {
	return map[string]asynq.HandlerFunc{
		TypeFetch:   h.HandleFetch,
		TypeMonitor: h.HandleMonitor,
		TypeSweep:   h.HandleSweep,
	}
}
