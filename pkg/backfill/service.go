// Package backfill decomposes backfill requests into fetch tasks and owns the
// job and task state machines.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethpandaops/gridfill/pkg/observability"
	"github.com/ethpandaops/gridfill/pkg/source"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Service defines the public interface of the job orchestrator
type Service interface {
	// Create persists a pending job and all of its pending tasks
	Create(ctx context.Context, spec JobSpec) (*store.Job, error)
	// Preview reports what Create would produce without persisting anything
	Preview(ctx context.Context, spec JobSpec) (*Preview, error)
	// Start moves a pending job to in_progress and enqueues its pending tasks
	Start(ctx context.Context, jobID string) (*store.Job, error)
	// Get returns a job with tasks and failure summary
	Get(ctx context.Context, jobID string, withQueueState bool) (*JobDetail, error)
	// List returns jobs matching filter and the unpaginated total
	List(ctx context.Context, filter store.JobFilter) ([]*store.Job, int, error)
	// Cancel fails a job and skips its remaining tasks
	Cancel(ctx context.Context, jobID string) (*store.Job, error)
	// RetryFailed resets failed tasks to pending and the job back to pending
	RetryFailed(ctx context.Context, jobID string, taskIDs []string) (int, error)
	// ResetStuck force-fails tasks that can no longer finish on their own
	ResetStuck(ctx context.Context, jobID string) (*ResetResult, error)
	// Delete removes a job that is not running, together with its tasks
	Delete(ctx context.Context, jobID string) error
	// Monitor runs one monitor pass and finalizes the job once all tasks are
	// terminal. While tasks remain it schedules the next pass on the queue.
	Monitor(ctx context.Context, jobID string) (*MonitorResult, error)
	// Execute runs one attempt of a task. A retryable failure is put back on
	// the queue after its backoff.
	Execute(ctx context.Context, taskID string) (*ExecuteResult, error)
	// RunSync processes every pending task of a job in-process and finalizes it
	RunSync(ctx context.Context, jobID string) (*store.Job, error)
}

type service struct {
	log      logrus.FieldLogger
	cfg      *Config
	store    *store.Store
	registry *source.Registry
	queue    Queue
	executor *Executor

	now func() time.Time
}

// NewService creates a new job orchestrator. queue may be nil when only
// synchronous processing is used.
func NewService(log logrus.FieldLogger, cfg *Config, st *store.Store, registry *source.Registry, queue Queue) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backfill config: %w", err)
	}

	s := &service{
		log:      log.WithField("service", "backfill"),
		cfg:      cfg,
		store:    st,
		registry: registry,
		queue:    queue,
		now:      func() time.Time { return time.Now().UTC() },
	}

	s.executor = NewExecutor(log, cfg, st, registry)
	s.executor.now = func() time.Time { return s.now() }

	return s, nil
}

// plan resolves the unit set and decomposes spec into task specs
func (s *service) plan(ctx context.Context, spec JobSpec) ([]*store.GenerationUnit, []TaskSpec, error) {
	for _, src := range spec.UnitSet.Sources {
		if !s.registry.Has(src) {
			return nil, nil, invalid("unknown source %q", src)
		}
	}

	units, err := s.store.ListUnits(ctx, store.UnitFilter{
		UnitIDs:     spec.UnitSet.UnitIDs,
		WindfarmIDs: spec.UnitSet.WindfarmIDs,
		Sources:     spec.UnitSet.Sources,
		ActiveOnly:  true,
	})
	if err != nil {
		return nil, nil, err
	}

	specs, err := Decompose(units, spec.StartDate, spec.EndDate, spec.UnitSet.Sources)
	if err != nil {
		return nil, nil, err
	}

	var unknown []string

	for _, src := range taskSources(specs) {
		if !s.registry.Has(src) {
			unknown = append(unknown, src)
		}
	}

	if len(unknown) > 0 {
		return nil, nil, invalid("no source adapter for %s", strings.Join(unknown, ", "))
	}

	return units, specs, nil
}

func (s *service) Preview(ctx context.Context, spec JobSpec) (*Preview, error) {
	_, specs, err := s.plan(ctx, spec)
	if err != nil {
		return nil, err
	}

	unitIDs := make(map[string]bool)
	for _, t := range specs {
		unitIDs[t.UnitID] = true
	}

	r, _ := NormalizeRange(spec.StartDate, spec.EndDate)

	return &Preview{
		UnitCount:        len(unitIDs),
		TaskCount:        len(specs),
		ChunkCount:       len(MonthChunks(r)),
		Sources:          taskSources(specs),
		EstimatedMinutes: (time.Duration(len(specs)) * s.cfg.PerTaskEstimate).Minutes(),
	}, nil
}

func (s *service) Create(ctx context.Context, spec JobSpec) (*store.Job, error) {
	_, specs, err := s.plan(ctx, spec)
	if err != nil {
		return nil, err
	}

	r, _ := NormalizeRange(spec.StartDate, spec.EndDate)
	now := s.now()

	job := &store.Job{
		ID:         uuid.NewString(),
		UnitSet:    spec.UnitSet,
		StartDate:  r.Start,
		EndDate:    r.End.AddDate(0, 0, -1),
		Status:     store.JobPending,
		TotalTasks: len(specs),
		CreatedBy:  spec.CreatedBy,
		Metadata: store.JobMetadata{
			Sources: taskSources(specs),
			Extra:   spec.Extra,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	tasks := make([]*store.Task, 0, len(specs))
	for _, t := range specs {
		tasks = append(tasks, &store.Task{
			ID:          uuid.NewString(),
			JobID:       job.ID,
			UnitID:      t.UnitID,
			Source:      t.Source,
			ChunkStart:  t.Chunk.Start,
			ChunkEnd:    t.Chunk.End,
			Status:      store.TaskPending,
			MaxAttempts: s.cfg.MaxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertJob(ctx, job); err != nil {
			return err
		}

		return tx.InsertTasks(ctx, tasks)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	observability.RecordJobTransition(string(store.JobPending))

	s.log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"tasks":   job.TotalTasks,
		"sources": job.Metadata.Sources,
		"start":   job.StartDate.Format(time.DateOnly),
		"end":     job.EndDate.Format(time.DateOnly),
	}).Info("Created backfill job")

	return job, nil
}

func (s *service) Start(ctx context.Context, jobID string) (*store.Job, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case store.JobInProgress:
		return job, nil
	case store.JobPending:
	default:
		return nil, invalid("job %s is %s; only pending jobs can be started", jobID, job.Status)
	}

	if s.queue == nil {
		return nil, ErrNoQueue
	}

	moved, err := s.store.TransitionJob(ctx, jobID, store.JobPending, store.JobInProgress, s.now())
	if err != nil {
		return nil, err
	}

	if !moved {
		// Another caller started or cancelled it first
		return s.getJob(ctx, jobID)
	}

	observability.RecordJobTransition(string(store.JobInProgress))

	log := s.log.WithField("job_id", jobID)

	monitorID, err := s.queue.EnqueueMonitor(ctx, jobID, s.cfg.MonitorInterval)
	if err != nil {
		// Without a monitor nothing would drive the job; hand it back as pending
		if _, rbErr := s.store.TransitionJob(ctx, jobID, store.JobInProgress, store.JobPending, s.now()); rbErr != nil {
			log.WithError(rbErr).Error("Failed to move job back to pending")
		}

		return nil, fmt.Errorf("failed to enqueue monitor for job %s: %w", jobID, err)
	}

	if err := s.store.SetJobQueueID(ctx, jobID, monitorID, s.now()); err != nil {
		return nil, err
	}

	enqueued, err := s.enqueuePending(ctx, jobID)
	if err != nil {
		// The monitor enqueues whatever is still missing on its next pass
		log.WithError(err).Warn("Failed to enqueue all pending tasks")
		observability.RecordError("backfill", "enqueue")
	}

	log.WithField("tasks", enqueued).Info("Started backfill job")

	return s.getJob(ctx, jobID)
}

// enqueuePending puts every pending task without a live queue item on the queue
func (s *service) enqueuePending(ctx context.Context, jobID string) (int, error) {
	pending, err := s.store.ListTasks(ctx, jobID, store.TaskPending)
	if err != nil {
		return 0, err
	}

	enqueued := 0

	for _, t := range pending {
		if t.QueueID != "" && !s.queueItemGone(ctx, t.QueueID) {
			continue
		}

		queueID, err := s.queue.EnqueueFetch(ctx, jobID, t.ID, t.AttemptCount, 0)
		if err != nil {
			return enqueued, fmt.Errorf("failed to enqueue task %s: %w", t.ID, err)
		}

		if err := s.store.SetTaskQueueID(ctx, t.ID, queueID, s.now()); err != nil {
			return enqueued, err
		}

		enqueued++
	}

	return enqueued, nil
}

// queueItemGone reports whether a pending task's queue item finished without
// running it again, e.g. a worker died between releasing and re-enqueueing.
func (s *service) queueItemGone(ctx context.Context, queueID string) bool {
	status, err := s.queue.Status(ctx, queueID)
	if err != nil {
		s.log.WithError(err).WithField("queue_id", queueID).Debug("Failed to look up queue item")

		return false
	}

	return status.Gone()
}

// scheduleRetry enqueues the next attempt of a released task after its backoff
func (s *service) scheduleRetry(ctx context.Context, res *ExecuteResult) error {
	queueID, err := s.queue.EnqueueFetch(ctx, res.JobID, res.TaskID, res.Attempt, res.RetryIn)
	if err != nil {
		// An empty queue id hands the task to the next monitor pass
		if clearErr := s.store.SetTaskQueueID(ctx, res.TaskID, "", s.now()); clearErr != nil {
			s.log.WithError(clearErr).WithField("task_id", res.TaskID).Error("Failed to clear queue id")
		}

		return err
	}

	return s.store.SetTaskQueueID(ctx, res.TaskID, queueID, s.now())
}

// scheduleMonitor enqueues the next monitor pass of a job
func (s *service) scheduleMonitor(ctx context.Context, jobID string) error {
	queueID, err := s.queue.EnqueueMonitor(ctx, jobID, s.cfg.MonitorInterval)
	if err != nil {
		return fmt.Errorf("failed to reschedule monitor for job %s: %w", jobID, err)
	}

	return s.store.SetJobQueueID(ctx, jobID, queueID, s.now())
}

func (s *service) Get(ctx context.Context, jobID string, withQueueState bool) (*JobDetail, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	tasks, err := s.store.ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	detail := &JobDetail{Job: job, Tasks: tasks}

	for _, t := range tasks {
		switch t.Status {
		case store.TaskPending:
			detail.Counts.Pending++
		case store.TaskInProgress:
			detail.Counts.InProgress++
		case store.TaskCompleted:
			detail.Counts.Completed++
		case store.TaskFailed:
			detail.Counts.Failed++
			detail.Failures = append(detail.Failures, TaskFailure{
				TaskID:     t.ID,
				UnitID:     t.UnitID,
				Source:     t.Source,
				ChunkStart: t.ChunkStart,
				Attempts:   t.AttemptCount,
				Error:      t.ErrorMessage,
			})
		case store.TaskSkipped:
			detail.Counts.Skipped++
		}
	}

	if withQueueState && s.queue != nil {
		detail.QueueStates = make(map[string]QueueStatus)

		for _, t := range tasks {
			if t.QueueID == "" || t.Status.Terminal() {
				continue
			}

			status, err := s.queue.Status(ctx, t.QueueID)
			if err != nil {
				status = QueueStatus{ID: t.QueueID, State: "unknown", Error: err.Error()}
			}

			detail.QueueStates[t.QueueID] = status
		}
	}

	return detail, nil
}

func (s *service) List(ctx context.Context, filter store.JobFilter) ([]*store.Job, int, error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, 0, invalid("unknown job status %q", st)
		}
	}

	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, 0, invalid("limit and offset must not be negative")
	}

	return s.store.ListJobs(ctx, filter)
}

func (s *service) Cancel(ctx context.Context, jobID string) (*store.Job, error) {
	var (
		job     *store.Job
		skipped int64
	)

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error

		job, err = tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}

		if job.Status.Terminal() {
			return invalid("job %s is already %s", jobID, job.Status)
		}

		now := s.now()

		skipped, err = tx.SkipActiveTasks(ctx, jobID, "job cancelled", now)
		if err != nil {
			return err
		}

		counts, err := tx.CountTasks(ctx, jobID)
		if err != nil {
			return err
		}

		job.Status = store.JobFailed
		job.ErrorMessage = "cancelled by operator"
		job.Metadata.Cancelled = true
		job.CompletedAt = &now
		job.UpdatedAt = now
		applyCounts(job, counts, now)

		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		return nil, s.translate(jobID, err)
	}

	observability.RecordJobTransition(string(store.JobFailed))

	s.log.WithFields(logrus.Fields{
		"job_id":        jobID,
		"tasks_skipped": skipped,
	}).Info("Cancelled backfill job")

	return job, nil
}

func (s *service) RetryFailed(ctx context.Context, jobID string, taskIDs []string) (int, error) {
	var reset int64

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}

		if job.Status == store.JobInProgress {
			return invalid("job %s is in progress; wait for it to finish or cancel it first", jobID)
		}

		if job.Metadata.Cancelled {
			return invalid("job %s was cancelled and cannot be retried", jobID)
		}

		failed, err := tx.ListTasks(ctx, jobID, store.TaskFailed)
		if err != nil {
			return err
		}

		ids := selectTaskIDs(failed, taskIDs)
		if len(ids) == 0 {
			return invalid("job %s has no failed tasks to retry", jobID)
		}

		now := s.now()

		reset, err = tx.ResetFailedTasks(ctx, ids, now)
		if err != nil {
			return err
		}

		job.FailedTasks -= int(reset)
		if job.FailedTasks < 0 {
			job.FailedTasks = 0
		}

		job.Status = store.JobPending
		job.ErrorMessage = ""
		job.CompletedAt = nil
		job.UpdatedAt = now

		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		return 0, s.translate(jobID, err)
	}

	observability.RecordJobTransition(string(store.JobPending))

	s.log.WithFields(logrus.Fields{
		"job_id": jobID,
		"tasks":  reset,
	}).Info("Reset failed tasks for retry")

	return int(reset), nil
}

func (s *service) ResetStuck(ctx context.Context, jobID string) (*ResetResult, error) {
	result := &ResetResult{}

	var before store.JobStatus

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}

		before = job.Status
		now := s.now()

		running, err := tx.ListTasks(ctx, jobID, store.TaskInProgress)
		if err != nil {
			return err
		}

		var orphaned, stale []string

		for _, t := range running {
			switch {
			case job.Status != store.JobInProgress:
				orphaned = append(orphaned, t.ID)
			case t.StartedAt == nil || now.Sub(*t.StartedAt) > s.cfg.StuckThreshold:
				stale = append(stale, t.ID)
			}
		}

		inProgress := []store.TaskStatus{store.TaskInProgress}

		n, err := tx.FailTasks(ctx, orphaned, inProgress,
			fmt.Sprintf("reset: task was in progress while job was %s", job.Status), now)
		if err != nil {
			return err
		}

		result.StuckTasks += int(n)

		n, err = tx.FailTasks(ctx, stale, inProgress,
			fmt.Sprintf("reset: task was in progress for more than %s", s.cfg.StuckThreshold), now)
		if err != nil {
			return err
		}

		result.StuckTasks += int(n)

		// A running job with reset tasks ends here, so nothing may stay pending
		ending := job.Status == store.JobInProgress && result.StuckTasks > 0

		if job.Status.Terminal() || ending {
			pending, err := tx.ListTasks(ctx, jobID, store.TaskPending)
			if err != nil {
				return err
			}

			message := fmt.Sprintf("reset: task was still pending while job was %s", job.Status)
			if ending {
				message = "reset: job ended with stuck tasks before this task ran"
			}

			n, err := tx.FailTasks(ctx, taskIDsOf(pending), []store.TaskStatus{store.TaskPending}, message, now)
			if err != nil {
				return err
			}

			result.PendingFailed = int(n)
		}

		if result.StuckTasks+result.PendingFailed > 0 {
			counts, err := tx.CountTasks(ctx, jobID)
			if err != nil {
				return err
			}

			if ending {
				job.Status = store.JobPartiallyCompleted
				job.CompletedAt = &now
				job.ErrorMessage = fmt.Sprintf("%d stuck tasks reset", result.StuckTasks)
			}

			if job.Status.Terminal() {
				applyEnded(job, counts, now)
			} else {
				job.UpdatedAt = now
				applyCounts(job, counts, now)
			}

			if err := tx.UpdateJob(ctx, job); err != nil {
				return err
			}
		}

		result.Job = job

		return nil
	})
	if err != nil {
		return nil, s.translate(jobID, err)
	}

	if result.StuckTasks+result.PendingFailed > 0 {
		if result.Job.Status != before {
			observability.RecordJobTransition(string(result.Job.Status))
		}

		s.log.WithFields(logrus.Fields{
			"job_id":         jobID,
			"stuck_tasks":    result.StuckTasks,
			"pending_failed": result.PendingFailed,
			"status":         result.Job.Status,
		}).Warn("Reset stuck tasks")
	}

	return result, nil
}

func (s *service) Delete(ctx context.Context, jobID string) error {
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}

		if job.Status == store.JobInProgress {
			return invalid("job %s is in progress; cancel it first", jobID)
		}

		counts, err := tx.CountTasks(ctx, jobID)
		if err != nil {
			return err
		}

		if counts.InProgress > 0 {
			return invalid("job %s still has %d tasks in progress; reset stuck tasks first", jobID, counts.InProgress)
		}

		return tx.DeleteJob(ctx, jobID)
	})
	if err != nil {
		return s.translate(jobID, err)
	}

	s.log.WithField("job_id", jobID).Info("Deleted backfill job")

	return nil
}

func (s *service) Execute(ctx context.Context, taskID string) (*ExecuteResult, error) {
	res, err := s.executor.Execute(ctx, taskID)
	if err != nil || res.Outcome != OutcomeRetry || s.queue == nil {
		return res, err
	}

	if err := s.scheduleRetry(ctx, res); err != nil {
		s.log.WithError(err).WithField("task_id", taskID).Warn("Failed to enqueue retry, leaving it to the monitor")
		observability.RecordError("backfill", "enqueue")
	}

	return res, nil
}

func (s *service) getJob(ctx context.Context, jobID string) (*store.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, s.translate(jobID, err)
	}

	return job, nil
}

func (s *service) translate(jobID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return jobNotFound(jobID)
	}

	return err
}

// applyCounts refreshes the cached counters and progress snapshot from task rows
func applyCounts(job *store.Job, counts store.TaskCounts, now time.Time) {
	job.CompletedTasks = counts.Completed
	job.FailedTasks = counts.Failed
	job.Metadata.Progress = progressOf(counts, now)
}

func progressOf(counts store.TaskCounts, now time.Time) *store.Progress {
	p := &store.Progress{
		Pending:    counts.Pending,
		InProgress: counts.InProgress,
		Completed:  counts.Completed,
		Failed:     counts.Failed,
		Skipped:    counts.Skipped,
		UpdatedAt:  now,
	}

	if total := counts.Total(); total > 0 {
		p.Percent = float64(total-counts.Active()) / float64(total) * 100
	}

	return p
}

func selectTaskIDs(tasks []*store.Task, wanted []string) []string {
	if len(wanted) == 0 {
		return taskIDsOf(tasks)
	}

	keep := make(map[string]bool, len(wanted))
	for _, id := range wanted {
		keep[id] = true
	}

	ids := make([]string, 0, len(wanted))

	for _, t := range tasks {
		if keep[t.ID] {
			ids = append(ids, t.ID)
		}
	}

	return ids
}

func taskIDsOf(tasks []*store.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}

	return ids
}

func taskSources(specs []TaskSpec) []string {
	seen := make(map[string]bool)

	var sources []string

	for _, t := range specs {
		if !seen[t.Source] {
			seen[t.Source] = true
			sources = append(sources, t.Source)
		}
	}

	sort.Strings(sources)

	return sources
}

var _ Service = (*service)(nil)
