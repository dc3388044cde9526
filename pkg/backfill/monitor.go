package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/gridfill/pkg/observability"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/sirupsen/logrus"
)

// FinalStatus derives the terminal job status from task counts once no task
// is pending or in progress.
func FinalStatus(counts store.TaskCounts) store.JobStatus {
	switch {
	case counts.Failed == 0:
		return store.JobCompleted
	case counts.Completed > 0:
		return store.JobPartiallyCompleted
	default:
		return store.JobFailed
	}
}

// applyEnded refreshes an ended job from its task rows. Once no task is
// active its status follows from the counts, except for a cancelled job.
func applyEnded(job *store.Job, counts store.TaskCounts, now time.Time) {
	applyCounts(job, counts, now)
	job.UpdatedAt = now

	if counts.Active() == 0 && !job.Metadata.Cancelled {
		job.Status = FinalStatus(counts)
	}
}

// settleEnded brings the counters of a job that ended while one of its tasks
// was still running back in line with the task rows.
func settleEnded(ctx context.Context, st *store.Store, jobID string, now time.Time) (*store.Job, error) {
	var job *store.Job

	err := st.InTx(ctx, func(tx *store.Tx) error {
		var err error

		job, err = tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}

		if !job.Status.Terminal() {
			return nil
		}

		counts, err := tx.CountTasks(ctx, jobID)
		if err != nil {
			return err
		}

		applyEnded(job, counts, now)

		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

func (s *service) Monitor(ctx context.Context, jobID string) (*MonitorResult, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	log := s.log.WithField("job_id", jobID)

	if job.Status != store.JobInProgress {
		log.WithField("status", job.Status).Debug("Job no longer in progress, monitor stopping")

		return &MonitorResult{Done: true, Status: job.Status}, nil
	}

	counts, err := s.store.CountTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if counts.Active() == 0 {
		return s.finalize(ctx, jobID)
	}

	now := s.now()
	applyCounts(job, counts, now)
	job.UpdatedAt = now

	if _, err := s.store.UpdateJobProgress(ctx, job); err != nil {
		return nil, err
	}

	if s.queue != nil {
		requeued, err := s.enqueuePending(ctx, jobID)
		if err != nil {
			log.WithError(err).Warn("Failed to enqueue pending tasks")
			observability.RecordError("backfill", "enqueue")
		} else if requeued > 0 {
			log.WithField("tasks", requeued).Info("Enqueued pending tasks without a queue item")
		}

		if err := s.scheduleMonitor(ctx, jobID); err != nil {
			return nil, err
		}
	}

	log.WithFields(logrus.Fields{
		"pending":     counts.Pending,
		"in_progress": counts.InProgress,
		"completed":   counts.Completed,
		"failed":      counts.Failed,
	}).Debug("Job still running, rescheduling monitor")

	return &MonitorResult{Done: false, Status: job.Status, Counts: counts}, nil
}

// finalize recomputes counts from the task rows under the job row lock and
// moves the job to its terminal status.
func (s *service) finalize(ctx context.Context, jobID string) (*MonitorResult, error) {
	result := &MonitorResult{}

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}

		if job.Status != store.JobInProgress {
			result.Done = true
			result.Status = job.Status

			return nil
		}

		counts, err := tx.CountTasks(ctx, jobID)
		if err != nil {
			return err
		}

		result.Counts = counts

		if counts.Active() > 0 {
			result.Status = job.Status
			return nil
		}

		now := s.now()

		job.Status = FinalStatus(counts)
		job.CompletedAt = &now
		job.UpdatedAt = now
		applyCounts(job, counts, now)

		switch job.Status {
		case store.JobFailed:
			job.ErrorMessage = fmt.Sprintf("all %d tasks failed", counts.Failed)
		case store.JobPartiallyCompleted:
			job.ErrorMessage = fmt.Sprintf("%d of %d tasks failed", counts.Failed, counts.Total())
		}

		result.Done = true
		result.Status = job.Status

		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		return nil, s.translate(jobID, err)
	}

	if result.Done && result.Counts.Total() > 0 {
		observability.RecordJobTransition(string(result.Status))

		s.log.WithFields(logrus.Fields{
			"job_id":    jobID,
			"status":    result.Status,
			"completed": result.Counts.Completed,
			"failed":    result.Counts.Failed,
			"skipped":   result.Counts.Skipped,
		}).Info("Finalized backfill job")
	}

	return result, nil
}
