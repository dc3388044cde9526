package backfill

import (
	"context"
	"sync"
	"time"

	"github.com/ethpandaops/gridfill/pkg/observability"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// RunSync processes the job without the work queue. Pending tasks run in
// rounds of bounded concurrency; between rounds the loop waits for the
// longest backoff any retried task asked for. Job counters are bumped after
// each task and reconciled against the task rows when the job is finalized.
func (s *service) RunSync(ctx context.Context, jobID string) (*store.Job, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case store.JobPending:
		if _, err := s.store.TransitionJob(ctx, jobID, store.JobPending, store.JobInProgress, s.now()); err != nil {
			return nil, err
		}

		observability.RecordJobTransition(string(store.JobInProgress))
	case store.JobInProgress:
	default:
		return nil, invalid("job %s is %s; only pending or running jobs can be processed", jobID, job.Status)
	}

	log := s.log.WithFields(logrus.Fields{"job_id": jobID, "mode": "sync"})

	for round := 1; ; round++ {
		job, err = s.getJob(ctx, jobID)
		if err != nil {
			return nil, err
		}

		if job.Status != store.JobInProgress {
			log.WithField("status", job.Status).Info("Job left in_progress, stopping")

			return job, nil
		}

		pending, err := s.store.ListTasks(ctx, jobID, store.TaskPending)
		if err != nil {
			return nil, err
		}

		if len(pending) == 0 {
			counts, err := s.store.CountTasks(ctx, jobID)
			if err != nil {
				return nil, err
			}

			if counts.InProgress == 0 {
				break
			}

			// Tasks claimed by another worker; wait for them like the monitor would
			if err := sleep(ctx, s.cfg.MonitorInterval); err != nil {
				return nil, err
			}

			continue
		}

		wait, err := s.runRound(ctx, pending)
		if err != nil {
			return nil, err
		}

		log.WithFields(logrus.Fields{
			"round":    round,
			"tasks":    len(pending),
			"retry_in": wait,
		}).Debug("Finished processing round")

		if wait > 0 {
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}

	if _, err := s.finalize(ctx, jobID); err != nil {
		return nil, err
	}

	return s.getJob(ctx, jobID)
}

// runRound executes tasks concurrently and returns the longest retry delay requested
func (s *service) runRound(ctx context.Context, tasks []*store.Task) (time.Duration, error) {
	var (
		mu   sync.Mutex
		wait time.Duration
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SyncConcurrency)

	for _, t := range tasks {
		g.Go(func() error {
			res, err := s.executor.Execute(gctx, t.ID)
			if err != nil {
				return err
			}

			switch res.Outcome {
			case OutcomeCompleted:
				return s.store.IncrementJobCounters(gctx, t.JobID, 1, 0, s.now())
			case OutcomeFailed:
				return s.store.IncrementJobCounters(gctx, t.JobID, 0, 1, s.now())
			case OutcomeRetry:
				mu.Lock()
				if res.RetryIn > wait {
					wait = res.RetryIn
				}
				mu.Unlock()
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	return wait, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
