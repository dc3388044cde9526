package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/gridfill/pkg/backfill"
	"github.com/ethpandaops/gridfill/pkg/observability"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidQueueID is returned for correlation ids not produced by QueueManager
	ErrInvalidQueueID = errors.New("invalid queue id")
)

// QueueManager manages task queuing
type QueueManager struct {
	log       logrus.FieldLogger
	client    *asynq.Client
	inspector *asynq.Inspector
	opts      Options
	now       func() time.Time
}

// NewQueueManager creates a new queue manager
func NewQueueManager(log logrus.FieldLogger, redisOpt asynq.RedisConnOpt, opts Options) *QueueManager {
	return &QueueManager{
		log:       log.WithField("component", "queue"),
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueFetch implements backfill.Queue
func (q *QueueManager) EnqueueFetch(ctx context.Context, jobID, taskID string, attempt int, delay time.Duration) (string, error) {
	p := FetchPayload{JobID: jobID, TaskID: taskID, Attempt: attempt, EnqueuedAt: q.now()}

	return q.enqueue(ctx, TypeFetch, p, fetchOptions(p, q.opts, delay))
}

// EnqueueMonitor implements backfill.Queue
func (q *QueueManager) EnqueueMonitor(ctx context.Context, jobID string, delay time.Duration) (string, error) {
	p := MonitorPayload{JobID: jobID, EnqueuedAt: q.now()}

	return q.enqueue(ctx, TypeMonitor, p, monitorOptions(q.opts, delay))
}

// EnqueueSweep queues a run of the named sweep unless one is already queued
func (q *QueueManager) EnqueueSweep(ctx context.Context, sweep string) (string, error) {
	p := SweepPayload{Sweep: sweep, EnqueuedAt: q.now()}

	return q.enqueue(ctx, TypeSweep, p, sweepOptions(p, q.opts))
}

func (q *QueueManager) enqueue(ctx context.Context, taskType string, payload interface{}, opts []asynq.Option) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}

	task := asynq.NewTask(taskType, data)

	info, err := q.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		queue, id := conflictTarget(taskType, payload, q.opts)

		log := q.log.WithFields(logrus.Fields{
			"type":     taskType,
			"queue_id": FormatQueueID(queue, id),
		})

		if !q.releaseFinished(queue, id, log) {
			// Same item still waiting or running; hand back the existing one
			log.Debug("Task already queued, skipping")

			return FormatQueueID(queue, id), nil
		}

		info, err = q.client.EnqueueContext(ctx, task, opts...)
	}

	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}

	observability.RecordEnqueued(taskType)

	return FormatQueueID(info.Queue, info.ID), nil
}

// releaseFinished deletes a conflicting item that will never run again
// (archived, or retained after completion) so its id can be reused. It
// reports whether the id is free.
func (q *QueueManager) releaseFinished(queue, id string, log logrus.FieldLogger) bool {
	info, err := q.inspector.GetTaskInfo(queue, id)
	if err != nil {
		// Gone between the conflict and the lookup
		return errors.Is(err, asynq.ErrTaskNotFound)
	}

	if info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted {
		return false
	}

	if err := q.inspector.DeleteTask(queue, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		log.WithError(err).Warn("Failed to delete finished queue item")

		return false
	}

	log.WithField("state", info.State.String()).Info("Replaced finished queue item")

	return true
}

// Status implements backfill.Queue
func (q *QueueManager) Status(_ context.Context, queueID string) (backfill.QueueStatus, error) {
	queue, id, err := ParseQueueID(queueID)
	if err != nil {
		return backfill.QueueStatus{}, err
	}

	info, err := q.inspector.GetTaskInfo(queue, id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return backfill.QueueStatus{ID: queueID, State: backfill.QueueStateMissing}, nil
		}

		return backfill.QueueStatus{}, fmt.Errorf("failed to inspect %s: %w", queueID, err)
	}

	return backfill.QueueStatus{
		ID:     queueID,
		State:  info.State.String(),
		Result: string(info.Result),
		Error:  info.LastErr,
	}, nil
}

// QueueStats returns statistics of the fetch and control queues
func (q *QueueManager) QueueStats() ([]*asynq.QueueInfo, error) {
	var stats []*asynq.QueueInfo

	for _, name := range []string{q.opts.FetchQueue, q.opts.ControlQueue} {
		info, err := q.inspector.GetQueueInfo(name)
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}

			return nil, err
		}

		stats = append(stats, info)
	}

	return stats, nil
}

// Close closes the queue manager
func (q *QueueManager) Close() error {
	if err := q.inspector.Close(); err != nil {
		q.log.WithError(err).Warn("Failed to close inspector")
	}

	return q.client.Close()
}

// FormatQueueID builds the correlation id stored on tasks and jobs
func FormatQueueID(queue, id string) string {
	return queue + "/" + id
}

// ParseQueueID splits a correlation id back into queue name and asynq task id
func ParseQueueID(queueID string) (queue, id string, err error) {
	queue, id, ok := strings.Cut(queueID, "/")
	if !ok || queue == "" || id == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidQueueID, queueID)
	}

	return queue, id, nil
}

func fetchOptions(p FetchPayload, opts Options, delay time.Duration) []asynq.Option {
	o := []asynq.Option{
		asynq.TaskID(p.UniqueID()),
		asynq.Queue(opts.FetchQueue),
		asynq.MaxRetry(opts.MaxRetry),
		asynq.Timeout(opts.FetchTimeout),
	}

	if delay > 0 {
		o = append(o, asynq.ProcessIn(delay))
	}

	return o
}

func monitorOptions(opts Options, delay time.Duration) []asynq.Option {
	o := []asynq.Option{
		asynq.Queue(opts.ControlQueue),
		asynq.MaxRetry(opts.MaxRetry),
		asynq.Timeout(opts.MonitorTimeout),
	}

	if delay > 0 {
		o = append(o, asynq.ProcessIn(delay))
	}

	return o
}

func sweepOptions(p SweepPayload, opts Options) []asynq.Option {
	return []asynq.Option{
		asynq.TaskID(p.UniqueID()),
		asynq.Queue(opts.ControlQueue),
		asynq.MaxRetry(0),
		asynq.Timeout(opts.SweepTimeout),
	}
}

// conflictTarget names the queue item a TaskID conflict collided with
func conflictTarget(taskType string, payload interface{}, opts Options) (queue, id string) {
	switch p := payload.(type) {
	case FetchPayload:
		return opts.FetchQueue, p.UniqueID()
	case SweepPayload:
		return opts.ControlQueue, p.UniqueID()
	default:
		return opts.ControlQueue, taskType
	}
}

var _ backfill.Queue = (*QueueManager)(nil)
