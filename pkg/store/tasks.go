package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type taskRow struct {
	ID             string        `db:"id"`
	JobID          string        `db:"job_id"`
	UnitID         string        `db:"unit_id"`
	Source         string        `db:"source"`
	ChunkStart     int64         `db:"chunk_start"`
	ChunkEnd       int64         `db:"chunk_end"`
	Status         string        `db:"status"`
	AttemptCount   int           `db:"attempt_count"`
	MaxAttempts    int           `db:"max_attempts"`
	RecordsFetched int           `db:"records_fetched"`
	ErrorMessage   string        `db:"error_message"`
	QueueID        string        `db:"queue_id"`
	CreatedAt      int64         `db:"created_at"`
	StartedAt      sql.NullInt64 `db:"started_at"`
	CompletedAt    sql.NullInt64 `db:"completed_at"`
	UpdatedAt      int64         `db:"updated_at"`
}

const taskColumns = `id, job_id, unit_id, source, chunk_start, chunk_end, status, attempt_count, max_attempts,
	records_fetched, error_message, queue_id, created_at, started_at, completed_at, updated_at`

func (r *taskRow) toTask() *Task {
	return &Task{
		ID:             r.ID,
		JobID:          r.JobID,
		UnitID:         r.UnitID,
		Source:         r.Source,
		ChunkStart:     fromUnix(r.ChunkStart),
		ChunkEnd:       fromUnix(r.ChunkEnd),
		Status:         TaskStatus(r.Status),
		AttemptCount:   r.AttemptCount,
		MaxAttempts:    r.MaxAttempts,
		RecordsFetched: r.RecordsFetched,
		ErrorMessage:   r.ErrorMessage,
		QueueID:        r.QueueID,
		CreatedAt:      fromUnix(r.CreatedAt),
		StartedAt:      fromNullUnix(r.StartedAt),
		CompletedAt:    fromNullUnix(r.CompletedAt),
		UpdatedAt:      fromUnix(r.UpdatedAt),
	}
}

// InsertTasks persists a batch of new tasks
func (q *queries) InsertTasks(ctx context.Context, tasks []*Task) error {
	for _, t := range tasks {
		_, err := q.exec(ctx, `INSERT INTO backfill_tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.JobID, t.UnitID, t.Source, toUnix(t.ChunkStart), toUnix(t.ChunkEnd), string(t.Status),
			t.AttemptCount, t.MaxAttempts, t.RecordsFetched, t.ErrorMessage, t.QueueID, toUnix(t.CreatedAt),
			nullUnix(t.StartedAt), nullUnix(t.CompletedAt), toUnix(t.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
		}
	}

	return nil
}

// GetTask loads a task by id
func (q *queries) GetTask(ctx context.Context, id string) (*Task, error) {
	var row taskRow
	if err := q.get(ctx, &row, `SELECT `+taskColumns+` FROM backfill_tasks WHERE id = ?`, id); err != nil {
		return nil, err
	}

	return row.toTask(), nil
}

// ListTasks returns the tasks of a job, optionally restricted to some statuses
func (q *queries) ListTasks(ctx context.Context, jobID string, statuses ...TaskStatus) ([]*Task, error) {
	var where whereBuilder

	where.add("job_id = ?", jobID)

	if len(statuses) > 0 {
		s := make([]string, 0, len(statuses))
		for _, status := range statuses {
			s = append(s, string(status))
		}

		where.add("status IN (?)", s)
	}

	var rows []taskRow
	if err := q.selectIn(ctx, &rows, `SELECT `+taskColumns+` FROM backfill_tasks`+where.String()+
		` ORDER BY chunk_start, unit_id, id`, where.args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks of job %s: %w", jobID, err)
	}

	tasks := make([]*Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, rows[i].toTask())
	}

	return tasks, nil
}

// CountTasks tallies the tasks of a job by status, read from the task rows
func (q *queries) CountTasks(ctx context.Context, jobID string) (TaskCounts, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}

	if err := q.selectIn(ctx, &rows, `SELECT status, COUNT(*) AS n FROM backfill_tasks WHERE job_id = ? GROUP BY status`, jobID); err != nil {
		return TaskCounts{}, fmt.Errorf("failed to count tasks of job %s: %w", jobID, err)
	}

	var counts TaskCounts

	for _, r := range rows {
		switch TaskStatus(r.Status) {
		case TaskPending:
			counts.Pending = r.N
		case TaskInProgress:
			counts.InProgress = r.N
		case TaskCompleted:
			counts.Completed = r.N
		case TaskFailed:
			counts.Failed = r.N
		case TaskSkipped:
			counts.Skipped = r.N
		}
	}

	return counts, nil
}

// activeJob restricts a backfill_tasks update to tasks whose job has not ended
const activeJob = `EXISTS (SELECT 1 FROM backfill_jobs j WHERE j.id = backfill_tasks.job_id AND j.status IN (?))`

func activeJobStatuses() []string {
	return []string{string(JobPending), string(JobInProgress)}
}

// ClaimTask moves a pending task to in_progress and counts the attempt.
// It reports false when the task was no longer pending or its job has ended.
func (q *queries) ClaimTask(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := q.exec(ctx, `UPDATE backfill_tasks SET status = ?, attempt_count = attempt_count + 1,
		started_at = ?, updated_at = ? WHERE id = ? AND status = ? AND `+activeJob,
		string(TaskInProgress), toUnix(now), toUnix(now), id, string(TaskPending), activeJobStatuses())
	if err != nil {
		return false, fmt.Errorf("failed to claim task %s: %w", id, err)
	}

	return n > 0, nil
}

// CompleteTask marks a running task completed. A task skipped by a cancel
// while it was running is still completed, since its data was written.
func (q *queries) CompleteTask(ctx context.Context, id string, records int, message string, now time.Time) (bool, error) {
	n, err := q.exec(ctx, `UPDATE backfill_tasks SET status = ?, records_fetched = ?, error_message = ?,
		completed_at = ?, updated_at = ? WHERE id = ? AND status IN (?)`,
		string(TaskCompleted), records, message, toUnix(now), toUnix(now), id,
		[]string{string(TaskInProgress), string(TaskSkipped)})
	if err != nil {
		return false, fmt.Errorf("failed to complete task %s: %w", id, err)
	}

	return n > 0, nil
}

// ReleaseTask ends a running attempt with status pending (retry) or failed.
// A task is only put back to pending while its job has not ended. It reports
// false when nothing was written.
func (q *queries) ReleaseTask(ctx context.Context, id string, status TaskStatus, message string, now time.Time) (bool, error) {
	completedAt := sql.NullInt64{}
	if status == TaskFailed {
		completedAt = sql.NullInt64{Int64: toUnix(now), Valid: true}
	}

	query := `UPDATE backfill_tasks SET status = ?, error_message = ?, completed_at = ?,
		updated_at = ? WHERE id = ? AND status = ?`
	args := []interface{}{string(status), message, completedAt, toUnix(now), id, string(TaskInProgress)}

	if status == TaskPending {
		query += ` AND ` + activeJob
		args = append(args, activeJobStatuses())
	}

	n, err := q.exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to release task %s: %w", id, err)
	}

	return n > 0, nil
}

// SetTaskQueueID records the correlation id of the task's latest queue item
func (q *queries) SetTaskQueueID(ctx context.Context, id, queueID string, now time.Time) error {
	_, err := q.exec(ctx, `UPDATE backfill_tasks SET queue_id = ?, updated_at = ? WHERE id = ?`, queueID, toUnix(now), id)

	return err
}

// SkipActiveTasks marks every pending or in_progress task of a job skipped
func (q *queries) SkipActiveTasks(ctx context.Context, jobID, message string, now time.Time) (int64, error) {
	n, err := q.exec(ctx, `UPDATE backfill_tasks SET status = ?, error_message = ?,
		completed_at = COALESCE(completed_at, ?), updated_at = ? WHERE job_id = ? AND status IN (?)`,
		string(TaskSkipped), message, toUnix(now), toUnix(now), jobID,
		[]string{string(TaskPending), string(TaskInProgress)})
	if err != nil {
		return 0, fmt.Errorf("failed to skip tasks of job %s: %w", jobID, err)
	}

	return n, nil
}

// ResetFailedTasks puts failed tasks back to pending with a fresh attempt budget
func (q *queries) ResetFailedTasks(ctx context.Context, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	n, err := q.exec(ctx, `UPDATE backfill_tasks SET status = ?, attempt_count = 0, error_message = '',
		queue_id = '', started_at = NULL, completed_at = NULL, updated_at = ? WHERE id IN (?) AND status = ?`,
		string(TaskPending), toUnix(now), ids, string(TaskFailed))
	if err != nil {
		return 0, fmt.Errorf("failed to reset tasks: %w", err)
	}

	return n, nil
}

// FailTasks force-fails the given tasks provided they are still in one of the from statuses
func (q *queries) FailTasks(ctx context.Context, ids []string, from []TaskStatus, message string, now time.Time) (int64, error) {
	if len(ids) == 0 || len(from) == 0 {
		return 0, nil
	}

	statuses := make([]string, 0, len(from))
	for _, s := range from {
		statuses = append(statuses, string(s))
	}

	n, err := q.exec(ctx, `UPDATE backfill_tasks SET status = ?, error_message = ?, completed_at = ?,
		updated_at = ? WHERE id IN (?) AND status IN (?)`,
		string(TaskFailed), message, toUnix(now), toUnix(now), ids, statuses)
	if err != nil {
		return 0, fmt.Errorf("failed to fail tasks: %w", err)
	}

	return n, nil
}
