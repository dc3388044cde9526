package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type jobRow struct {
	ID             string        `db:"id"`
	UnitSet        string        `db:"unit_set"`
	StartDate      int64         `db:"start_date"`
	EndDate        int64         `db:"end_date"`
	Status         string        `db:"status"`
	TotalTasks     int           `db:"total_tasks"`
	CompletedTasks int           `db:"completed_tasks"`
	FailedTasks    int           `db:"failed_tasks"`
	CreatedBy      string        `db:"created_by"`
	ErrorMessage   string        `db:"error_message"`
	QueueID        string        `db:"queue_id"`
	Metadata       string        `db:"metadata"`
	CreatedAt      int64         `db:"created_at"`
	StartedAt      sql.NullInt64 `db:"started_at"`
	CompletedAt    sql.NullInt64 `db:"completed_at"`
	UpdatedAt      int64         `db:"updated_at"`
}

const jobColumns = `id, unit_set, start_date, end_date, status, total_tasks, completed_tasks, failed_tasks,
	created_by, error_message, queue_id, metadata, created_at, started_at, completed_at, updated_at`

func (r *jobRow) toJob() (*Job, error) {
	job := &Job{
		ID:             r.ID,
		StartDate:      fromUnix(r.StartDate),
		EndDate:        fromUnix(r.EndDate),
		Status:         JobStatus(r.Status),
		TotalTasks:     r.TotalTasks,
		CompletedTasks: r.CompletedTasks,
		FailedTasks:    r.FailedTasks,
		CreatedBy:      r.CreatedBy,
		ErrorMessage:   r.ErrorMessage,
		QueueID:        r.QueueID,
		CreatedAt:      fromUnix(r.CreatedAt),
		StartedAt:      fromNullUnix(r.StartedAt),
		CompletedAt:    fromNullUnix(r.CompletedAt),
		UpdatedAt:      fromUnix(r.UpdatedAt),
	}

	if err := json.Unmarshal([]byte(r.UnitSet), &job.UnitSet); err != nil {
		return nil, fmt.Errorf("job %s has malformed unit_set: %w", r.ID, err)
	}

	if err := json.Unmarshal([]byte(r.Metadata), &job.Metadata); err != nil {
		return nil, fmt.Errorf("job %s has malformed metadata: %w", r.ID, err)
	}

	return job, nil
}

func jobArgs(job *Job) ([]interface{}, error) {
	unitSet, err := json.Marshal(job.UnitSet)
	if err != nil {
		return nil, err
	}

	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return nil, err
	}

	return []interface{}{
		job.ID, string(unitSet), toUnix(job.StartDate), toUnix(job.EndDate), string(job.Status),
		job.TotalTasks, job.CompletedTasks, job.FailedTasks, job.CreatedBy, job.ErrorMessage, job.QueueID,
		string(metadata), toUnix(job.CreatedAt), nullUnix(job.StartedAt), nullUnix(job.CompletedAt),
		toUnix(job.UpdatedAt),
	}, nil
}

// InsertJob persists a new job row
func (q *queries) InsertJob(ctx context.Context, job *Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	_, err = q.exec(ctx, `INSERT INTO backfill_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}

	return nil
}

// UpdateJob writes every mutable field of job
func (q *queries) UpdateJob(ctx context.Context, job *Job) error {
	unitSet, err := json.Marshal(job.UnitSet)
	if err != nil {
		return fmt.Errorf("failed to encode unit set: %w", err)
	}

	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	n, err := q.exec(ctx, `UPDATE backfill_jobs SET
		unit_set = ?, status = ?, total_tasks = ?, completed_tasks = ?, failed_tasks = ?,
		error_message = ?, queue_id = ?, metadata = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(unitSet), string(job.Status), job.TotalTasks, job.CompletedTasks, job.FailedTasks,
		job.ErrorMessage, job.QueueID, string(metadata), nullUnix(job.StartedAt), nullUnix(job.CompletedAt),
		toUnix(job.UpdatedAt), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateJobProgress refreshes the cached counters and metadata of a job,
// provided it is still in_progress. It reports whether the row changed.
func (q *queries) UpdateJobProgress(ctx context.Context, job *Job) (bool, error) {
	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode metadata: %w", err)
	}

	n, err := q.exec(ctx, `UPDATE backfill_jobs SET completed_tasks = ?, failed_tasks = ?, metadata = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		job.CompletedTasks, job.FailedTasks, string(metadata), toUnix(job.UpdatedAt), job.ID, string(JobInProgress))
	if err != nil {
		return false, fmt.Errorf("failed to update progress of job %s: %w", job.ID, err)
	}

	return n > 0, nil
}

// GetJob loads a job by id
func (q *queries) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.getJob(ctx, id, "")
}

// GetJobForUpdate loads a job by id and locks its row until the transaction ends
func (q *queries) GetJobForUpdate(ctx context.Context, id string) (*Job, error) {
	return q.getJob(ctx, id, q.forUpdate())
}

func (q *queries) getJob(ctx context.Context, id, lock string) (*Job, error) {
	var row jobRow
	if err := q.get(ctx, &row, `SELECT `+jobColumns+` FROM backfill_jobs WHERE id = ?`+lock, id); err != nil {
		return nil, err
	}

	return row.toJob()
}

// TransitionJob moves a job into status to when it is currently in from.
// It reports whether the row changed.
func (q *queries) TransitionJob(ctx context.Context, id string, from, to JobStatus, now time.Time) (bool, error) {
	var (
		n   int64
		err error
	)

	if to == JobInProgress {
		n, err = q.exec(ctx, `UPDATE backfill_jobs SET status = ?, started_at = ?, completed_at = NULL,
			error_message = '', updated_at = ? WHERE id = ? AND status = ?`,
			string(to), toUnix(now), toUnix(now), id, string(from))
	} else {
		n, err = q.exec(ctx, `UPDATE backfill_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), toUnix(now), id, string(from))
	}

	if err != nil {
		return false, fmt.Errorf("failed to transition job %s: %w", id, err)
	}

	return n > 0, nil
}

// SetJobQueueID records the correlation id of the job's monitor
func (q *queries) SetJobQueueID(ctx context.Context, id, queueID string, now time.Time) error {
	_, err := q.exec(ctx, `UPDATE backfill_jobs SET queue_id = ?, updated_at = ? WHERE id = ?`, queueID, toUnix(now), id)

	return err
}

// IncrementJobCounters adds to the cached completed/failed counters
func (q *queries) IncrementJobCounters(ctx context.Context, id string, completed, failed int, now time.Time) error {
	_, err := q.exec(ctx, `UPDATE backfill_jobs SET completed_tasks = completed_tasks + ?,
		failed_tasks = failed_tasks + ?, updated_at = ? WHERE id = ?`, completed, failed, toUnix(now), id)

	return err
}

// JobFilter narrows ListJobs
type JobFilter struct {
	Statuses  []JobStatus
	CreatedBy string
	Source    string
	Limit     int
	Offset    int
}

// ListJobs returns jobs newest first together with the unpaginated total
func (q *queries) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, int, error) {
	var where whereBuilder

	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}

		where.add("status IN (?)", statuses)
	}

	if filter.CreatedBy != "" {
		where.add("created_by = ?", filter.CreatedBy)
	}

	if filter.Source != "" {
		where.add("id IN (SELECT job_id FROM backfill_tasks WHERE source = ?)", filter.Source)
	}

	var total []int
	if err := q.selectIn(ctx, &total, `SELECT COUNT(*) FROM backfill_jobs`+where.String(), where.args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	args := append(append([]interface{}{}, where.args...), limit, filter.Offset)

	var rows []jobRow
	if err := q.selectIn(ctx, &rows, `SELECT `+jobColumns+` FROM backfill_jobs`+where.String()+
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(rows))

	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, 0, err
		}

		jobs = append(jobs, job)
	}

	count := 0
	if len(total) > 0 {
		count = total[0]
	}

	return jobs, count, nil
}

// DeleteJob removes a job and its tasks
func (q *queries) DeleteJob(ctx context.Context, id string) error {
	if _, err := q.exec(ctx, `DELETE FROM backfill_tasks WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete tasks of job %s: %w", id, err)
	}

	n, err := q.exec(ctx, `DELETE FROM backfill_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}
