package backfill

import (
	"context"
	"time"

	"github.com/ethpandaops/gridfill/pkg/store"
)

// JobSpec requests a backfill of a unit set over an inclusive date range
type JobSpec struct {
	UnitSet   store.UnitSet
	StartDate time.Time
	EndDate   time.Time
	CreatedBy string
	// Extra carries provider specific audit values onto the job metadata
	Extra map[string]string
}

// Preview is the cost estimate of a JobSpec
type Preview struct {
	UnitCount        int
	TaskCount        int
	ChunkCount       int
	Sources          []string
	EstimatedMinutes float64
}

// TaskFailure summarises one failed task of a job
type TaskFailure struct {
	TaskID     string
	UnitID     string
	Source     string
	ChunkStart time.Time
	Attempts   int
	Error      string
}

// JobDetail is a job with its tasks and aggregated failure info
type JobDetail struct {
	Job      *store.Job
	Tasks    []*store.Task
	Counts   store.TaskCounts
	Failures []TaskFailure
	// QueueStates maps task queue ids to their work queue state when requested
	QueueStates map[string]QueueStatus
}

// ResetResult reports what ResetStuck changed
type ResetResult struct {
	Job           *store.Job
	StuckTasks    int
	PendingFailed int
}

// MonitorResult is the outcome of one monitor pass
type MonitorResult struct {
	Done   bool
	Status store.JobStatus
	Counts store.TaskCounts
}

// Outcome is what happened to a task during one execution
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSkipped means the task was not eligible to run
	OutcomeSkipped Outcome = "skipped"
)

// ExecuteResult is the outcome of one task execution
type ExecuteResult struct {
	TaskID  string
	JobID   string
	Source  string
	Outcome Outcome
	Records int
	Attempt int
	// RetryIn is the backoff before the next attempt when Outcome is OutcomeRetry
	RetryIn time.Duration
	Err     error
}

// Queue item states that mean nothing will run the task anymore
const (
	QueueStateMissing   = "missing"
	QueueStateCompleted = "completed"
	QueueStateArchived  = "archived"
)

// QueueStatus is the state of one item on the work queue
type QueueStatus struct {
	ID     string
	State  string
	Result string
	Error  string
}

// Gone reports whether the queue item can no longer execute its task
func (s QueueStatus) Gone() bool {
	switch s.State {
	case QueueStateMissing, QueueStateCompleted, QueueStateArchived:
		return true
	default:
		return false
	}
}

// Queue is the distributed work queue fetch and monitor work runs on
type Queue interface {
	// EnqueueFetch schedules one execution of a task after delay and returns its correlation id
	EnqueueFetch(ctx context.Context, jobID, taskID string, attempt int, delay time.Duration) (string, error)
	// EnqueueMonitor schedules a monitor pass for a job after delay
	EnqueueMonitor(ctx context.Context, jobID string, delay time.Duration) (string, error)
	// Status looks up a queue item by correlation id
	Status(ctx context.Context, queueID string) (QueueStatus, error)
}
