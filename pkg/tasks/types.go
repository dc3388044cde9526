// Package tasks bridges the backfill orchestrator and the scheduled sweeps to
// the asynq work queue
package tasks

import "time"

const (
	// TypeFetch executes one attempt of a backfill task
	TypeFetch = "backfill:fetch"
	// TypeMonitor runs one monitor pass of a backfill job
	TypeMonitor = "backfill:monitor"
	// TypeSweep runs one scheduled reconciliation, aggregation or detection sweep
	TypeSweep = "scheduler:sweep"
)

// Default queue names before the deployment prefix is applied
const (
	QueueFetch   = "fetch"
	QueueControl = "control"
)

// Options tune how work is put on the queue
type Options struct {
	// FetchQueue and ControlQueue are the fully prefixed queue names
	FetchQueue   string
	ControlQueue string
	// FetchTimeout is the hard wall-clock limit after which asynq cancels a fetch
	FetchTimeout   time.Duration
	MonitorTimeout time.Duration
	SweepTimeout   time.Duration
	// MaxRetry is the infrastructure retry budget of a queue item. Task level
	// retries are scheduled by the orchestrator, not by asynq.
	MaxRetry int
}

// DefaultOptions returns the queue options used when none are configured
func DefaultOptions() Options {
	return Options{
		FetchQueue:     QueueFetch,
		ControlQueue:   QueueControl,
		FetchTimeout:   10 * time.Minute,
		MonitorTimeout: time.Minute,
		SweepTimeout:   30 * time.Minute,
		MaxRetry:       2,
	}
}
