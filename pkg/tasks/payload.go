package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidPayload is returned when a queue item cannot be decoded
	ErrInvalidPayload = errors.New("invalid task payload")
)

// FetchPayload identifies one attempt of a backfill task
type FetchPayload struct {
	JobID      string    `json:"job_id"`
	TaskID     string    `json:"task_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// UniqueID deduplicates enqueues of the same attempt, e.g. from Start and a
// monitor pass racing each other
func (p FetchPayload) UniqueID() string {
	return fmt.Sprintf("fetch:%s:%d", p.TaskID, p.Attempt)
}

// Validate checks the payload carries a task
func (p FetchPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("%w: fetch without task_id", ErrInvalidPayload)
	}

	return nil
}

// MonitorPayload identifies the job a monitor pass checks
type MonitorPayload struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Validate checks the payload carries a job
func (p MonitorPayload) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("%w: monitor without job_id", ErrInvalidPayload)
	}

	return nil
}

// SweepPayload names the scheduled sweep to run
type SweepPayload struct {
	Sweep      string    `json:"sweep"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// UniqueID keeps at most one queued run per sweep
func (p SweepPayload) UniqueID() string {
	return "sweep:" + p.Sweep
}

// Validate checks the payload names a sweep
func (p SweepPayload) Validate() error {
	if p.Sweep == "" {
		return fmt.Errorf("%w: sweep without name", ErrInvalidPayload)
	}

	return nil
}

type payload interface {
	Validate() error
}

func decodePayload[T payload](data []byte) (T, error) {
	var p T

	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: failed to unmarshal payload: %w", ErrInvalidPayload, err)
	}

	if err := p.Validate(); err != nil {
		return p, err
	}

	return p, nil
}
