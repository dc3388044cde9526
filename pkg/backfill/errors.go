package backfill

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every ValidationError
	ErrValidation = errors.New("validation error")
	// ErrJobNotFound is wrapped by the ValidationError returned for unknown job ids
	ErrJobNotFound = errors.New("job not found")
	// ErrNoQueue is returned when an asynchronous operation runs without a work queue
	ErrNoQueue = errors.New("no work queue configured")
)

// ValidationError is a caller mistake. It is never retried.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Is makes every ValidationError match ErrValidation
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func jobNotFound(id string) error {
	return &ValidationError{Reason: fmt.Sprintf("job %s not found", id), Err: ErrJobNotFound}
}
