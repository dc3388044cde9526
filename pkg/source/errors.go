package source

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownSource is returned when no adapter is registered for a source key
	ErrUnknownSource = errors.New("unknown source")
	// ErrDuplicateSource is returned when two adapters claim the same key
	ErrDuplicateSource = errors.New("source already registered")
)

// TransientError is a network, rate limit or timeout failure worth retrying
type TransientError struct {
	Source     string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient fetch error from %s: %v", e.Source, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// DataIntegrityError is a malformed or unmappable provider response.
// Retrying will not fix it.
type DataIntegrityError struct {
	Source string
	Reason string
	Err    error
}

func (e *DataIntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data integrity error from %s: %s: %v", e.Source, e.Reason, e.Err)
	}

	return fmt.Sprintf("data integrity error from %s: %s", e.Source, e.Reason)
}

func (e *DataIntegrityError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a fetch failure should consume another attempt.
// Unclassified errors count as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var integrity *DataIntegrityError
	if errors.As(err, &integrity) {
		return false
	}

	return !errors.Is(err, ErrUnknownSource)
}

// RetryAfter returns the provider requested delay carried by err, if any
func RetryAfter(err error) time.Duration {
	var transient *TransientError
	if errors.As(err, &transient) {
		return transient.RetryAfter
	}

	return 0
}
