package worker

import (
	"errors"
	"time"
)

var (
	// ErrInvalidConcurrency is returned when concurrency is not positive
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	// ErrInvalidFetchTimeout is returned when the hard fetch timeout is not positive
	ErrInvalidFetchTimeout = errors.New("fetchTimeout must be positive")
	// ErrInvalidQueueWeight is returned when a queue priority weight is not positive
	ErrInvalidQueueWeight = errors.New("queue weights must be positive")
)

// Config contains worker-specific settings
type Config struct {
	Concurrency int `yaml:"concurrency" default:"10"`
	// FetchTimeout is the hard limit of one fetch attempt; asynq cancels the
	// handler context when it expires
	FetchTimeout    time.Duration `yaml:"fetchTimeout" default:"10m"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"30s"`
	// FetchWeight and ControlWeight set how often each queue is polled
	FetchWeight   int `yaml:"fetchWeight" default:"6"`
	ControlWeight int `yaml:"controlWeight" default:"4"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.FetchTimeout <= 0 {
		return ErrInvalidFetchTimeout
	}

	if c.FetchWeight <= 0 || c.ControlWeight <= 0 {
		return ErrInvalidQueueWeight
	}

	return nil
}
