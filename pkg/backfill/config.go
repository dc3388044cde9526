package backfill

import (
	"errors"
	"time"
)

var (
	// ErrInvalidMaxAttempts is returned when maxAttempts is not positive
	ErrInvalidMaxAttempts = errors.New("maxAttempts must be positive")
	// ErrInvalidMonitorInterval is returned when monitorInterval is not positive
	ErrInvalidMonitorInterval = errors.New("monitorInterval must be positive")
	// ErrInvalidStuckThreshold is returned when stuckThreshold is not positive
	ErrInvalidStuckThreshold = errors.New("stuckThreshold must be positive")
	// ErrInvalidRetryDelay is returned when the retry delays are inconsistent
	ErrInvalidRetryDelay = errors.New("retry baseDelay must be positive and not exceed maxDelay")
	// ErrInvalidJitter is returned when jitter is outside [0, 1)
	ErrInvalidJitter = errors.New("retry jitter must be within [0, 1)")
	// ErrInvalidSyncConcurrency is returned when syncConcurrency is not positive
	ErrInvalidSyncConcurrency = errors.New("syncConcurrency must be positive")
)

// Config controls job orchestration and task execution
type Config struct {
	MaxAttempts     int           `yaml:"maxAttempts" default:"3"`
	MonitorInterval time.Duration `yaml:"monitorInterval" default:"10s"`
	StuckThreshold  time.Duration `yaml:"stuckThreshold" default:"5m"`
	PerTaskEstimate time.Duration `yaml:"perTaskEstimate" default:"2s"`
	// FetchTimeout is the soft budget of one adapter call. The queue's hard
	// timeout sits above it.
	FetchTimeout    time.Duration `yaml:"fetchTimeout" default:"5m"`
	SyncConcurrency int           `yaml:"syncConcurrency" default:"4"`
	Retry           RetryConfig   `yaml:"retry"`
}

// RetryConfig is the exponential backoff applied between task attempts
type RetryConfig struct {
	BaseDelay time.Duration `yaml:"baseDelay" default:"30s"`
	MaxDelay  time.Duration `yaml:"maxDelay" default:"10m"`
	Jitter    float64       `yaml:"jitter" default:"0.2"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	if c.MonitorInterval <= 0 {
		return ErrInvalidMonitorInterval
	}

	if c.StuckThreshold <= 0 {
		return ErrInvalidStuckThreshold
	}

	if c.SyncConcurrency <= 0 {
		return ErrInvalidSyncConcurrency
	}

	if c.Retry.BaseDelay <= 0 || c.Retry.BaseDelay > c.Retry.MaxDelay {
		return ErrInvalidRetryDelay
	}

	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return ErrInvalidJitter
	}

	return nil
}
