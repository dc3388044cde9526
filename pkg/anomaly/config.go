package anomaly

import (
	"errors"
)

var (
	// ErrInvalidCapacityFactor is returned when the ceiling is not positive
	ErrInvalidCapacityFactor = errors.New("maxCapacityFactor must be positive")
)

// Config holds the detection thresholds
type Config struct {
	// MaxCapacityFactor marks an hour bad when exceeded
	MaxCapacityFactor float64 `yaml:"maxCapacityFactor" default:"1.0"`
	// MinValue marks an hour bad when the value drops below it. Unset disables the check.
	MinValue *float64 `yaml:"minValue"`
	// DetectMissing marks hours without an aggregate bad
	DetectMissing bool `yaml:"detectMissing"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.MaxCapacityFactor <= 0 {
		return ErrInvalidCapacityFactor
	}

	return nil
}
