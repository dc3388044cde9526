// Package scheduler runs the periodic reconciliation, aggregation and
// anomaly sweeps on one elected instance.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// SweepKind names what a sweep runs
type SweepKind string

// Sweep kinds
const (
	SweepResolution  SweepKind = "resolution"
	SweepTimezone    SweepKind = "timezone"
	SweepCorrections SweepKind = "corrections"
	SweepAggregate   SweepKind = "aggregate"
	SweepAnomaly     SweepKind = "anomaly"
)

var (
	// ErrInvalidSweep is returned for a malformed sweep definition
	ErrInvalidSweep = errors.New("invalid sweep")
	// ErrInvalidTickInterval is returned when tickInterval is not positive
	ErrInvalidTickInterval = errors.New("tickInterval must be positive")
	// ErrInvalidLockTTL is returned when lockTTL is not positive
	ErrInvalidLockTTL = errors.New("lockTTL must be positive")
)

// Config defines scheduler configuration
type Config struct {
	Enabled      bool          `yaml:"enabled" default:"true"`
	TickInterval time.Duration `yaml:"tickInterval" default:"1s"`
	// LockTTL bounds how long a crashed sweep keeps others of its name out
	LockTTL time.Duration `yaml:"lockTTL" default:"30m"`
	Sweeps  []SweepConfig `yaml:"sweeps"`
}

// SweepConfig is one scheduled sweep over a trailing window
type SweepConfig struct {
	Name     string        `yaml:"name"`
	Kind     SweepKind     `yaml:"kind"`
	Schedule string        `yaml:"schedule" default:"@every 1h"`
	Lookback time.Duration `yaml:"lookback" default:"48h"`
	// Source narrows resolution and timezone sweeps; resolution requires it
	Source string `yaml:"source"`
	// Sources narrows aggregate and anomaly sweeps
	Sources []string `yaml:"sources"`
	// Save persists anomaly sweep findings
	Save bool `yaml:"save" default:"true"`

	interval time.Duration
}

// Validate checks if the scheduler configuration is valid
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return ErrInvalidTickInterval
	}

	if c.LockTTL <= 0 {
		return ErrInvalidLockTTL
	}

	names := make(map[string]struct{}, len(c.Sweeps))

	for i := range c.Sweeps {
		sw := &c.Sweeps[i]

		if err := sw.Validate(); err != nil {
			return err
		}

		if _, dup := names[sw.Name]; dup {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidSweep, sw.Name)
		}

		names[sw.Name] = struct{}{}
	}

	return nil
}

// UnmarshalYAML applies field defaults before decoding so list entries get
// them too
func (s *SweepConfig) UnmarshalYAML(value *yaml.Node) error {
	if err := defaults.Set(s); err != nil {
		return err
	}

	type plain SweepConfig

	return value.Decode((*plain)(s))
}

// Validate checks the sweep and resolves its schedule interval
func (s *SweepConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSweep)
	}

	switch s.Kind {
	case SweepResolution:
		if s.Source == "" {
			return fmt.Errorf("%w: %s: resolution sweeps need a source", ErrInvalidSweep, s.Name)
		}
	case SweepTimezone, SweepCorrections, SweepAggregate, SweepAnomaly:
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidSweep, s.Name, s.Kind)
	}

	if s.Kind != SweepCorrections && s.Lookback <= 0 {
		return fmt.Errorf("%w: %s: lookback must be positive", ErrInvalidSweep, s.Name)
	}

	interval, err := parseScheduleInterval(s.Schedule)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidSweep, s.Name, err)
	}

	s.interval = interval

	return nil
}

// Window returns the trailing hour-aligned window ending at now
func (s *SweepConfig) Window(now time.Time) (from, to time.Time) {
	to = now.UTC().Truncate(time.Hour)

	return to.Add(-s.Lookback), to
}
