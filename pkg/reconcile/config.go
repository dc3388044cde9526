package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/ethpandaops/gridfill/pkg/store"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidTimezoneRule is returned for a timezone rule that cannot be applied
	ErrInvalidTimezoneRule = errors.New("invalid timezone rule")
	// ErrInvalidCorrection is returned for a malformed correction catalog entry
	ErrInvalidCorrection = errors.New("invalid correction")
)

// CorrectionKind names how a windowed correction rewrites the affected rows
type CorrectionKind string

const (
	// SwapSourceTypes exchanges the source_type tags of two logical streams
	SwapSourceTypes CorrectionKind = "swap_source_types"
	// SwapValues exchanges the values of paired records of two streams
	SwapValues CorrectionKind = "swap_values"
)

const dateLayout = "2006-01-02"

// Config holds the reconciliation rules
type Config struct {
	Timezone    []TimezoneRule `yaml:"timezone"`
	Corrections []Correction   `yaml:"corrections"`
}

// TimezoneRule describes a source whose records are keyed by a local
// settlement date and period index rather than a UTC instant.
type TimezoneRule struct {
	Source        string `yaml:"source"`
	Location      string `yaml:"location" default:"Europe/London"`
	PeriodMinutes int    `yaml:"periodMinutes" default:"30"`
	DateField     string `yaml:"dateField" default:"settlement_date"`
	PeriodField   string `yaml:"periodField" default:"settlement_period"`

	loc *time.Location
}

// Correction is a known upstream mix-up of two streams for a bounded window.
// Start and End are inclusive dates.
type Correction struct {
	Name        string           `yaml:"name"`
	Source      string           `yaml:"source"`
	Identifiers []string         `yaml:"identifiers"`
	Start       string           `yaml:"start"`
	End         string           `yaml:"end"`
	Kind        CorrectionKind   `yaml:"kind" default:"swap_source_types"`
	TypeA       store.SourceType `yaml:"typeA" default:"api"`
	TypeB       store.SourceType `yaml:"typeB" default:"api_consumption"`
	Notes       string           `yaml:"notes"`

	from time.Time
	to   time.Time
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	for i := range c.Timezone {
		if err := c.Timezone[i].Validate(); err != nil {
			return err
		}
	}

	names := make(map[string]struct{}, len(c.Corrections))

	for i := range c.Corrections {
		if err := c.Corrections[i].Validate(); err != nil {
			return err
		}

		if _, dup := names[c.Corrections[i].Name]; dup {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidCorrection, c.Corrections[i].Name)
		}

		names[c.Corrections[i].Name] = struct{}{}
	}

	return nil
}

// UnmarshalYAML applies field defaults before decoding
func (r *TimezoneRule) UnmarshalYAML(value *yaml.Node) error {
	if err := defaults.Set(r); err != nil {
		return err
	}

	type plain TimezoneRule

	return value.Decode((*plain)(r))
}

// Validate resolves the rule's location
func (r *TimezoneRule) Validate() error {
	if r.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidTimezoneRule)
	}

	switch r.PeriodMinutes {
	case 15, 30, 60:
	default:
		return fmt.Errorf("%w: %s: periodMinutes must be 15, 30 or 60", ErrInvalidTimezoneRule, r.Source)
	}

	if r.DateField == "" || r.PeriodField == "" {
		return fmt.Errorf("%w: %s: dateField and periodField are required", ErrInvalidTimezoneRule, r.Source)
	}

	loc, err := time.LoadLocation(r.Location)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidTimezoneRule, r.Source, err)
	}

	r.loc = loc

	return nil
}

// PeriodDuration returns the length of one settlement period
func (r *TimezoneRule) PeriodDuration() time.Duration {
	return time.Duration(r.PeriodMinutes) * time.Minute
}

// UnmarshalYAML applies field defaults before decoding
func (c *Correction) UnmarshalYAML(value *yaml.Node) error {
	if err := defaults.Set(c); err != nil {
		return err
	}

	type plain Correction

	return value.Decode((*plain)(c))
}

// Validate parses the correction window
func (c *Correction) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCorrection)
	}

	if c.Source == "" {
		return fmt.Errorf("%w: %s: source is required", ErrInvalidCorrection, c.Name)
	}

	switch c.Kind {
	case SwapSourceTypes, SwapValues:
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidCorrection, c.Name, c.Kind)
	}

	if !c.TypeA.Valid() || !c.TypeB.Valid() || c.TypeA == c.TypeB {
		return fmt.Errorf("%w: %s: typeA and typeB must be two distinct source types", ErrInvalidCorrection, c.Name)
	}

	from, err := time.Parse(dateLayout, c.Start)
	if err != nil {
		return fmt.Errorf("%w: %s: start: %w", ErrInvalidCorrection, c.Name, err)
	}

	end, err := time.Parse(dateLayout, c.End)
	if err != nil {
		return fmt.Errorf("%w: %s: end: %w", ErrInvalidCorrection, c.Name, err)
	}

	if end.Before(from) {
		return fmt.Errorf("%w: %s: end before start", ErrInvalidCorrection, c.Name)
	}

	c.from = from
	c.to = end.AddDate(0, 0, 1)

	return nil
}

// Window returns the corrected interval [from, to)
func (c *Correction) Window() (from, to time.Time) {
	return c.from, c.to
}
