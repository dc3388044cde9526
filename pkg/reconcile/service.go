// Package reconcile repairs systematic mislabelling in the raw store that is
// discovered after the data was fetched.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownCorrection is returned when a correction name is not in the catalog
	ErrUnknownCorrection = errors.New("unknown correction")
	// ErrNoTimezoneRule is returned when a timezone pass names a source without a rule
	ErrNoTimezoneRule = errors.New("no timezone rule for source")
	// ErrSourceRequired is returned when a resolution pass names no source
	ErrSourceRequired = errors.New("source is required")
)

// Service defines the public interface of the reconciliation engine. Every
// operation can be re-run; already corrected rows are left alone.
type Service interface {
	// DetectResolution reports hour groups of PT60M records that hold more
	// than one record, without writing
	DetectResolution(ctx context.Context, scope Scope) ([]*ResolutionGroup, error)
	// FixResolution relabels the records of every group DetectResolution finds
	FixResolution(ctx context.Context, scope Scope) (*ResolutionReport, error)
	// CorrectTimezone re-keys records of settlement-period sources to the UTC
	// instant their local date and period denote
	CorrectTimezone(ctx context.Context, scope Scope, dryRun bool) (*TimezoneReport, error)
	// ApplyCorrection runs one named correction from the catalog
	ApplyCorrection(ctx context.Context, name string) (*CorrectionResult, error)
	// ApplyCorrections runs every catalog entry not yet applied
	ApplyCorrections(ctx context.Context) ([]*CorrectionResult, error)
	// Corrections lists the catalog
	Corrections() []Correction
}

// Scope narrows a pass to one source, optional identifiers and an optional
// period range [From, To)
type Scope struct {
	Source      string
	Identifiers []string
	From        time.Time
	To          time.Time
}

func (s Scope) filter() store.RawFilter {
	return store.RawFilter{
		Source:      s.Source,
		Identifiers: s.Identifiers,
		From:        s.From,
		To:          s.To,
	}
}

type service struct {
	log   logrus.FieldLogger
	cfg   *Config
	store *store.Store

	now func() time.Time
}

// NewService creates a new reconciliation engine
func NewService(log logrus.FieldLogger, cfg *Config, st *store.Store) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconcile config: %w", err)
	}

	return &service{
		log:   log.WithField("service", "reconcile"),
		cfg:   cfg,
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Corrections() []Correction {
	return append([]Correction(nil), s.cfg.Corrections...)
}

func (s *service) timezoneRules(source string) ([]*TimezoneRule, error) {
	var rules []*TimezoneRule

	for i := range s.cfg.Timezone {
		if source == "" || s.cfg.Timezone[i].Source == source {
			rules = append(rules, &s.cfg.Timezone[i])
		}
	}

	if source != "" && len(rules) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTimezoneRule, source)
	}

	return rules, nil
}

func (s *service) correction(name string) (*Correction, error) {
	for i := range s.cfg.Corrections {
		if s.cfg.Corrections[i].Name == name {
			return &s.cfg.Corrections[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownCorrection, name)
}

var _ Service = (*service)(nil)
