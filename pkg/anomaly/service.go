// Package anomaly scans hourly aggregates for implausible periods and keeps
// the operator review state of what it found.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/gridfill/pkg/aggregate"
	"github.com/ethpandaops/gridfill/pkg/observability"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidStatus is returned for an unknown review status
	ErrInvalidStatus = errors.New("invalid anomaly status")
	// ErrNotFound is returned for an unknown anomaly id
	ErrNotFound = errors.New("anomaly not found")
	// ErrNoScope is returned when an anomaly names neither unit nor source
	ErrNoScope = errors.New("anomaly has no unit or source to reaggregate")
)

// Service defines the public interface of the anomaly detector
type Service interface {
	// Detect scans aggregates and returns candidates without writing anything
	Detect(ctx context.Context, req Request) ([]*Candidate, error)
	// Save persists candidates as pending anomalies
	Save(ctx context.Context, candidates []*Candidate) ([]*store.Anomaly, error)
	// SaveNew persists only candidates that overlap no recorded anomaly of
	// the same unit, source and type, so sliding scans do not duplicate runs
	SaveNew(ctx context.Context, candidates []*Candidate) ([]*store.Anomaly, error)
	// Get loads one anomaly
	Get(ctx context.Context, id string) (*store.Anomaly, error)
	// List returns anomalies matching filter and the unpaginated total
	List(ctx context.Context, filter store.AnomalyFilter) ([]*store.Anomaly, int, error)
	// UpdateStatus records an operator review decision
	UpdateStatus(ctx context.Context, id string, status store.AnomalyStatus, notes string) (*store.Anomaly, error)
	// Reaggregate rebuilds the aggregates of an anomaly's period. It does not
	// re-run detection or change the anomaly's status.
	Reaggregate(ctx context.Context, id string) (*aggregate.Result, error)
}

// Request selects units and an hour range to scan. Thresholds overrides the
// configured ones when set.
type Request struct {
	UnitIDs     []string
	WindfarmIDs []string
	Sources     []string
	From        time.Time
	To          time.Time
	Thresholds  *Config
}

type service struct {
	log       logrus.FieldLogger
	cfg       *Config
	store     *store.Store
	aggregate aggregate.Service

	now func() time.Time
}

// NewService creates a new anomaly detector
func NewService(log logrus.FieldLogger, cfg *Config, st *store.Store, agg aggregate.Service) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid anomaly config: %w", err)
	}

	return &service{
		log:       log.WithField("service", "anomaly"),
		cfg:       cfg,
		store:     st,
		aggregate: agg,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Detect(ctx context.Context, req Request) ([]*Candidate, error) {
	cfg := s.cfg
	if req.Thresholds != nil {
		if err := req.Thresholds.Validate(); err != nil {
			return nil, err
		}

		cfg = req.Thresholds
	}

	hours := aggregate.Hours(req.From, req.To)
	if len(hours) == 0 {
		return nil, aggregate.ErrInvalidRange
	}

	units, err := s.store.ListUnits(ctx, store.UnitFilter{
		UnitIDs:     req.UnitIDs,
		WindfarmIDs: req.WindfarmIDs,
		Sources:     req.Sources,
		ActiveOnly:  len(req.UnitIDs) == 0 && len(req.WindfarmIDs) == 0,
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]*Candidate, 0)

	for _, unit := range units {
		aggs, err := s.store.ListAggregates(ctx, store.AggregateFilter{
			UnitIDs: []string{unit.ID},
			Sources: []string{unit.Source},
			From:    hours[0],
			To:      hours[len(hours)-1].Add(time.Hour),
		})
		if err != nil {
			return nil, err
		}

		byHour := make(map[time.Time]*store.AggregateRecord, len(aggs))
		for _, agg := range aggs {
			byHour[agg.Hour] = agg
		}

		candidates = append(candidates, DetectSeries(cfg, unit, hours, byHour)...)
	}

	counts := make(map[string]int)
	for _, c := range candidates {
		counts[c.Type]++
	}

	for t, n := range counts {
		observability.RecordAnomaliesDetected(t, n)
	}

	s.log.WithFields(logrus.Fields{
		"units":      len(units),
		"hours":      len(hours),
		"candidates": len(candidates),
	}).Debug("Scanned aggregates for anomalies")

	return candidates, nil
}

func (s *service) Save(ctx context.Context, candidates []*Candidate) ([]*store.Anomaly, error) {
	return s.save(ctx, candidates, false)
}

func (s *service) SaveNew(ctx context.Context, candidates []*Candidate) ([]*store.Anomaly, error) {
	return s.save(ctx, candidates, true)
}

func (s *service) save(ctx context.Context, candidates []*Candidate, onlyNew bool) ([]*store.Anomaly, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	anomalies := make([]*store.Anomaly, 0, len(candidates))
	now := s.now()

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		for _, c := range candidates {
			if onlyNew {
				exists, err := tx.AnomalyOverlaps(ctx, c.UnitID, c.Source, c.Type, c.PeriodStart, c.PeriodEnd)
				if err != nil {
					return err
				}

				if exists {
					continue
				}
			}

			anomalies = append(anomalies, c.toAnomaly())
		}

		return tx.InsertAnomalies(ctx, anomalies, now)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"candidates": len(candidates),
		"saved":      len(anomalies),
	}).Info("Saved anomalies")

	return anomalies, nil
}

func (s *service) Get(ctx context.Context, id string) (*store.Anomaly, error) {
	a, err := s.store.GetAnomaly(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return nil, err
	}

	return a, nil
}

func (s *service) List(ctx context.Context, filter store.AnomalyFilter) ([]*store.Anomaly, int, error) {
	return s.store.ListAnomalies(ctx, filter)
}

func (s *service) UpdateStatus(ctx context.Context, id string, status store.AnomalyStatus, notes string) (*store.Anomaly, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	if err := s.store.UpdateAnomalyStatus(ctx, id, status, notes, s.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return nil, err
	}

	s.log.WithFields(logrus.Fields{"anomaly_id": id, "status": status}).Info("Updated anomaly status")

	return s.Get(ctx, id)
}

func (s *service) Reaggregate(ctx context.Context, id string) (*aggregate.Result, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	req := aggregate.Request{
		From: a.PeriodStart,
		To:   a.PeriodEnd.Add(time.Hour),
	}

	switch {
	case a.UnitID != "":
		req.UnitIDs = []string{a.UnitID}
	case a.Source != "":
		req.Sources = []string{a.Source}
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoScope, id)
	}

	res, err := s.aggregate.Reaggregate(ctx, req)
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"anomaly_id": id,
		"written":    res.Written,
		"deleted":    res.Deleted,
	}).Info("Reaggregated anomaly period")

	return res, nil
}

var _ Service = (*service)(nil)
