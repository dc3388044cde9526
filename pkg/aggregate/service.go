// Package aggregate turns raw records into one canonical hourly value per
// generation unit and source.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/gridfill/pkg/observability"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidRange is returned when a request's hour range is empty
	ErrInvalidRange = errors.New("aggregation range is empty")
)

// GenerationTypes are the raw streams that carry generation. Consumption is
// stored alongside but never aggregated into unit output.
var GenerationTypes = []store.SourceType{store.SourceTypeAPI, store.SourceTypeCSV, store.SourceTypeManual}

// Service defines the public interface of the aggregation engine
type Service interface {
	// Aggregate upserts the hourly values of the selected units for [From, To)
	Aggregate(ctx context.Context, req Request) (*Result, error)
	// Reaggregate deletes the existing hourly values of the selection before
	// aggregating it again
	Reaggregate(ctx context.Context, req Request) (*Result, error)
}

// Request selects units, optionally narrowed to sources, and an hour range.
// An empty unit selector means every active unit.
type Request struct {
	UnitIDs     []string
	WindfarmIDs []string
	Sources     []string
	From        time.Time
	To          time.Time
}

// Result summarises an aggregation run
type Result struct {
	Units   int
	Written int
	Deleted int64
	// Empty counts unit-hours without any raw record
	Empty int
}

type service struct {
	log   logrus.FieldLogger
	store *store.Store

	now func() time.Time
}

// NewService creates a new aggregation engine
func NewService(log logrus.FieldLogger, st *store.Store) Service {
	return &service{
		log:   log.WithField("service", "aggregate"),
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *service) Aggregate(ctx context.Context, req Request) (*Result, error) {
	return s.run(ctx, req, false)
}

func (s *service) Reaggregate(ctx context.Context, req Request) (*Result, error) {
	return s.run(ctx, req, true)
}

func (s *service) run(ctx context.Context, req Request, replace bool) (*Result, error) {
	hours := Hours(req.From, req.To)
	if len(hours) == 0 {
		return nil, ErrInvalidRange
	}

	res := &Result{}
	now := s.now()
	written := make(map[string]int)

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		units, err := tx.ListUnits(ctx, store.UnitFilter{
			UnitIDs:     req.UnitIDs,
			WindfarmIDs: req.WindfarmIDs,
			Sources:     req.Sources,
			ActiveOnly:  len(req.UnitIDs) == 0 && len(req.WindfarmIDs) == 0,
		})
		if err != nil {
			return err
		}

		res.Units = len(units)

		for _, unit := range units {
			if replace {
				n, err := tx.DeleteAggregates(ctx, store.AggregateFilter{
					UnitIDs: []string{unit.ID},
					Sources: []string{unit.Source},
					From:    hours[0],
					To:      hours[len(hours)-1].Add(time.Hour),
				})
				if err != nil {
					return err
				}

				res.Deleted += n
			}

			aggs, empty, err := aggregateUnit(ctx, tx, unit, hours)
			if err != nil {
				return err
			}

			res.Empty += empty

			if len(aggs) == 0 {
				continue
			}

			if _, err := tx.UpsertAggregates(ctx, aggs, now); err != nil {
				return err
			}

			res.Written += len(aggs)
			written[unit.Source] += len(aggs)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("aggregation failed: %w", err)
	}

	for src, n := range written {
		observability.RecordAggregatesWritten(src, n)
	}

	s.log.WithFields(logrus.Fields{
		"units":   res.Units,
		"hours":   len(hours),
		"written": res.Written,
		"deleted": res.Deleted,
		"empty":   res.Empty,
	}).Info("Aggregated hourly values")

	return res, nil
}

// aggregateUnit combines the unit's generation records hour by hour
func aggregateUnit(ctx context.Context, tx *store.Tx, unit *store.GenerationUnit, hours []time.Time) ([]*store.AggregateRecord, int, error) {
	records, err := tx.ListRawRecords(ctx, store.RawFilter{
		Source:      unit.Source,
		SourceTypes: GenerationTypes,
		Identifiers: []string{unit.Code},
		From:        hours[0],
		To:          hours[len(hours)-1].Add(time.Hour),
	})
	if err != nil {
		return nil, 0, err
	}

	var (
		aggs  = make([]*store.AggregateRecord, 0, len(hours))
		empty int
	)

	// records are ordered by period_start, so each hour only scans forward
	first := 0

	for _, hour := range hours {
		for first < len(records) && !records[first].PeriodEnd.After(hour) {
			first++
		}

		last := first
		for last < len(records) && records[last].PeriodStart.Before(hour.Add(time.Hour)) {
			last++
		}

		h, ok := Combine(hour, records[first:last])
		if !ok {
			empty++
			continue
		}

		aggs = append(aggs, toAggregate(unit, h))
	}

	return aggs, empty, nil
}

func toAggregate(unit *store.GenerationUnit, h *Hourly) *store.AggregateRecord {
	agg := &store.AggregateRecord{
		Hour:        h.Hour,
		UnitID:      unit.ID,
		Source:      unit.Source,
		Value:       h.Value,
		CapacityMW:  unit.CapacityMW,
		Quality:     h.Quality(),
		RecordCount: len(h.RawIDs),
		RawIDs:      h.RawIDs,
	}

	if unit.CapacityMW > 0 {
		cf := h.Value / unit.CapacityMW
		agg.CapacityFactor = &cf
	}

	return agg
}

var _ Service = (*service)(nil)
