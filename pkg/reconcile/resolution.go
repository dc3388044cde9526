package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/ethpandaops/gridfill/pkg/observability"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/sirupsen/logrus"
)

// ResolutionGroup is one hour of one stream whose records are labelled PT60M
// but cannot all be hourly. Offsets also counts siblings in the hour that
// already carry a sub-hourly label; Records holds only the mislabelled ones.
type ResolutionGroup struct {
	Source     string
	SourceType store.SourceType
	Identifier string
	Hour       time.Time
	Offsets    int
	Inferred   string
	Records    []*store.RawRecord
}

// ResolutionReport is the outcome of FixResolution
type ResolutionReport struct {
	Groups []*ResolutionGroup
	Fixed  int64
}

type hourKey struct {
	sourceType store.SourceType
	identifier string
	hour       time.Time
}

// InferResolution maps the distinct sub-hour start offsets found in one hour
// to the resolution they imply. Two offsets that are not half an hour apart
// can only come from quarter-hour data.
func InferResolution(offsets []time.Duration) (string, bool) {
	switch {
	case len(offsets) >= 3:
		return store.PeriodPT15M, true
	case len(offsets) == 2:
		for _, o := range offsets {
			if o%(30*time.Minute) != 0 {
				return store.PeriodPT15M, true
			}
		}

		return store.PeriodPT30M, true
	default:
		return "", false
	}
}

func (s *service) DetectResolution(ctx context.Context, scope Scope) ([]*ResolutionGroup, error) {
	return detectResolution(ctx, s.store, scope)
}

type rawLister interface {
	ListRawRecords(ctx context.Context, filter store.RawFilter) ([]*store.RawRecord, error)
}

func detectResolution(ctx context.Context, q rawLister, scope Scope) ([]*ResolutionGroup, error) {
	if scope.Source == "" {
		return nil, ErrSourceRequired
	}

	// Sub-hourly siblings count too, so a late hourly-labelled record lands
	// in the resolution its hour was already corrected to
	records, err := q.ListRawRecords(ctx, scope.filter())
	if err != nil {
		return nil, err
	}

	byHour := make(map[hourKey][]*store.RawRecord)

	for _, rec := range records {
		switch rec.PeriodType {
		case store.PeriodPT60M, store.PeriodPT30M, store.PeriodPT15M:
		default:
			continue
		}

		key := hourKey{
			sourceType: rec.SourceType,
			identifier: rec.Identifier,
			hour:       rec.PeriodStart.Truncate(time.Hour),
		}

		byHour[key] = append(byHour[key], rec)
	}

	groups := make([]*ResolutionGroup, 0)

	for key, recs := range byHour {
		if len(recs) < 2 {
			continue
		}

		seen := make(map[time.Duration]struct{}, len(recs))
		offsets := make([]time.Duration, 0, len(recs))
		hourly := make([]*store.RawRecord, 0, len(recs))

		for _, rec := range recs {
			if rec.PeriodType == store.PeriodPT60M {
				hourly = append(hourly, rec)
			}

			o := rec.PeriodStart.Sub(key.hour)
			if _, ok := seen[o]; !ok {
				seen[o] = struct{}{}
				offsets = append(offsets, o)
			}
		}

		if len(hourly) == 0 {
			continue
		}

		inferred, ok := InferResolution(offsets)
		if !ok {
			continue
		}

		groups = append(groups, &ResolutionGroup{
			Source:     scope.Source,
			SourceType: key.sourceType,
			Identifier: key.identifier,
			Hour:       key.hour,
			Offsets:    len(offsets),
			Inferred:   inferred,
			Records:    hourly,
		})
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Identifier != groups[j].Identifier {
			return groups[i].Identifier < groups[j].Identifier
		}

		if !groups[i].Hour.Equal(groups[j].Hour) {
			return groups[i].Hour.Before(groups[j].Hour)
		}

		return groups[i].SourceType < groups[j].SourceType
	})

	return groups, nil
}

func (s *service) FixResolution(ctx context.Context, scope Scope) (*ResolutionReport, error) {
	report := &ResolutionReport{}
	now := s.now()

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		groups, err := detectResolution(ctx, tx, scope)
		if err != nil {
			return err
		}

		report.Groups = groups

		for _, g := range groups {
			d, _ := store.PeriodDuration(g.Inferred)

			for _, rec := range g.Records {
				if err := tx.CorrectRawPeriod(ctx, rec.ID, g.Inferred, rec.PeriodStart.Add(d), now); err != nil {
					return err
				}

				report.Fixed++
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if report.Fixed > 0 {
		observability.RecordReconcileFixed("resolution", report.Fixed)

		s.log.WithFields(logrus.Fields{
			"source":  scope.Source,
			"groups":  len(report.Groups),
			"records": report.Fixed,
		}).Info("Corrected sub-hourly records labelled hourly")
	}

	return report, nil
}
