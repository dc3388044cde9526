package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/gridfill/pkg/observability"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/sirupsen/logrus"
)

// AnomalyTypeFieldSwap tags the resolved anomaly that documents a correction
const AnomalyTypeFieldSwap = "field_swap_correction"

// swapTag parks one stream while two tags are exchanged
const swapTag store.SourceType = "swap_tmp"

// CorrectionResult is the outcome of one catalog entry
type CorrectionResult struct {
	Name      string
	Applied   bool
	Rows      int64
	AnomalyID string
}

func (s *service) ApplyCorrections(ctx context.Context) ([]*CorrectionResult, error) {
	results := make([]*CorrectionResult, 0, len(s.cfg.Corrections))

	for i := range s.cfg.Corrections {
		res, err := s.ApplyCorrection(ctx, s.cfg.Corrections[i].Name)
		if err != nil {
			return results, err
		}

		results = append(results, res)
	}

	return results, nil
}

// ApplyCorrection swaps the two streams of a catalog entry exactly once. The
// ledger check and the rewrite share a transaction, since a swap applied twice
// undoes itself.
func (s *service) ApplyCorrection(ctx context.Context, name string) (*CorrectionResult, error) {
	c, err := s.correction(name)
	if err != nil {
		return nil, err
	}

	res := &CorrectionResult{Name: name}
	now := s.now()

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		applied, err := tx.CorrectionApplied(ctx, name)
		if err != nil {
			return err
		}

		if applied {
			return nil
		}

		switch c.Kind {
		case SwapSourceTypes:
			res.Rows, err = swapSourceTypes(ctx, tx, c, now)
		case SwapValues:
			res.Rows, err = swapValues(ctx, tx, c, now)
		}

		if err != nil {
			return err
		}

		if err := tx.RecordCorrection(ctx, name, res.Rows, now); err != nil {
			return err
		}

		audit := correctionAnomaly(c, res.Rows)
		if err := tx.InsertAnomalies(ctx, []*store.Anomaly{audit}, now); err != nil {
			return err
		}

		res.Applied = true
		res.AnomalyID = audit.ID

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("correction %s: %w", name, err)
	}

	log := s.log.WithFields(logrus.Fields{"correction": name, "source": c.Source})

	if !res.Applied {
		log.Debug("Correction already applied, skipping")

		return res, nil
	}

	observability.RecordReconcileFixed("swap", res.Rows)
	log.WithField("rows", res.Rows).Info("Applied windowed correction")

	return res, nil
}

func swapSourceTypes(ctx context.Context, tx *store.Tx, c *Correction, now time.Time) (int64, error) {
	from, to := c.Window()

	a, err := tx.RetagRawRecords(ctx, c.Source, c.Identifiers, c.TypeA, swapTag, from, to, now)
	if err != nil {
		return 0, err
	}

	b, err := tx.RetagRawRecords(ctx, c.Source, c.Identifiers, c.TypeB, c.TypeA, from, to, now)
	if err != nil {
		return 0, err
	}

	if _, err := tx.RetagRawRecords(ctx, c.Source, c.Identifiers, swapTag, c.TypeB, from, to, now); err != nil {
		return 0, err
	}

	return a + b, nil
}

type pairKey struct {
	identifier string
	start      time.Time
}

// swapValues exchanges values of records of the two streams that share an
// identifier and period start. Unpaired records are left as they are.
func swapValues(ctx context.Context, tx *store.Tx, c *Correction, now time.Time) (int64, error) {
	from, to := c.Window()

	records, err := tx.ListRawRecords(ctx, store.RawFilter{
		Source:      c.Source,
		SourceTypes: []store.SourceType{c.TypeA, c.TypeB},
		Identifiers: c.Identifiers,
		From:        from,
		To:          to,
	})
	if err != nil {
		return 0, err
	}

	streamA := make(map[pairKey]*store.RawRecord)
	streamB := make(map[pairKey]*store.RawRecord)

	for _, rec := range records {
		if rec.PeriodStart.Before(from) {
			continue
		}

		key := pairKey{identifier: rec.Identifier, start: rec.PeriodStart}

		if rec.SourceType == c.TypeA {
			streamA[key] = rec
		} else {
			streamB[key] = rec
		}
	}

	var rows int64

	for key, a := range streamA {
		b, ok := streamB[key]
		if !ok {
			continue
		}

		if err := tx.SetRawValue(ctx, a.ID, b.Value, now); err != nil {
			return rows, err
		}

		if err := tx.SetRawValue(ctx, b.ID, a.Value, now); err != nil {
			return rows, err
		}

		rows += 2
	}

	return rows, nil
}

// correctionAnomaly documents a correction. Like detected anomalies its period
// runs from the first to the last affected hour.
func correctionAnomaly(c *Correction, rows int64) *store.Anomaly {
	from, to := c.Window()

	scope := "all identifiers"
	if len(c.Identifiers) > 0 {
		scope = strings.Join(c.Identifiers, ", ")
	}

	notes := fmt.Sprintf("correction %s applied to %d rows", c.Name, rows)
	if c.Notes != "" {
		notes += ": " + c.Notes
	}

	return &store.Anomaly{
		Source:          c.Source,
		Type:            AnomalyTypeFieldSwap,
		Severity:        "low",
		Status:          store.AnomalyResolved,
		PeriodStart:     from,
		PeriodEnd:       to.Add(-time.Hour),
		Description:     fmt.Sprintf("%s and %s swapped upstream for %s (%s)", c.TypeA, c.TypeB, scope, c.Kind),
		ResolutionNotes: notes,
	}
}
