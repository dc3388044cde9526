package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/gridfill/pkg/observability"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/sirupsen/logrus"
)

var (
	// ErrSettlementPeriod is returned for a period index outside the local day
	ErrSettlementPeriod = errors.New("settlement period out of range")
	// ErrMissingSettlement is returned when a payload lacks the settlement fields
	ErrMissingSettlement = errors.New("missing settlement fields")
)

// TimezoneMove is a record whose stored start differs from its settlement key
type TimezoneMove struct {
	RecordID   string
	Identifier string
	From       time.Time
	To         time.Time
}

// TimezoneIssue is a record that could not be placed and was left untouched
type TimezoneIssue struct {
	RecordID   string
	Identifier string
	Reason     string
}

// TimezoneReport is the outcome of CorrectTimezone
type TimezoneReport struct {
	Checked int
	Moves   []TimezoneMove
	Issues  []TimezoneIssue
	Fixed   int64
}

// PeriodsInDay returns how many periods of length d the local day starting at
// midnight holds. For half hours this is 46, 48 or 50 depending on DST.
func PeriodsInDay(midnight time.Time, d time.Duration) int {
	next := time.Date(midnight.Year(), midnight.Month(), midnight.Day()+1, 0, 0, 0, 0, midnight.Location())

	return int(next.Sub(midnight) / d)
}

// SettlementStart converts a local settlement date and 1-based period index
// into the UTC start of that period. Periods count elapsed time from local
// midnight, so the offset in force on the day is taken from the zone.
func SettlementStart(loc *time.Location, day string, period int, d time.Duration) (time.Time, error) {
	date, err := time.ParseInLocation(dateLayout, day, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid settlement date %q: %w", day, err)
	}

	midnight := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)

	if n := PeriodsInDay(midnight, d); period < 1 || period > n {
		return time.Time{}, fmt.Errorf("%w: period %d on %s (1-%d)", ErrSettlementPeriod, period, day, n)
	}

	return midnight.Add(time.Duration(period-1) * d).UTC(), nil
}

func (s *service) CorrectTimezone(ctx context.Context, scope Scope, dryRun bool) (*TimezoneReport, error) {
	rules, err := s.timezoneRules(scope.Source)
	if err != nil {
		return nil, err
	}

	report := &TimezoneReport{}

	for _, rule := range rules {
		ruleScope := scope
		ruleScope.Source = rule.Source

		records, err := s.store.ListRawRecords(ctx, ruleScope.filter())
		if err != nil {
			return nil, err
		}

		moves := planMoves(rule, records, report)

		if dryRun || len(moves) == 0 {
			continue
		}

		now := s.now()

		if err := s.store.InTx(ctx, func(tx *store.Tx) error {
			return tx.MoveRawRecords(ctx, moves, now)
		}); err != nil {
			return nil, err
		}

		report.Fixed += int64(len(moves))

		observability.RecordReconcileFixed("timezone", int64(len(moves)))

		s.log.WithFields(logrus.Fields{
			"source":   rule.Source,
			"location": rule.Location,
			"records":  len(moves),
		}).Info("Re-keyed records to their settlement period")
	}

	if len(report.Issues) > 0 {
		s.log.WithField("issues", len(report.Issues)).Warn("Some records could not be placed from their settlement fields")
	}

	return report, nil
}

// planMoves compares every record with the start its settlement fields
// denote. Records already at their settlement key are skipped.
func planMoves(rule *TimezoneRule, records []*store.RawRecord, report *TimezoneReport) []store.RawMove {
	d := rule.PeriodDuration()
	moves := make([]store.RawMove, 0)

	for _, rec := range records {
		report.Checked++

		start, err := rule.settlementStart(rec)
		if err != nil {
			report.Issues = append(report.Issues, TimezoneIssue{
				RecordID:   rec.ID,
				Identifier: rec.Identifier,
				Reason:     err.Error(),
			})

			continue
		}

		if start.Equal(rec.PeriodStart) && rec.PeriodEnd.Equal(start.Add(d)) {
			continue
		}

		moves = append(moves, store.RawMove{Record: rec, PeriodStart: start, PeriodEnd: start.Add(d)})
		report.Moves = append(report.Moves, TimezoneMove{
			RecordID:   rec.ID,
			Identifier: rec.Identifier,
			From:       rec.PeriodStart,
			To:         start,
		})
	}

	return moves
}

func (r *TimezoneRule) settlementStart(rec *store.RawRecord) (time.Time, error) {
	day, ok := rec.Payload[r.DateField].(string)
	if !ok || day == "" {
		return time.Time{}, fmt.Errorf("%w: %s", ErrMissingSettlement, r.DateField)
	}

	// Some providers send full timestamps for the date
	if len(day) > len(dateLayout) {
		day = day[:len(dateLayout)]
	}

	period, err := payloadInt(rec.Payload[r.PeriodField])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %w", ErrMissingSettlement, r.PeriodField, err)
	}

	return SettlementStart(r.loc, day, period, r.PeriodDuration())
}

func payloadInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}

		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	case nil:
		return 0, errors.New("absent")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
