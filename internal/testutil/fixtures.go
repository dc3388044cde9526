package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/stretchr/testify/require"
)

// UnitOption customises a fixture generation unit
type UnitOption func(*store.GenerationUnit)

// WithWindfarm sets the windfarm of the unit
func WithWindfarm(id string) UnitOption {
	return func(u *store.GenerationUnit) {
		u.WindfarmID = id
	}
}

// WithCapacity sets the nameplate capacity of the unit
func WithCapacity(mw float64) UnitOption {
	return func(u *store.GenerationUnit) {
		u.CapacityMW = mw
	}
}

// Inactive marks the unit inactive
func Inactive() UnitOption {
	return func(u *store.GenerationUnit) {
		u.Active = false
	}
}

// CreateUnit persists an active generation unit with 100 MW capacity unless overridden
func CreateUnit(t *testing.T, s *store.Store, source, code string, opts ...UnitOption) *store.GenerationUnit {
	t.Helper()

	unit := &store.GenerationUnit{
		Code:       code,
		Name:       code,
		Source:     source,
		CapacityMW: 100,
		Active:     true,
	}

	for _, opt := range opts {
		opt(unit)
	}

	require.NoError(t, s.UpsertUnit(context.Background(), unit))

	return unit
}

// Raw builds an api raw record of the given resolution starting at start
func Raw(source, identifier string, start time.Time, periodType string, value float64) *store.RawRecord {
	d, ok := store.PeriodDuration(periodType)
	if !ok {
		d = time.Hour
	}

	return &store.RawRecord{
		Source:      source,
		SourceType:  store.SourceTypeAPI,
		Identifier:  identifier,
		PeriodStart: start.UTC(),
		PeriodEnd:   start.UTC().Add(d),
		PeriodType:  periodType,
		Value:       value,
		Unit:        "MW",
	}
}

// InsertRaw upserts raw records and fails the test on error
func InsertRaw(t *testing.T, s *store.Store, records ...*store.RawRecord) {
	t.Helper()

	_, err := s.UpsertRawRecords(context.Background(), records, time.Now())
	require.NoError(t, err)
}

// Date returns midnight UTC of the given day
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
