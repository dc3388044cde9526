package source

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(NewMockAdapter("ENTSOE"), NewMockAdapter("elexon"))
	require.NoError(t, err)

	a, err := r.Get("entsoe")
	require.NoError(t, err)
	assert.Equal(t, "ENTSOE", a.Name())

	_, err = r.Get("Elexon")
	assert.NoError(t, err)

	_, err = r.Get("taipower")
	assert.ErrorIs(t, err, ErrUnknownSource)
	assert.False(t, r.Has("taipower"))

	assert.ErrorIs(t, r.Register(NewMockAdapter("entsoe")), ErrDuplicateSource)
	assert.Equal(t, []string{"elexon", "entsoe"}, r.Names())
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("connection reset"), want: true},
		{name: "transient", err: &TransientError{Source: "eia", Err: errors.New("429")}, want: true},
		{name: "wrapped integrity", err: fmt.Errorf("fetch: %w", &DataIntegrityError{Source: "eia", Reason: "bad json"}), want: false},
		{name: "unknown source", err: fmt.Errorf("%w: nve", ErrUnknownSource), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}

	assert.Equal(t, 5*time.Second, RetryAfter(fmt.Errorf("x: %w", &TransientError{RetryAfter: 5 * time.Second})))
}

func TestToRawRecords(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("fills defaults", func(t *testing.T) {
		out, err := ToRawRecords("entsoe", []Record{
			{Identifier: "U1", PeriodStart: start, PeriodType: store.PeriodPT15M, Value: 3, Revision: 2},
		})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, store.SourceTypeAPI, out[0].SourceType)
		assert.Equal(t, start.Add(15*time.Minute), out[0].PeriodEnd)
		assert.Equal(t, "entsoe", out[0].Source)
		assert.Equal(t, int64(2), out[0].Revision)
	})

	invalid := []struct {
		name string
		rec  Record
	}{
		{name: "no identifier", rec: Record{PeriodStart: start, PeriodType: store.PeriodPT60M}},
		{name: "no start", rec: Record{Identifier: "U1", PeriodType: store.PeriodPT60M}},
		{name: "nan", rec: Record{Identifier: "U1", PeriodStart: start, PeriodType: store.PeriodPT60M, Value: math.NaN()}},
		{name: "unknown period", rec: Record{Identifier: "U1", PeriodStart: start, PeriodType: "P1D"}},
		{name: "inverted", rec: Record{Identifier: "U1", PeriodStart: start, PeriodEnd: start.Add(-time.Hour), PeriodType: store.PeriodPT60M}},
		{name: "bad source type", rec: Record{Identifier: "U1", PeriodStart: start, PeriodType: store.PeriodPT60M, SourceType: "scraped"}},
	}

	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToRawRecords("entsoe", []Record{tt.rec})

			var integrity *DataIntegrityError
			require.ErrorAs(t, err, &integrity)
			assert.False(t, Retryable(err))
		})
	}
}
