package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/ethpandaops/gridfill/internal/testutil"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, cfg *Config) (*service, *store.Store) {
	t.Helper()

	st := testutil.NewStore(t)

	svc, err := NewService(testutil.NewLogger(t), cfg, st)
	require.NoError(t, err)

	return svc.(*service), st
}

func listRaw(t *testing.T, st *store.Store, filter store.RawFilter) []*store.RawRecord {
	t.Helper()

	records, err := st.ListRawRecords(context.Background(), filter)
	require.NoError(t, err)

	return records
}

func TestInferResolution(t *testing.T) {
	tests := []struct {
		name     string
		offsets  []time.Duration
		expected string
		ok       bool
	}{
		{name: "single record is hourly", offsets: []time.Duration{0}},
		{name: "two half hours", offsets: []time.Duration{0, 30 * time.Minute}, expected: store.PeriodPT30M, ok: true},
		{name: "two quarters", offsets: []time.Duration{0, 15 * time.Minute}, expected: store.PeriodPT15M, ok: true},
		{name: "three quarters", offsets: []time.Duration{0, 15 * time.Minute, 45 * time.Minute}, expected: store.PeriodPT15M, ok: true},
		{name: "four quarters", offsets: []time.Duration{0, 15 * time.Minute, 30 * time.Minute, 45 * time.Minute}, expected: store.PeriodPT15M, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := InferResolution(tt.offsets)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFixResolutionQuarterHours(t *testing.T) {
	svc, st := newService(t, &Config{})
	ctx := context.Background()
	hour := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		testutil.InsertRaw(t, st, testutil.Raw("entsoe", "X", hour.Add(time.Duration(i)*15*time.Minute), store.PeriodPT60M, float64(100+i)))
	}

	// A genuinely hourly neighbour is left alone
	testutil.InsertRaw(t, st, testutil.Raw("entsoe", "X", hour.Add(time.Hour), store.PeriodPT60M, 50))

	groups, err := svc.DetectResolution(ctx, Scope{Source: "entsoe"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, hour, groups[0].Hour)
	assert.Equal(t, 4, groups[0].Offsets)
	assert.Equal(t, store.PeriodPT15M, groups[0].Inferred)

	// Detection does not write
	assert.Len(t, listRaw(t, st, store.RawFilter{PeriodType: store.PeriodPT60M}), 5)

	report, err := svc.FixResolution(ctx, Scope{Source: "entsoe", Identifiers: []string{"X"}})
	require.NoError(t, err)
	assert.Equal(t, int64(4), report.Fixed)

	fixed := listRaw(t, st, store.RawFilter{Source: "entsoe", PeriodType: store.PeriodPT15M})
	require.Len(t, fixed, 4)

	for _, rec := range fixed {
		assert.Equal(t, rec.PeriodStart.Add(15*time.Minute), rec.PeriodEnd)
		assert.NotNil(t, rec.CorrectedAt)
	}

	hourly := listRaw(t, st, store.RawFilter{Source: "entsoe", PeriodType: store.PeriodPT60M})
	require.Len(t, hourly, 1)
	assert.Equal(t, hour.Add(time.Hour), hourly[0].PeriodStart)

	// Second run finds nothing and changes nothing
	report, err = svc.FixResolution(ctx, Scope{Source: "entsoe"})
	require.NoError(t, err)
	assert.Zero(t, report.Fixed)
	assert.Empty(t, report.Groups)

	again := listRaw(t, st, store.RawFilter{Source: "entsoe", PeriodType: store.PeriodPT15M})
	require.Len(t, again, 4)

	for i := range again {
		assert.Equal(t, fixed[i].PeriodEnd, again[i].PeriodEnd)
	}
}

func TestFixResolutionHalfHoursPerStream(t *testing.T) {
	svc, st := newService(t, &Config{})
	ctx := context.Background()
	hour := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)

	cons := testutil.Raw("elia", "BE", hour, store.PeriodPT60M, 900)
	cons.SourceType = store.SourceTypeAPIConsumption

	testutil.InsertRaw(t, st,
		testutil.Raw("elia", "BE", hour, store.PeriodPT60M, 10),
		testutil.Raw("elia", "BE", hour.Add(30*time.Minute), store.PeriodPT60M, 12),
		cons,
	)

	report, err := svc.FixResolution(ctx, Scope{Source: "elia"})
	require.NoError(t, err)
	require.Len(t, report.Groups, 1)
	assert.Equal(t, store.PeriodPT30M, report.Groups[0].Inferred)
	assert.Equal(t, int64(2), report.Fixed)

	// The consumption stream has one record in the hour and stays hourly
	stays := listRaw(t, st, store.RawFilter{SourceTypes: []store.SourceType{store.SourceTypeAPIConsumption}})
	require.Len(t, stays, 1)
	assert.Equal(t, store.PeriodPT60M, stays[0].PeriodType)
}

func TestFixResolutionLateRecordJoinsCorrectedHour(t *testing.T) {
	svc, st := newService(t, &Config{})
	ctx := context.Background()
	hour := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		testutil.InsertRaw(t, st, testutil.Raw("entsoe", "X", hour.Add(time.Duration(i)*15*time.Minute), store.PeriodPT60M, 100))
	}

	report, err := svc.FixResolution(ctx, Scope{Source: "entsoe"})
	require.NoError(t, err)
	require.Equal(t, int64(3), report.Fixed)

	// A re-fetch brings the last quarter, labelled hourly again
	testutil.InsertRaw(t, st, testutil.Raw("entsoe", "X", hour.Add(45*time.Minute), store.PeriodPT60M, 100))

	groups, err := svc.DetectResolution(ctx, Scope{Source: "entsoe"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 4, groups[0].Offsets)
	assert.Equal(t, store.PeriodPT15M, groups[0].Inferred)
	require.Len(t, groups[0].Records, 1)
	assert.Equal(t, hour.Add(45*time.Minute), groups[0].Records[0].PeriodStart)

	report, err = svc.FixResolution(ctx, Scope{Source: "entsoe"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Fixed)

	assert.Empty(t, listRaw(t, st, store.RawFilter{Source: "entsoe", PeriodType: store.PeriodPT60M}))

	fixed := listRaw(t, st, store.RawFilter{Source: "entsoe", PeriodType: store.PeriodPT15M})
	require.Len(t, fixed, 4)

	for _, rec := range fixed {
		assert.Equal(t, rec.PeriodStart.Add(15*time.Minute), rec.PeriodEnd)
	}
}

func TestDetectResolutionRequiresSource(t *testing.T) {
	svc, _ := newService(t, &Config{})

	_, err := svc.DetectResolution(context.Background(), Scope{})
	assert.ErrorIs(t, err, ErrSourceRequired)
}

func TestPeriodsInDay(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	tests := []struct {
		name     string
		day      time.Time
		expected int
	}{
		{name: "spring forward", day: time.Date(2024, 3, 31, 0, 0, 0, 0, london), expected: 46},
		{name: "regular", day: time.Date(2023, 6, 1, 0, 0, 0, 0, london), expected: 48},
		{name: "fall back", day: time.Date(2024, 10, 27, 0, 0, 0, 0, london), expected: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PeriodsInDay(tt.day, 30*time.Minute))
		})
	}
}

func TestSettlementStart(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	tests := []struct {
		name     string
		day      string
		period   int
		expected time.Time
		err      error
	}{
		{name: "summer first period", day: "2023-06-01", period: 1, expected: time.Date(2023, 5, 31, 23, 0, 0, 0, time.UTC)},
		{name: "summer last period", day: "2023-06-01", period: 48, expected: time.Date(2023, 6, 1, 22, 30, 0, 0, time.UTC)},
		{name: "summer period 49", day: "2023-06-01", period: 49, err: ErrSettlementPeriod},
		{name: "winter first period", day: "2024-01-15", period: 1, expected: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{name: "spring forward after gap", day: "2024-03-31", period: 3, expected: time.Date(2024, 3, 31, 1, 0, 0, 0, time.UTC)},
		{name: "spring forward last period", day: "2024-03-31", period: 46, expected: time.Date(2024, 3, 31, 22, 30, 0, 0, time.UTC)},
		{name: "spring forward period 47", day: "2024-03-31", period: 47, err: ErrSettlementPeriod},
		{name: "fall back first period", day: "2024-10-27", period: 1, expected: time.Date(2024, 10, 26, 23, 0, 0, 0, time.UTC)},
		{name: "fall back repeated hour", day: "2024-10-27", period: 5, expected: time.Date(2024, 10, 27, 1, 0, 0, 0, time.UTC)},
		{name: "fall back last period", day: "2024-10-27", period: 50, expected: time.Date(2024, 10, 27, 23, 30, 0, 0, time.UTC)},
		{name: "period zero", day: "2024-10-27", period: 0, err: ErrSettlementPeriod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SettlementStart(london, tt.day, tt.period, 30*time.Minute)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func settlementRecord(day string, period int, stored time.Time, value float64) *store.RawRecord {
	rec := testutil.Raw("elexon", "T_WIND-1", stored, store.PeriodPT30M, value)
	rec.Payload = map[string]any{"settlement_date": day, "settlement_period": period}

	return rec
}

func timezoneConfig() *Config {
	return &Config{
		Timezone: []TimezoneRule{{
			Source:        "elexon",
			Location:      "Europe/London",
			PeriodMinutes: 30,
			DateField:     "settlement_date",
			PeriodField:   "settlement_period",
		}},
	}
}

func TestCorrectTimezone(t *testing.T) {
	svc, st := newService(t, timezoneConfig())
	ctx := context.Background()
	midnight := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	// Stored as if local wall clock were UTC. Period 3 belongs at the key
	// period 1 is stored under.
	testutil.InsertRaw(t, st,
		settlementRecord("2023-06-01", 1, midnight, 1),
		settlementRecord("2023-06-01", 2, midnight.Add(30*time.Minute), 2),
		settlementRecord("2023-06-01", 3, midnight.Add(time.Hour), 3),
	)

	bad := settlementRecord("2023-06-01", 49, midnight.Add(2*time.Hour), 4)
	noFields := testutil.Raw("elexon", "T_WIND-1", midnight.Add(3*time.Hour), store.PeriodPT30M, 5)
	testutil.InsertRaw(t, st, bad, noFields)

	dry, err := svc.CorrectTimezone(ctx, Scope{Source: "elexon"}, true)
	require.NoError(t, err)
	assert.Equal(t, 5, dry.Checked)
	assert.Len(t, dry.Moves, 3)
	assert.Len(t, dry.Issues, 2)
	assert.Zero(t, dry.Fixed)

	report, err := svc.CorrectTimezone(ctx, Scope{Source: "elexon"}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.Fixed)

	records := listRaw(t, st, store.RawFilter{Source: "elexon"})
	require.Len(t, records, 5)

	expected := []struct {
		start time.Time
		value float64
	}{
		{start: time.Date(2023, 5, 31, 23, 0, 0, 0, time.UTC), value: 1},
		{start: time.Date(2023, 5, 31, 23, 30, 0, 0, time.UTC), value: 2},
		{start: midnight, value: 3},
		{start: midnight.Add(2 * time.Hour), value: 4},
		{start: midnight.Add(3 * time.Hour), value: 5},
	}

	for i, e := range expected {
		assert.Equal(t, e.start, records[i].PeriodStart, "record %d", i)
		assert.InDelta(t, e.value, records[i].Value, 1e-9, "record %d", i)
	}

	assert.Equal(t, records[0].PeriodStart.Add(30*time.Minute), records[0].PeriodEnd)

	again, err := svc.CorrectTimezone(ctx, Scope{Source: "elexon"}, false)
	require.NoError(t, err)
	assert.Empty(t, again.Moves)
	assert.Zero(t, again.Fixed)
}

func TestCorrectTimezoneUnknownSource(t *testing.T) {
	svc, _ := newService(t, timezoneConfig())

	_, err := svc.CorrectTimezone(context.Background(), Scope{Source: "entsoe"}, true)
	assert.ErrorIs(t, err, ErrNoTimezoneRule)
}

func TestPayloadInt(t *testing.T) {
	tests := []struct {
		in       any
		expected int
		wantErr  bool
	}{
		{in: float64(12), expected: 12},
		{in: "7", expected: 7},
		{in: 3, expected: 3},
		{in: 1.5, wantErr: true},
		{in: nil, wantErr: true},
		{in: true, wantErr: true},
	}

	for _, tt := range tests {
		got, err := payloadInt(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.in)
			continue
		}

		require.NoError(t, err)
		assert.Equal(t, tt.expected, got)
	}
}

func swapConfig(kind CorrectionKind) *Config {
	return &Config{
		Corrections: []Correction{{
			Name:        "fr-2024-09-swap",
			Source:      "entsoe",
			Identifiers: []string{"10YFR-RTE------C"},
			Start:       "2024-09-10",
			End:         "2024-09-10",
			Kind:        kind,
			TypeA:       store.SourceTypeAPI,
			TypeB:       store.SourceTypeAPIConsumption,
		}},
	}
}

func insertSwapFixture(t *testing.T, st *store.Store) {
	t.Helper()

	day := testutil.Date(2024, time.September, 10)

	gen := testutil.Raw("entsoe", "10YFR-RTE------C", day, store.PeriodPT60M, 800)
	cons := testutil.Raw("entsoe", "10YFR-RTE------C", day, store.PeriodPT60M, 500)
	cons.SourceType = store.SourceTypeAPIConsumption
	unpaired := testutil.Raw("entsoe", "10YFR-RTE------C", day.Add(time.Hour), store.PeriodPT60M, 700)
	outside := testutil.Raw("entsoe", "10YFR-RTE------C", day.AddDate(0, 0, 1), store.PeriodPT60M, 1)
	other := testutil.Raw("entsoe", "10YDE-EON------1", day, store.PeriodPT60M, 2)

	testutil.InsertRaw(t, st, gen, cons, unpaired, outside, other)
}

func valueAt(t *testing.T, st *store.Store, sourceType store.SourceType, identifier string, start time.Time) (float64, bool) {
	t.Helper()

	for _, rec := range listRaw(t, st, store.RawFilter{SourceTypes: []store.SourceType{sourceType}, Identifiers: []string{identifier}}) {
		if rec.PeriodStart.Equal(start) {
			return rec.Value, true
		}
	}

	return 0, false
}

func TestApplyCorrectionSwapSourceTypes(t *testing.T) {
	svc, st := newService(t, swapConfig(SwapSourceTypes))
	ctx := context.Background()
	day := testutil.Date(2024, time.September, 10)
	fr := "10YFR-RTE------C"

	insertSwapFixture(t, st)

	res, err := svc.ApplyCorrection(ctx, "fr-2024-09-swap")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(3), res.Rows)
	assert.NotEmpty(t, res.AnomalyID)

	v, ok := valueAt(t, st, store.SourceTypeAPI, fr, day)
	require.True(t, ok)
	assert.InDelta(t, 500, v, 1e-9)

	v, ok = valueAt(t, st, store.SourceTypeAPIConsumption, fr, day)
	require.True(t, ok)
	assert.InDelta(t, 800, v, 1e-9)

	// The unpaired generation record moves to the consumption stream
	_, ok = valueAt(t, st, store.SourceTypeAPI, fr, day.Add(time.Hour))
	assert.False(t, ok)

	v, ok = valueAt(t, st, store.SourceTypeAPI, fr, day.AddDate(0, 0, 1))
	require.True(t, ok)
	assert.InDelta(t, 1, v, 1e-9)

	v, ok = valueAt(t, st, store.SourceTypeAPI, "10YDE-EON------1", day)
	require.True(t, ok)
	assert.InDelta(t, 2, v, 1e-9)

	anomalies, total, err := st.ListAnomalies(ctx, store.AnomalyFilter{Types: []string{AnomalyTypeFieldSwap}})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, store.AnomalyResolved, anomalies[0].Status)
	assert.Equal(t, day, anomalies[0].PeriodStart)
	assert.Equal(t, day.Add(23*time.Hour), anomalies[0].PeriodEnd)

	// A second run must not swap back
	res, err = svc.ApplyCorrection(ctx, "fr-2024-09-swap")
	require.NoError(t, err)
	assert.False(t, res.Applied)

	v, ok = valueAt(t, st, store.SourceTypeAPI, fr, day)
	require.True(t, ok)
	assert.InDelta(t, 500, v, 1e-9)

	_, total, err = st.ListAnomalies(ctx, store.AnomalyFilter{Types: []string{AnomalyTypeFieldSwap}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestApplyCorrectionSwapValues(t *testing.T) {
	svc, st := newService(t, swapConfig(SwapValues))
	ctx := context.Background()
	day := testutil.Date(2024, time.September, 10)
	fr := "10YFR-RTE------C"

	insertSwapFixture(t, st)

	results, err := svc.ApplyCorrections(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Applied)
	assert.Equal(t, int64(2), results[0].Rows)

	v, _ := valueAt(t, st, store.SourceTypeAPI, fr, day)
	assert.InDelta(t, 500, v, 1e-9)

	v, _ = valueAt(t, st, store.SourceTypeAPIConsumption, fr, day)
	assert.InDelta(t, 800, v, 1e-9)

	// Unpaired records keep stream and value
	v, ok := valueAt(t, st, store.SourceTypeAPI, fr, day.Add(time.Hour))
	require.True(t, ok)
	assert.InDelta(t, 700, v, 1e-9)

	results, err = svc.ApplyCorrections(ctx)
	require.NoError(t, err)
	assert.False(t, results[0].Applied)
}

func TestApplyCorrectionUnknown(t *testing.T) {
	svc, _ := newService(t, &Config{})

	_, err := svc.ApplyCorrection(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownCorrection)
}

func TestConfigValidate(t *testing.T) {
	valid := func() Correction {
		return swapConfig(SwapSourceTypes).Corrections[0]
	}

	tests := []struct {
		name   string
		cfg    *Config
		errIs  error
		mutate func(c *Correction)
	}{
		{name: "empty", cfg: &Config{}},
		{name: "timezone rule", cfg: timezoneConfig()},
		{
			name:  "unknown location",
			cfg:   &Config{Timezone: []TimezoneRule{{Source: "elexon", Location: "Mars/Olympus", PeriodMinutes: 30, DateField: "d", PeriodField: "p"}}},
			errIs: ErrInvalidTimezoneRule,
		},
		{
			name:  "odd period length",
			cfg:   &Config{Timezone: []TimezoneRule{{Source: "elexon", Location: "UTC", PeriodMinutes: 20, DateField: "d", PeriodField: "p"}}},
			errIs: ErrInvalidTimezoneRule,
		},
		{name: "correction", cfg: swapConfig(SwapValues)},
		{name: "unknown kind", errIs: ErrInvalidCorrection, mutate: func(c *Correction) { c.Kind = "rotate" }},
		{name: "same types", errIs: ErrInvalidCorrection, mutate: func(c *Correction) { c.TypeB = c.TypeA }},
		{name: "end before start", errIs: ErrInvalidCorrection, mutate: func(c *Correction) { c.End = "2024-09-01" }},
		{name: "bad date", errIs: ErrInvalidCorrection, mutate: func(c *Correction) { c.Start = "10/09/2024" }},
		{name: "no source", errIs: ErrInvalidCorrection, mutate: func(c *Correction) { c.Source = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if tt.mutate != nil {
				c := valid()
				tt.mutate(&c)
				cfg = &Config{Corrections: []Correction{c}}
			}

			err := cfg.Validate()
			if tt.errIs == nil {
				assert.NoError(t, err)
				return
			}

			assert.True(t, errors.Is(err, tt.errIs), "got %v", err)
		})
	}

	dup := &Config{Corrections: []Correction{valid(), valid()}}
	assert.ErrorIs(t, dup.Validate(), ErrInvalidCorrection)
}
