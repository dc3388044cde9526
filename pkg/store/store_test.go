package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethpandaops/gridfill/internal/testutil"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     store.Config
		wantErr error
	}{
		{name: "postgres", cfg: store.Config{Driver: store.DriverPostgres, DSN: "postgres://localhost/gridfill"}},
		{name: "sqlite", cfg: store.Config{Driver: store.DriverSQLite, DSN: "file:gridfill.db"}},
		{name: "missing dsn", cfg: store.Config{Driver: store.DriverPostgres}, wantErr: store.ErrDSNRequired},
		{name: "unknown driver", cfg: store.Config{Driver: "mysql", DSN: "x"}, wantErr: store.ErrUnsupportedDriver},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			assert.NoError(t, err)
		})
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := testutil.NewStore(t)

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestUpsertRawRecordsIdempotent(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	hour := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)

	rec := testutil.Raw("entsoe", "X", hour, store.PeriodPT60M, 42.5)
	rec.Payload = map[string]any{"quantity": 42.5, "position": 11.0}

	n, err := s.UpsertRawRecords(ctx, []*store.RawRecord{rec}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	first, err := s.ListRawRecords(ctx, store.RawFilter{Source: "entsoe"})
	require.NoError(t, err)
	require.Len(t, first, 1)

	again := testutil.Raw("entsoe", "X", hour, store.PeriodPT60M, 42.5)
	again.Payload = map[string]any{"position": 11.0, "quantity": 42.5}

	n, err = s.UpsertRawRecords(ctx, []*store.RawRecord{again}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "identical upsert must not touch the row")

	second, err := s.ListRawRecords(ctx, store.RawFilter{Source: "entsoe"})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0], second[0])
}

func TestUpsertRawRecordsRevisionGuard(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	hour := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)

	newer := testutil.Raw("elexon", "T_WIND-1", hour, store.PeriodPT30M, 70)
	newer.Revision = 7
	testutil.InsertRaw(t, s, newer)

	older := testutil.Raw("elexon", "T_WIND-1", hour, store.PeriodPT30M, 50)
	older.Revision = 5

	n, err := s.UpsertRawRecords(ctx, []*store.RawRecord{older}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	records, err := s.ListRawRecords(ctx, store.RawFilter{Identifiers: []string{"T_WIND-1"}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, 70, records[0].Value, 1e-9)
	assert.Equal(t, int64(7), records[0].Revision)

	latest := testutil.Raw("elexon", "T_WIND-1", hour, store.PeriodPT30M, 72)
	latest.Revision = 8
	testutil.InsertRaw(t, s, latest)

	records, err = s.ListRawRecords(ctx, store.RawFilter{Identifiers: []string{"T_WIND-1"}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, 72, records[0].Value, 1e-9)
}

func TestCorrectedPeriodSurvivesRefetch(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	start := time.Date(2023, 6, 1, 10, 15, 0, 0, time.UTC)

	testutil.InsertRaw(t, s, testutil.Raw("entsoe", "X", start, store.PeriodPT60M, 10))

	records, err := s.ListRawRecords(ctx, store.RawFilter{Source: "entsoe"})
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, s.CorrectRawPeriod(ctx, records[0].ID, store.PeriodPT15M, start.Add(15*time.Minute), time.Now()))

	refetched := testutil.Raw("entsoe", "X", start, store.PeriodPT60M, 11)
	testutil.InsertRaw(t, s, refetched)

	records, err = s.ListRawRecords(ctx, store.RawFilter{Source: "entsoe"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.PeriodPT15M, records[0].PeriodType)
	assert.Equal(t, start.Add(15*time.Minute), records[0].PeriodEnd)
	assert.InDelta(t, 11, records[0].Value, 1e-9)
	assert.NotNil(t, records[0].CorrectedAt)
}

func TestListRawRecordsOverlap(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	base := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	testutil.InsertRaw(t, s,
		testutil.Raw("entsoe", "X", base.Add(9*time.Hour), store.PeriodPT60M, 1),
		testutil.Raw("entsoe", "X", base.Add(10*time.Hour), store.PeriodPT60M, 2),
		testutil.Raw("entsoe", "X", base.Add(10*time.Hour+30*time.Minute), store.PeriodPT30M, 3),
		testutil.Raw("entsoe", "X", base.Add(11*time.Hour), store.PeriodPT60M, 4),
		testutil.Raw("entsoe", "Y", base.Add(10*time.Hour), store.PeriodPT60M, 5),
	)

	records, err := s.ListRawRecords(ctx, store.RawFilter{
		Source:      "entsoe",
		Identifiers: []string{"X"},
		From:        base.Add(10 * time.Hour),
		To:          base.Add(11 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.InDelta(t, 2, records[0].Value, 1e-9)
	assert.InDelta(t, 3, records[1].Value, 1e-9)

	ids, err := s.RawIdentifiers(ctx, "entsoe")
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y"}, ids)
}

func TestMoveRawRecords(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	first := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(30 * time.Minute)

	testutil.InsertRaw(t, s,
		testutil.Raw("elexon", "T_1", first, store.PeriodPT30M, 9),
		testutil.Raw("elexon", "T_1", second, store.PeriodPT30M, 11),
	)

	records, err := s.ListRawRecords(ctx, store.RawFilter{Source: "elexon"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Shift the series back by one period; the first target is occupied by
	// nothing, the second target is the first record's old slot.
	moves := []store.RawMove{
		{Record: records[1], PeriodStart: first, PeriodEnd: second},
		{Record: records[0], PeriodStart: first.Add(-30 * time.Minute), PeriodEnd: first},
	}

	err = s.InTx(ctx, func(tx *store.Tx) error {
		return tx.MoveRawRecords(ctx, moves, time.Now())
	})
	require.NoError(t, err)

	records, err = s.ListRawRecords(ctx, store.RawFilter{Source: "elexon"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first.Add(-30*time.Minute), records[0].PeriodStart)
	assert.InDelta(t, 9, records[0].Value, 1e-9)
	assert.Equal(t, first, records[1].PeriodStart)
	assert.InDelta(t, 11, records[1].Value, 1e-9)
	assert.NotNil(t, records[1].CorrectedAt)
}

func TestRetagRawRecords(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	day := testutil.Date(2024, time.September, 10)

	gen := testutil.Raw("entsoe", "10YFR-RTE------C", day, store.PeriodPT60M, 500)
	cons := testutil.Raw("entsoe", "10YFR-RTE------C", day, store.PeriodPT60M, 800)
	cons.SourceType = store.SourceTypeAPIConsumption
	outside := testutil.Raw("entsoe", "10YFR-RTE------C", day.AddDate(0, 0, 5), store.PeriodPT60M, 1)

	testutil.InsertRaw(t, s, gen, cons, outside)

	n, err := s.RetagRawRecords(ctx, "entsoe", nil, store.SourceTypeAPI, "swap_tmp", day, day.AddDate(0, 0, 1), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	records, err := s.ListRawRecords(ctx, store.RawFilter{SourceTypes: []store.SourceType{"swap_tmp"}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, 500, records[0].Value, 1e-9)
}

func TestJobAndTaskLifecycle(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	job := &store.Job{
		ID:         uuid.NewString(),
		UnitSet:    store.UnitSet{UnitIDs: []string{"u1"}},
		StartDate:  testutil.Date(2023, 1, 1),
		EndDate:    testutil.Date(2023, 1, 31),
		Status:     store.JobPending,
		TotalTasks: 2,
		CreatedBy:  "tester",
		Metadata:   store.JobMetadata{Sources: []string{"entsoe"}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tasks := []*store.Task{
		{ID: uuid.NewString(), JobID: job.ID, UnitID: "u1", Source: "entsoe", ChunkStart: job.StartDate,
			ChunkEnd: job.StartDate.AddDate(0, 0, 15), Status: store.TaskPending, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now},
		{ID: uuid.NewString(), JobID: job.ID, UnitID: "u1", Source: "entsoe", ChunkStart: job.StartDate.AddDate(0, 0, 15),
			ChunkEnd: job.StartDate.AddDate(0, 1, 0), Status: store.TaskPending, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now},
	}

	require.NoError(t, s.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertJob(ctx, job); err != nil {
			return err
		}

		return tx.InsertTasks(ctx, tasks)
	}))

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.UnitSet, loaded.UnitSet)
	assert.Equal(t, []string{"entsoe"}, loaded.Metadata.Sources)
	assert.Nil(t, loaded.StartedAt)

	moved, err := s.TransitionJob(ctx, job.ID, store.JobPending, store.JobInProgress, now)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.TransitionJob(ctx, job.ID, store.JobPending, store.JobInProgress, now)
	require.NoError(t, err)
	assert.False(t, moved, "second transition from pending must not apply")

	claimed, err := s.ClaimTask(ctx, tasks[0].ID, now)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimTask(ctx, tasks[0].ID, now)
	require.NoError(t, err)
	assert.False(t, claimed)

	done, err := s.CompleteTask(ctx, tasks[0].ID, 24, "", now)
	require.NoError(t, err)
	assert.True(t, done)

	counts, err := s.CountTasks(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCounts{Pending: 1, Completed: 1}, counts)

	skipped, err := s.SkipActiveTasks(ctx, job.ID, "cancelled", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), skipped)

	task, err := s.GetTask(ctx, tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskSkipped, task.Status)
	assert.NotNil(t, task.CompletedAt)

	jobs, total, err := s.ListJobs(ctx, store.JobFilter{Source: "entsoe"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)

	require.NoError(t, s.DeleteJob(ctx, job.ID))
	assert.ErrorIs(t, s.DeleteJob(ctx, job.ID), store.ErrNotFound)

	_, err = s.GetTask(ctx, tasks[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTaskWritesRequireActiveJob(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	job := &store.Job{
		ID:         uuid.NewString(),
		StartDate:  testutil.Date(2023, 1, 1),
		EndDate:    testutil.Date(2023, 1, 31),
		Status:     store.JobInProgress,
		TotalTasks: 2,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	running := &store.Task{ID: uuid.NewString(), JobID: job.ID, UnitID: "u1", Source: "entsoe",
		ChunkStart: job.StartDate, ChunkEnd: job.EndDate, Status: store.TaskPending, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now}
	queued := &store.Task{ID: uuid.NewString(), JobID: job.ID, UnitID: "u2", Source: "entsoe",
		ChunkStart: job.StartDate, ChunkEnd: job.EndDate, Status: store.TaskPending, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now}

	require.NoError(t, s.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertJob(ctx, job); err != nil {
			return err
		}

		return tx.InsertTasks(ctx, []*store.Task{running, queued})
	}))

	claimed, err := s.ClaimTask(ctx, running.ID, now)
	require.NoError(t, err)
	require.True(t, claimed)

	job.Status = store.JobPartiallyCompleted
	job.Metadata.Cancelled = true
	require.NoError(t, s.UpdateJob(ctx, job))

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Metadata.Cancelled)

	claimed, err = s.ClaimTask(ctx, queued.ID, now)
	require.NoError(t, err)
	assert.False(t, claimed, "a task of an ended job is not claimed")

	released, err := s.ReleaseTask(ctx, running.ID, store.TaskPending, "retry", now)
	require.NoError(t, err)
	assert.False(t, released, "an ended job gets no retries")

	released, err = s.ReleaseTask(ctx, running.ID, store.TaskFailed, "final", now)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestListUnits(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()

	u1 := testutil.CreateUnit(t, s, "ENTSOE", "U1", testutil.WithWindfarm("wf-a"))
	u2 := testutil.CreateUnit(t, s, "elexon", "U2", testutil.WithWindfarm("wf-b"))
	testutil.CreateUnit(t, s, "elexon", "U3", testutil.WithWindfarm("wf-b"), testutil.Inactive())

	assert.Equal(t, "entsoe", u1.Source)

	tests := []struct {
		name   string
		filter store.UnitFilter
		want   []string
	}{
		{name: "all active", filter: store.UnitFilter{ActiveOnly: true}, want: []string{"U2", "U1"}},
		{name: "ids or windfarms", filter: store.UnitFilter{UnitIDs: []string{u1.ID}, WindfarmIDs: []string{"wf-b"}}, want: []string{"U2", "U3", "U1"}},
		{name: "source narrows", filter: store.UnitFilter{WindfarmIDs: []string{"wf-a", "wf-b"}, Sources: []string{"Elexon"}, ActiveOnly: true}, want: []string{"U2"}},
		{name: "by id", filter: store.UnitFilter{UnitIDs: []string{u2.ID}}, want: []string{"U2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units, err := s.ListUnits(ctx, tt.filter)
			require.NoError(t, err)

			codes := make([]string, 0, len(units))
			for _, u := range units {
				codes = append(codes, u.Code)
			}

			assert.Equal(t, tt.want, codes)
		})
	}
}

func TestAggregatesUpsertAndDelete(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	hour := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	cf := 0.5

	agg := &store.AggregateRecord{Hour: hour, UnitID: "u1", Source: "entsoe", Value: 50, CapacityMW: 100,
		CapacityFactor: &cf, Quality: store.QualityComplete, RecordCount: 1, RawIDs: []string{"r1"}}

	_, err := s.UpsertAggregates(ctx, []*store.AggregateRecord{agg}, time.Now())
	require.NoError(t, err)

	rerun := &store.AggregateRecord{Hour: hour, UnitID: "u1", Source: "entsoe", Value: 60, CapacityMW: 100,
		Quality: store.QualityPartial, RecordCount: 2, RawIDs: []string{"r2", "r3"}}

	_, err = s.UpsertAggregates(ctx, []*store.AggregateRecord{rerun}, time.Now())
	require.NoError(t, err)

	other := &store.AggregateRecord{Hour: hour, UnitID: "u1", Source: "elexon", Value: 1, Quality: store.QualityComplete, RawIDs: []string{}}
	_, err = s.UpsertAggregates(ctx, []*store.AggregateRecord{other}, time.Now())
	require.NoError(t, err)

	aggs, err := s.ListAggregates(ctx, store.AggregateFilter{UnitIDs: []string{"u1"}, Sources: []string{"entsoe"}})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.InDelta(t, 60, aggs[0].Value, 1e-9)
	assert.Nil(t, aggs[0].CapacityFactor)
	assert.Equal(t, []string{"r2", "r3"}, aggs[0].RawIDs)

	n, err := s.DeleteAggregates(ctx, store.AggregateFilter{Sources: []string{"entsoe"}, From: hour, To: hour.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	aggs, err = s.ListAggregates(ctx, store.AggregateFilter{})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, "elexon", aggs[0].Source)
}

func TestAnomalies(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	start := time.Date(2023, 6, 1, 1, 0, 0, 0, time.UTC)
	now := time.Now()

	anomalies := []*store.Anomaly{
		{UnitID: "u1", Source: "entsoe", Type: "capacity_factor_exceeded", Severity: "high", PeriodStart: start, PeriodEnd: start.Add(2 * time.Hour)},
		{UnitID: "u2", Source: "entsoe", Type: "missing_data", Severity: "low", PeriodStart: start.Add(24 * time.Hour), PeriodEnd: start.Add(25 * time.Hour)},
	}
	require.NoError(t, s.InsertAnomalies(ctx, anomalies, now))
	assert.Equal(t, store.AnomalyPending, anomalies[0].Status)

	overlapTests := []struct {
		name       string
		kind       string
		from, to   time.Time
		wantExists bool
	}{
		{"same run", "capacity_factor_exceeded", start, start.Add(2 * time.Hour), true},
		{"later start inside run", "capacity_factor_exceeded", start.Add(time.Hour), start.Add(5 * time.Hour), true},
		{"run extended earlier", "capacity_factor_exceeded", start.Add(-3 * time.Hour), start, true},
		{"after run", "capacity_factor_exceeded", start.Add(3 * time.Hour), start.Add(4 * time.Hour), false},
		{"other type", "missing_data", start, start.Add(2 * time.Hour), false},
	}

	for _, tt := range overlapTests {
		exists, err := s.AnomalyOverlaps(ctx, "u1", "entsoe", tt.kind, tt.from, tt.to)
		require.NoError(t, err)
		assert.Equal(t, tt.wantExists, exists, tt.name)
	}

	page, total, err := s.ListAnomalies(ctx, store.AnomalyFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, "u2", page[0].UnitID)

	require.NoError(t, s.UpdateAnomalyStatus(ctx, anomalies[0].ID, store.AnomalyResolved, "re-fetched", now))

	got, err := s.GetAnomaly(ctx, anomalies[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.AnomalyResolved, got.Status)
	assert.Equal(t, "re-fetched", got.ResolutionNotes)

	assert.ErrorIs(t, s.UpdateAnomalyStatus(ctx, "missing", store.AnomalyIgnored, "", now), store.ErrNotFound)

	page, total, err = s.ListAnomalies(ctx, store.AnomalyFilter{Statuses: []store.AnomalyStatus{store.AnomalyPending}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, page, 1)
}

func TestCorrectionLedger(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()

	applied, err := s.CorrectionApplied(ctx, "fr-2024-09-swap")
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, s.RecordCorrection(ctx, "fr-2024-09-swap", 24, time.Now()))

	applied, err = s.CorrectionApplied(ctx, "fr-2024-09-swap")
	require.NoError(t, err)
	assert.True(t, applied)
}
