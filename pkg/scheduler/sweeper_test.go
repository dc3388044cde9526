package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethpandaops/gridfill/internal/testutil"
	"github.com/ethpandaops/gridfill/pkg/aggregate"
	"github.com/ethpandaops/gridfill/pkg/anomaly"
	"github.com/ethpandaops/gridfill/pkg/reconcile"
	r "github.com/ethpandaops/gridfill/pkg/redis"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockReconcile struct {
	reconcile.Service

	scopes      []reconcile.Scope
	corrections int
	err         error
}

func (m *mockReconcile) FixResolution(_ context.Context, scope reconcile.Scope) (*reconcile.ResolutionReport, error) {
	m.scopes = append(m.scopes, scope)
	return &reconcile.ResolutionReport{Fixed: 4}, m.err
}

func (m *mockReconcile) CorrectTimezone(_ context.Context, scope reconcile.Scope, dryRun bool) (*reconcile.TimezoneReport, error) {
	if dryRun {
		return nil, errors.New("sweeps must not dry run")
	}

	m.scopes = append(m.scopes, scope)

	return &reconcile.TimezoneReport{}, m.err
}

func (m *mockReconcile) ApplyCorrections(_ context.Context) ([]*reconcile.CorrectionResult, error) {
	m.corrections++
	return []*reconcile.CorrectionResult{{Name: "a", Applied: true}, {Name: "b"}}, m.err
}

type mockAggregate struct {
	aggregate.Service

	requests []aggregate.Request
}

func (m *mockAggregate) Aggregate(_ context.Context, req aggregate.Request) (*aggregate.Result, error) {
	m.requests = append(m.requests, req)
	return &aggregate.Result{Units: 1, Written: 24}, nil
}

type mockAnomaly struct {
	anomaly.Service

	requests []anomaly.Request
	saved    int
}

func (m *mockAnomaly) Detect(_ context.Context, req anomaly.Request) ([]*anomaly.Candidate, error) {
	m.requests = append(m.requests, req)
	return []*anomaly.Candidate{{UnitID: "u1", Type: anomaly.TypeCapacityExceeded}}, nil
}

func (m *mockAnomaly) SaveNew(_ context.Context, candidates []*anomaly.Candidate) ([]*store.Anomaly, error) {
	m.saved += len(candidates)
	return []*store.Anomaly{{ID: "a1"}}, nil
}

type sweeperFixture struct {
	sweeper *Sweeper
	locker  *r.Locker
	rec     *mockReconcile
	agg     *mockAggregate
	anom    *mockAnomaly
	now     time.Time
}

func newSweeperFixture(t *testing.T) *sweeperFixture {
	t.Helper()

	cfg := &Config{
		TickInterval: time.Second,
		LockTTL:      time.Minute,
		Sweeps: []SweepConfig{
			{Name: "res", Kind: SweepResolution, Source: "elexon", Schedule: "@every 1h", Lookback: 24 * time.Hour},
			{Name: "tz", Kind: SweepTimezone, Schedule: "@every 1h", Lookback: 24 * time.Hour},
			{Name: "fix", Kind: SweepCorrections, Schedule: "@daily"},
			{Name: "agg", Kind: SweepAggregate, Sources: []string{"elexon"}, Schedule: "@every 1h", Lookback: 6 * time.Hour},
			{Name: "anom", Kind: SweepAnomaly, Schedule: "@every 1h", Lookback: 6 * time.Hour, Save: true},
			{Name: "anom-dry", Kind: SweepAnomaly, Schedule: "@every 1h", Lookback: 6 * time.Hour},
		},
	}
	require.NoError(t, cfg.Validate())

	_, client := testutil.NewMiniredisClient(t)
	log := testutil.NewLogger(t)
	locker := r.NewLocker(log, client, &r.Config{Prefix: "gridfill"})

	f := &sweeperFixture{
		locker: locker,
		rec:    &mockReconcile{},
		agg:    &mockAggregate{},
		anom:   &mockAnomaly{},
		now:    time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC),
	}

	f.sweeper = NewSweeper(log, cfg, locker, f.rec, f.agg, f.anom)
	f.sweeper.now = func() time.Time { return f.now }

	return f
}

func TestSweeperDispatch(t *testing.T) {
	ctx := context.Background()
	hour := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("resolution", func(t *testing.T) {
		f := newSweeperFixture(t)
		require.NoError(t, f.sweeper.RunSweep(ctx, "res"))

		require.Len(t, f.rec.scopes, 1)
		assert.Equal(t, reconcile.Scope{Source: "elexon", From: hour.Add(-24 * time.Hour), To: hour}, f.rec.scopes[0])
	})

	t.Run("timezone covers every rule", func(t *testing.T) {
		f := newSweeperFixture(t)
		require.NoError(t, f.sweeper.RunSweep(ctx, "tz"))

		require.Len(t, f.rec.scopes, 1)
		assert.Empty(t, f.rec.scopes[0].Source)
	})

	t.Run("corrections", func(t *testing.T) {
		f := newSweeperFixture(t)
		require.NoError(t, f.sweeper.RunSweep(ctx, "fix"))

		assert.Equal(t, 1, f.rec.corrections)
	})

	t.Run("aggregate", func(t *testing.T) {
		f := newSweeperFixture(t)
		require.NoError(t, f.sweeper.RunSweep(ctx, "agg"))

		require.Len(t, f.agg.requests, 1)
		assert.Equal(t, aggregate.Request{Sources: []string{"elexon"}, From: hour.Add(-6 * time.Hour), To: hour}, f.agg.requests[0])
	})

	t.Run("anomaly saves new findings", func(t *testing.T) {
		f := newSweeperFixture(t)
		require.NoError(t, f.sweeper.RunSweep(ctx, "anom"))

		require.Len(t, f.anom.requests, 1)
		assert.Equal(t, 1, f.anom.saved)
	})

	t.Run("anomaly without save only detects", func(t *testing.T) {
		f := newSweeperFixture(t)
		require.NoError(t, f.sweeper.RunSweep(ctx, "anom-dry"))

		require.Len(t, f.anom.requests, 1)
		assert.Zero(t, f.anom.saved)
	})
}

func TestSweeperLocking(t *testing.T) {
	ctx := context.Background()

	t.Run("held lock skips the run", func(t *testing.T) {
		f := newSweeperFixture(t)

		lock, err := f.locker.Acquire(ctx, "sweep:agg", time.Minute)
		require.NoError(t, err)

		require.NoError(t, f.sweeper.RunSweep(ctx, "agg"))
		assert.Empty(t, f.agg.requests)

		require.NoError(t, lock.Release(ctx))
		require.NoError(t, f.sweeper.RunSweep(ctx, "agg"))
		assert.Len(t, f.agg.requests, 1)
	})

	t.Run("lock is released after failure", func(t *testing.T) {
		f := newSweeperFixture(t)
		f.rec.err = errors.New("db gone")

		require.Error(t, f.sweeper.RunSweep(ctx, "res"))

		lock, err := f.locker.Acquire(ctx, "sweep:res", time.Minute)
		require.NoError(t, err)
		require.NoError(t, lock.Release(ctx))
	})

	t.Run("unknown sweep", func(t *testing.T) {
		f := newSweeperFixture(t)

		err := f.sweeper.RunSweep(ctx, "nope")
		assert.ErrorIs(t, err, ErrUnknownSweep)
	})
}
