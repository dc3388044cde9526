package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/gridfill/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockScheduleTracker implements scheduleTracker for testing
type mockScheduleTracker struct {
	mu       sync.Mutex
	lastRuns map[string]time.Time
	getErr   error
	gets     int
}

func newMockScheduleTracker() *mockScheduleTracker {
	return &mockScheduleTracker{lastRuns: make(map[string]time.Time)}
}

func (m *mockScheduleTracker) GetLastRun(_ context.Context, sweep string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gets++

	if m.getErr != nil {
		return time.Time{}, m.getErr
	}

	return m.lastRuns[sweep], nil
}

func (m *mockScheduleTracker) SetLastRun(_ context.Context, sweep string, timestamp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastRuns[sweep] = timestamp

	return nil
}

func (m *mockScheduleTracker) DeleteLastRun(_ context.Context, sweep string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.lastRuns, sweep)

	return nil
}

func (m *mockScheduleTracker) Tracked(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.lastRuns))
	for name := range m.lastRuns {
		names = append(names, name)
	}

	return names, nil
}

// fakeEnqueuer records queued sweeps
type fakeEnqueuer struct {
	mu     sync.Mutex
	queued []string
	err    error
}

func (f *fakeEnqueuer) EnqueueSweep(_ context.Context, sweep string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}

	f.queued = append(f.queued, sweep)

	return "control/sweep:" + sweep, nil
}

func (f *fakeEnqueuer) Queued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.queued...)
}

func testSweeps(t *testing.T) []SweepConfig {
	t.Helper()

	sweeps := []SweepConfig{
		{Name: "hourly-aggregate", Kind: SweepAggregate, Schedule: "@every 1h", Lookback: 48 * time.Hour},
		{Name: "daily-anomaly", Kind: SweepAnomaly, Schedule: "@every 24h", Lookback: 48 * time.Hour},
	}

	for i := range sweeps {
		require.NoError(t, sweeps[i].Validate())
	}

	return sweeps
}

func TestTickerCheckSchedules(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("never run sweeps are queued", func(t *testing.T) {
		tracker := newMockScheduleTracker()
		enq := &fakeEnqueuer{}

		ticker := newTickerService(testutil.NewLogger(t), tracker, enq, time.Second, testSweeps(t))
		ticker.now = func() time.Time { return now }

		ticker.checkSchedules(ctx)

		assert.ElementsMatch(t, []string{"hourly-aggregate", "daily-anomaly"}, enq.Queued())
		assert.Equal(t, now, tracker.lastRuns["hourly-aggregate"])
	})

	t.Run("only due sweeps are queued", func(t *testing.T) {
		tracker := newMockScheduleTracker()
		tracker.lastRuns["hourly-aggregate"] = now.Add(-2 * time.Hour)
		tracker.lastRuns["daily-anomaly"] = now.Add(-time.Hour)
		enq := &fakeEnqueuer{}

		ticker := newTickerService(testutil.NewLogger(t), tracker, enq, time.Second, testSweeps(t))
		ticker.now = func() time.Time { return now }

		ticker.checkSchedules(ctx)

		assert.Equal(t, []string{"hourly-aggregate"}, enq.Queued())
		assert.Equal(t, now.Add(-time.Hour), tracker.lastRuns["daily-anomaly"])
	})

	t.Run("cached next run avoids tracker lookups", func(t *testing.T) {
		tracker := newMockScheduleTracker()
		enq := &fakeEnqueuer{}

		current := now
		ticker := newTickerService(testutil.NewLogger(t), tracker, enq, time.Second, testSweeps(t))
		ticker.now = func() time.Time { return current }

		ticker.checkSchedules(ctx)
		gets := tracker.gets

		current = now.Add(30 * time.Minute)
		ticker.checkSchedules(ctx)

		assert.Equal(t, gets, tracker.gets)
		assert.Len(t, enq.Queued(), 2)

		current = now.Add(time.Hour)
		ticker.checkSchedules(ctx)

		assert.Equal(t, []string{"hourly-aggregate", "daily-anomaly", "hourly-aggregate"}, enq.Queued())
	})

	t.Run("enqueue failure leaves last run untouched", func(t *testing.T) {
		tracker := newMockScheduleTracker()
		enq := &fakeEnqueuer{err: errors.New("redis down")}

		ticker := newTickerService(testutil.NewLogger(t), tracker, enq, time.Second, testSweeps(t))
		ticker.now = func() time.Time { return now }

		ticker.checkSchedules(ctx)

		assert.Empty(t, tracker.lastRuns)
	})

	t.Run("tracker failure skips the sweep", func(t *testing.T) {
		tracker := newMockScheduleTracker()
		tracker.getErr = errors.New("timeout")
		enq := &fakeEnqueuer{}

		ticker := newTickerService(testutil.NewLogger(t), tracker, enq, time.Second, testSweeps(t))
		ticker.now = func() time.Time { return now }

		ticker.checkSchedules(ctx)

		assert.Empty(t, enq.Queued())
	})
}

func TestTickerStartStop(t *testing.T) {
	enq := &fakeEnqueuer{}
	ticker := newTickerService(testutil.NewLogger(t), newMockScheduleTracker(), enq, 10*time.Millisecond, testSweeps(t))

	done := make(chan error, 1)
	go func() {
		done <- ticker.Start(context.Background())
	}()

	assert.Eventually(t, func() bool { return len(enq.Queued()) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ticker.Stop())
	require.NoError(t, ticker.Stop())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop")
	}
}

func TestParseScheduleInterval(t *testing.T) {
	tests := []struct {
		schedule string
		want     time.Duration
		wantErr  bool
	}{
		{schedule: "@every 15m", want: 15 * time.Minute},
		{schedule: "@hourly", want: time.Hour},
		{schedule: "0 * * * *", want: time.Hour},
		{schedule: "*/5 * * * *", want: 5 * time.Minute},
		{schedule: "not a schedule", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			got, err := parseScheduleInterval(tt.schedule)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
