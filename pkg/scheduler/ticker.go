package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// SweepEnqueuer queues a sweep run for the workers
type SweepEnqueuer interface {
	EnqueueSweep(ctx context.Context, sweep string) (string, error)
}

// tickerService manages periodic checking of scheduled sweeps
type tickerService interface {
	// Start begins the ticker loop (should only run on leader)
	// Blocks until context is canceled or Stop is called
	Start(ctx context.Context) error

	// Stop gracefully shuts down the ticker
	Stop() error
}

type tickerServiceImpl struct {
	log      logrus.FieldLogger
	tracker  scheduleTracker
	enqueuer SweepEnqueuer
	interval time.Duration
	sweeps   []scheduledSweep
	sweepsMu sync.RWMutex // Protects nextRun of sweeps
	done     chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// scheduledSweep is a sweep that should be queued on an interval
type scheduledSweep struct {
	Name     string
	Interval time.Duration
	nextRun  *time.Time // Cached next run time to avoid Redis lookups
}

func newTickerService(
	log logrus.FieldLogger,
	tracker scheduleTracker,
	enqueuer SweepEnqueuer,
	interval time.Duration,
	sweeps []SweepConfig,
) *tickerServiceImpl {
	scheduled := make([]scheduledSweep, 0, len(sweeps))
	for _, sw := range sweeps {
		scheduled = append(scheduled, scheduledSweep{Name: sw.Name, Interval: sw.interval})
	}

	return &tickerServiceImpl{
		log:      log.WithField("component", "ticker"),
		tracker:  tracker,
		enqueuer: enqueuer,
		interval: interval,
		sweeps:   scheduled,
		done:     make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (t *tickerServiceImpl) Start(ctx context.Context) error {
	t.log.WithField("sweeps", len(t.sweeps)).Info("Starting ticker service")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.log.Info("Ticker context canceled, stopping")
			return ctx.Err()
		case <-t.done:
			t.log.Info("Ticker stopped via Stop()")
			return nil
		case <-ticker.C:
			t.checkSchedules(ctx)
		}
	}
}

// checkSchedules queues every sweep whose interval has elapsed since its last
// recorded run
func (t *tickerServiceImpl) checkSchedules(ctx context.Context) {
	now := t.now()

	for i := range t.sweeps {
		sweep := &t.sweeps[i]

		// Fast path: skip if we already know the sweep isn't due yet
		t.sweepsMu.RLock()
		cachedNextRun := sweep.nextRun
		t.sweepsMu.RUnlock()

		if cachedNextRun != nil && now.Before(*cachedNextRun) {
			continue
		}

		lastRun, err := t.tracker.GetLastRun(ctx, sweep.Name)
		if err != nil {
			t.log.WithError(err).WithField("sweep", sweep.Name).Warn("Failed to get last run, will retry next tick")

			continue
		}

		nextRun := lastRun.Add(sweep.Interval)

		t.sweepsMu.Lock()
		sweep.nextRun = &nextRun
		t.sweepsMu.Unlock()

		if now.Before(nextRun) {
			continue
		}

		queueID, err := t.enqueuer.EnqueueSweep(ctx, sweep.Name)
		if err != nil {
			t.log.WithError(err).WithField("sweep", sweep.Name).Error("Failed to enqueue sweep")

			continue
		}

		if err := t.tracker.SetLastRun(ctx, sweep.Name, now); err != nil {
			t.log.WithError(err).WithField("sweep", sweep.Name).Error("Failed to update last run timestamp")
		}

		updatedNextRun := now.Add(sweep.Interval)

		t.sweepsMu.Lock()
		sweep.nextRun = &updatedNextRun
		t.sweepsMu.Unlock()

		t.log.WithFields(logrus.Fields{
			"sweep":    sweep.Name,
			"queue_id": queueID,
			"next_run": updatedNextRun,
		}).Info("Enqueued scheduled sweep")
	}
}

func (t *tickerServiceImpl) Stop() error {
	t.stopOnce.Do(func() {
		t.log.Info("Stopping ticker service")
		close(t.done)
	})

	return nil
}

// parseScheduleInterval converts a cron schedule string to a duration.
// "@every" takes its duration as is; other expressions use the gap between
// their next two activations.
func parseScheduleInterval(schedule string) (time.Duration, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	sched, err := parser.Parse(schedule)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule format: %w", err)
	}

	if len(schedule) > 7 && schedule[:6] == "@every" {
		duration, err := time.ParseDuration(schedule[7:])
		if err != nil {
			return 0, fmt.Errorf("failed to parse @every duration: %w", err)
		}

		return duration, nil
	}

	next1 := sched.Next(time.Now())
	next2 := sched.Next(next1)

	return next2.Sub(next1), nil
}

// Verify interface compliance at compile time
var _ tickerService = (*tickerServiceImpl)(nil)
