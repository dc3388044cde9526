package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// scheduleTracker keeps the last run of every sweep in Redis so a newly
// promoted leader continues the previous leader's cadence
type scheduleTracker interface {
	// GetLastRun returns zero time if the sweep has never run
	GetLastRun(ctx context.Context, sweep string) (time.Time, error)

	// SetLastRun persists without TTL
	SetLastRun(ctx context.Context, sweep string, timestamp time.Time) error

	// DeleteLastRun forgets a sweep removed from config
	DeleteLastRun(ctx context.Context, sweep string) error

	// Tracked returns every sweep name with a recorded run
	Tracked(ctx context.Context) ([]string, error)
}

type redisScheduleTracker struct {
	log    logrus.FieldLogger
	redis  redis.Cmdable
	prefix string // e.g. gridfill:scheduler:sweep:
}

func newScheduleTracker(log logrus.FieldLogger, client redis.Cmdable, keyPrefix string) scheduleTracker {
	return &redisScheduleTracker{
		log:    log.WithField("component", "schedule_tracker"),
		redis:  client,
		prefix: keyPrefix,
	}
}

func (r *redisScheduleTracker) GetLastRun(ctx context.Context, sweep string) (time.Time, error) {
	val, err := r.redis.Get(ctx, r.prefix+sweep).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}

		return time.Time{}, fmt.Errorf("failed to get last run for sweep %s: %w", sweep, err)
	}

	timestamp, err := time.Parse(time.RFC3339, val)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"sweep":     sweep,
			"raw_value": val,
		}).Error("Failed to parse timestamp")

		return time.Time{}, fmt.Errorf("failed to parse timestamp for sweep %s: %w", sweep, err)
	}

	return timestamp, nil
}

func (r *redisScheduleTracker) SetLastRun(ctx context.Context, sweep string, timestamp time.Time) error {
	if err := r.redis.Set(ctx, r.prefix+sweep, timestamp.UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("failed to set last run for sweep %s: %w", sweep, err)
	}

	r.log.WithFields(logrus.Fields{
		"sweep":     sweep,
		"timestamp": timestamp,
	}).Debug("Updated last run for sweep")

	return nil
}

func (r *redisScheduleTracker) DeleteLastRun(ctx context.Context, sweep string) error {
	if err := r.redis.Del(ctx, r.prefix+sweep).Err(); err != nil {
		return fmt.Errorf("failed to delete last run for sweep %s: %w", sweep, err)
	}

	return nil
}

func (r *redisScheduleTracker) Tracked(ctx context.Context) ([]string, error) {
	// SCAN rather than KEYS so Redis is not blocked
	const scanBatchSize = 100

	var sweeps []string

	iter := r.redis.Scan(ctx, 0, r.prefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		sweeps = append(sweeps, iter.Val()[len(r.prefix):])
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan tracked sweeps: %w", err)
	}

	return sweeps, nil
}

// Verify interface compliance at compile time
var _ scheduleTracker = (*redisScheduleTracker)(nil)
