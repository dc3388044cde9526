package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/gridfill/pkg/aggregate"
	"github.com/ethpandaops/gridfill/pkg/anomaly"
	"github.com/ethpandaops/gridfill/pkg/observability"
	"github.com/ethpandaops/gridfill/pkg/reconcile"
	r "github.com/ethpandaops/gridfill/pkg/redis"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownSweep is returned when a queued sweep is not configured here
	ErrUnknownSweep = errors.New("unknown sweep")
)

// Sweep outcomes as recorded in metrics
const (
	sweepStatusSuccess = "success"
	sweepStatusFailed  = "failed"
	sweepStatusSkipped = "skipped"
)

// Sweeper runs queued sweeps on a worker. A sweep holds a named lock while
// it runs so two workers never sweep the same thing at once.
type Sweeper struct {
	log    logrus.FieldLogger
	cfg    *Config
	locker *r.Locker

	reconcile reconcile.Service
	aggregate aggregate.Service
	anomaly   anomaly.Service

	now func() time.Time
}

// NewSweeper creates a sweeper over the configured sweeps
func NewSweeper(
	log logrus.FieldLogger,
	cfg *Config,
	locker *r.Locker,
	rec reconcile.Service,
	agg aggregate.Service,
	anom anomaly.Service,
) *Sweeper {
	return &Sweeper{
		log:       log.WithField("component", "sweeper"),
		cfg:       cfg,
		locker:    locker,
		reconcile: rec,
		aggregate: agg,
		anomaly:   anom,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunSweep runs the named sweep over its trailing window. A sweep already
// running elsewhere is skipped without error.
func (s *Sweeper) RunSweep(ctx context.Context, name string) error {
	sw := s.sweep(name)
	if sw == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSweep, name)
	}

	log := s.log.WithFields(logrus.Fields{
		"sweep": sw.Name,
		"kind":  sw.Kind,
	})

	lock, err := s.locker.Acquire(ctx, "sweep:"+sw.Name, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, r.ErrLockHeld) {
			log.Info("Sweep already running elsewhere, skipping")
			observability.RecordSweep(string(sw.Kind), sweepStatusSkipped)

			return nil
		}

		return err
	}

	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("Failed to release sweep lock")
		}
	}()

	started := s.now()
	from, to := sw.Window(started)

	fields, err := s.dispatch(ctx, sw, from, to)
	if err != nil {
		observability.RecordSweep(string(sw.Kind), sweepStatusFailed)
		observability.RecordError("sweeper", string(sw.Kind))

		return fmt.Errorf("sweep %s: %w", sw.Name, err)
	}

	observability.RecordSweep(string(sw.Kind), sweepStatusSuccess)

	log.WithFields(fields).WithFields(logrus.Fields{
		"from":     from,
		"to":       to,
		"duration": s.now().Sub(started).Round(time.Millisecond),
	}).Info("Sweep finished")

	return nil
}

func (s *Sweeper) sweep(name string) *SweepConfig {
	for i := range s.cfg.Sweeps {
		if s.cfg.Sweeps[i].Name == name {
			return &s.cfg.Sweeps[i]
		}
	}

	return nil
}

func (s *Sweeper) dispatch(ctx context.Context, sw *SweepConfig, from, to time.Time) (logrus.Fields, error) {
	switch sw.Kind {
	case SweepResolution:
		report, err := s.reconcile.FixResolution(ctx, reconcile.Scope{Source: sw.Source, From: from, To: to})
		if err != nil {
			return nil, err
		}

		return logrus.Fields{"groups": len(report.Groups), "fixed": report.Fixed}, nil

	case SweepTimezone:
		report, err := s.reconcile.CorrectTimezone(ctx, reconcile.Scope{Source: sw.Source, From: from, To: to}, false)
		if err != nil {
			return nil, err
		}

		return logrus.Fields{"checked": report.Checked, "fixed": report.Fixed, "issues": len(report.Issues)}, nil

	case SweepCorrections:
		results, err := s.reconcile.ApplyCorrections(ctx)
		if err != nil {
			return nil, err
		}

		applied := 0

		for _, res := range results {
			if res.Applied {
				applied++
			}
		}

		return logrus.Fields{"applied": applied}, nil

	case SweepAggregate:
		res, err := s.aggregate.Aggregate(ctx, aggregate.Request{Sources: sw.Sources, From: from, To: to})
		if err != nil {
			return nil, err
		}

		return logrus.Fields{"units": res.Units, "written": res.Written, "empty": res.Empty}, nil

	case SweepAnomaly:
		candidates, err := s.anomaly.Detect(ctx, anomaly.Request{Sources: sw.Sources, From: from, To: to})
		if err != nil {
			return nil, err
		}

		fields := logrus.Fields{"candidates": len(candidates)}

		if sw.Save && len(candidates) > 0 {
			saved, err := s.anomaly.SaveNew(ctx, candidates)
			if err != nil {
				return nil, err
			}

			fields["saved"] = len(saved)
		}

		return fields, nil
	}

	return nil, fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidSweep, sw.Name, sw.Kind)
}
