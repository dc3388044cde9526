package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Service defines the public interface for the scheduler
type Service interface {
	// Start joins leader election; the elected instance queues due sweeps
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler service
	Stop() error
}

// channelProvider exposes role changes of an elector
type channelProvider interface {
	PromotedChan() <-chan struct{}
	DemotedChan() <-chan struct{}
}

type service struct {
	log logrus.FieldLogger
	cfg *Config

	redis    *redis.Client
	elector  LeaderElector
	tracker  scheduleTracker
	enqueuer SweepEnqueuer

	mu           sync.Mutex
	ticker       *tickerServiceImpl
	tickerCancel context.CancelFunc

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates the scheduler. Keys are namespaced below prefix so
// several deployments can share one Redis.
func NewService(log logrus.FieldLogger, cfg *Config, redisOpt *redis.Options, prefix string, enqueuer SweepEnqueuer) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	elector := NewLeaderElector(log, redisOpt, prefix+":scheduler:leader")

	return newService(log, cfg, redis.NewClient(redisOpt), prefix, elector, enqueuer), nil
}

func newService(log logrus.FieldLogger, cfg *Config, client *redis.Client, prefix string, elector LeaderElector, enqueuer SweepEnqueuer) *service {
	return &service{
		log:      log.WithField("service", "scheduler"),
		cfg:      cfg,
		redis:    client,
		elector:  elector,
		tracker:  newScheduleTracker(log, client, prefix+":scheduler:sweep:"),
		enqueuer: enqueuer,
		done:     make(chan struct{}),
	}
}

// Start joins leader election and follows role changes in the background
func (s *service) Start(ctx context.Context) error {
	provider, ok := s.elector.(channelProvider)
	if !ok {
		return fmt.Errorf("leader elector does not provide role channels")
	}

	if err := s.elector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start leader election: %w", err)
	}

	s.wg.Add(1)
	go s.handleLeaderElection(ctx, provider)

	s.log.WithField("sweeps", len(s.cfg.Sweeps)).Info("Scheduler service started (participating in leader election)")

	return nil
}

// Stop gracefully shuts down the scheduler service
func (s *service) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)

		if err := s.elector.Stop(); err != nil {
			s.log.WithError(err).Warn("Failed to stop leader elector")
		}

		s.stopTicker()
		s.wg.Wait()

		if err := s.redis.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close Redis client")
		}

		s.log.Info("Scheduler service stopped successfully")
	})

	return nil
}

func (s *service) handleLeaderElection(ctx context.Context, provider channelProvider) {
	defer s.wg.Done()

	promoted := provider.PromotedChan()
	demoted := provider.DemotedChan()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-promoted:
			s.log.Info("Promoted to scheduler leader - starting sweep ticker")
			s.pruneTracked(ctx)
			s.startTicker(ctx)
		case <-demoted:
			s.log.Info("Demoted from scheduler leader - stopping sweep ticker")
			s.stopTicker()
		}
	}
}

func (s *service) startTicker(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.log.Warn("Received promotion but ticker already running")
		return
	}

	tickerCtx, cancel := context.WithCancel(ctx)
	ticker := newTickerService(s.log, s.tracker, s.enqueuer, s.cfg.TickInterval, s.cfg.Sweeps)

	s.ticker = ticker
	s.tickerCancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := ticker.Start(tickerCtx); err != nil && tickerCtx.Err() == nil {
			s.log.WithError(err).Error("Ticker stopped with error")
		}
	}()
}

func (s *service) stopTicker() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}

	_ = s.ticker.Stop()
	s.tickerCancel()

	s.ticker = nil
	s.tickerCancel = nil
}

// pruneTracked forgets last runs of sweeps no longer configured
func (s *service) pruneTracked(ctx context.Context) {
	tracked, err := s.tracker.Tracked(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to list tracked sweeps")
		return
	}

	configured := make(map[string]struct{}, len(s.cfg.Sweeps))
	for _, sw := range s.cfg.Sweeps {
		configured[sw.Name] = struct{}{}
	}

	for _, name := range tracked {
		if _, ok := configured[name]; ok {
			continue
		}

		if err := s.tracker.DeleteLastRun(ctx, name); err != nil {
			s.log.WithError(err).WithField("sweep", name).Warn("Failed to forget removed sweep")
			continue
		}

		s.log.WithField("sweep", name).Info("Forgot removed sweep")
	}
}

var _ Service = (*service)(nil)
