package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof is intentionally exposed when pprofAddr is configured
	"time"

	"github.com/ethpandaops/gridfill/pkg/aggregate"
	"github.com/ethpandaops/gridfill/pkg/anomaly"
	"github.com/ethpandaops/gridfill/pkg/backfill"
	"github.com/ethpandaops/gridfill/pkg/observability"
	"github.com/ethpandaops/gridfill/pkg/reconcile"
	r "github.com/ethpandaops/gridfill/pkg/redis"
	"github.com/ethpandaops/gridfill/pkg/scheduler"
	"github.com/ethpandaops/gridfill/pkg/source"
	"github.com/ethpandaops/gridfill/pkg/source/httpsource"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/ethpandaops/gridfill/pkg/tasks"
	"github.com/ethpandaops/gridfill/pkg/worker"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Service owns every gridfill component. CLI commands use the core services
// directly; the server command additionally starts the worker and scheduler.
type Service struct {
	config *Config
	log    logrus.FieldLogger

	store    *store.Store
	registry *source.Registry
	queue    *tasks.QueueManager

	backfill  backfill.Service
	reconcile reconcile.Service
	aggregate aggregate.Service
	anomaly   anomaly.Service

	worker    worker.Service
	scheduler scheduler.Service

	// Servers
	healthServer *http.Server
	pprofServer  *http.Server

	redisOptions *redis.Options
	redisClient  *redis.Client
}

// NewService builds every component from cfg. Nothing is started.
func NewService(ctx context.Context, log logrus.FieldLogger, cfg *Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	redisOptions, err := cfg.Redis.Options()
	if err != nil {
		return nil, err
	}

	registry, err := newRegistry(log, cfg.Sources)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, log, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &Service{
		config:       cfg,
		log:          log.WithField("service", "engine"),
		store:        st,
		registry:     registry,
		redisOptions: redisOptions,
		redisClient:  redis.NewClient(redisOptions),
	}

	if err := a.build(log); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *Service) build(log logrus.FieldLogger) error {
	cfg := a.config

	queueOpts := tasks.DefaultOptions()
	queueOpts.FetchQueue = cfg.Redis.PrefixQueue(tasks.QueueFetch)
	queueOpts.ControlQueue = cfg.Redis.PrefixQueue(tasks.QueueControl)
	queueOpts.FetchTimeout = cfg.Worker.FetchTimeout
	queueOpts.SweepTimeout = cfg.Scheduler.LockTTL

	a.queue = tasks.NewQueueManager(log, r.NewAsynqRedisOptions(a.redisOptions), queueOpts)

	var err error

	a.backfill, err = backfill.NewService(log, &cfg.Backfill, a.store, a.registry, a.queue)
	if err != nil {
		return fmt.Errorf("failed to create backfill service: %w", err)
	}

	a.reconcile, err = reconcile.NewService(log, &cfg.Reconcile, a.store)
	if err != nil {
		return fmt.Errorf("failed to create reconcile service: %w", err)
	}

	a.aggregate = aggregate.NewService(log, a.store)

	a.anomaly, err = anomaly.NewService(log, &cfg.Anomaly, a.store, a.aggregate)
	if err != nil {
		return fmt.Errorf("failed to create anomaly service: %w", err)
	}

	locker := r.NewLocker(log, a.redisClient, &cfg.Redis)
	sweeper := scheduler.NewSweeper(log, &cfg.Scheduler, locker, a.reconcile, a.aggregate, a.anomaly)

	handler := tasks.NewTaskHandler(log, a.backfill, sweeper)

	a.worker, err = worker.NewService(log, &cfg.Worker, handler, a.redisOptions, worker.Queues{
		Fetch:   queueOpts.FetchQueue,
		Control: queueOpts.ControlQueue,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker service: %w", err)
	}

	if cfg.Scheduler.Enabled {
		a.scheduler, err = scheduler.NewService(log, &cfg.Scheduler, a.redisOptions, cfg.Redis.Prefix, a.queue)
		if err != nil {
			return fmt.Errorf("failed to create scheduler service: %w", err)
		}
	}

	return nil
}

func newRegistry(log logrus.FieldLogger, sources []httpsource.Config) (*source.Registry, error) {
	adapters := make([]source.Adapter, 0, len(sources))

	for i := range sources {
		adapter, err := httpsource.New(log, &sources[i])
		if err != nil {
			return nil, err
		}

		adapters = append(adapters, adapter)
	}

	return source.NewRegistry(adapters...)
}

// Config returns the validated configuration
func (a *Service) Config() *Config { return a.config }

// Store returns the persistence layer
func (a *Service) Store() *store.Store { return a.store }

// Sources returns the adapter registry
func (a *Service) Sources() *source.Registry { return a.registry }

// Backfill returns the job orchestrator
func (a *Service) Backfill() backfill.Service { return a.backfill }

// Reconcile returns the reconciliation engine
func (a *Service) Reconcile() reconcile.Service { return a.reconcile }

// Aggregate returns the aggregation engine
func (a *Service) Aggregate() aggregate.Service { return a.aggregate }

// Anomaly returns the anomaly detector
func (a *Service) Anomaly() anomaly.Service { return a.anomaly }

// Start runs the metrics, health and pprof servers, the worker and, when
// enabled, the scheduler
func (a *Service) Start(ctx context.Context) error {
	a.log.Info("Starting gridfill engine...")

	observability.StartMetricsServer(a.log, a.config.MetricsAddr)

	if a.config.HealthCheckAddr != "" {
		a.startHealthCheck()
	}

	if a.config.PProfAddr != "" {
		a.startPProf()
	}

	if err := a.worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	a.log.WithField("sources", a.registry.Names()).Info("Gridfill engine started successfully")

	return nil
}

// Stop gracefully shuts down the long-lived services and releases resources
func (a *Service) Stop() error {
	a.log.Info("Shutting down engine...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopService := func(name string, stopFunc func() error) {
		if err := stopFunc(); err != nil {
			a.log.WithError(err).Errorf("Failed to stop %s", name)
		}
	}

	// 1. Stop scheduler first (stop queueing sweeps)
	if a.scheduler != nil {
		stopService("scheduler service", a.scheduler.Stop)
	}

	// 2. Stop worker (finish in-flight tasks)
	if a.worker != nil {
		stopService("worker service", a.worker.Stop)
	}

	// 3. HTTP servers
	if a.healthServer != nil {
		stopService("health check server", func() error { return a.healthServer.Shutdown(ctx) })
	}

	if a.pprofServer != nil {
		stopService("pprof server", func() error { return a.pprofServer.Shutdown(ctx) })
	}

	stopService("metrics server", func() error { return observability.StopMetricsServer(ctx) })

	// 4. Queue, Redis and the store (now safe, nothing is using them)
	a.Close()

	return nil
}

// Close releases the queue client, Redis and the store without touching the
// long-lived services
func (a *Service) Close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close queue client")
		}
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close Redis client")
		}
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close store")
		}
	}
}

// healthHandler answers /health unconditionally and /ready once the store
// and Redis respond
func (a *Service) healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		if err := a.store.DB().PingContext(ctx); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}

		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return mux
}

func (a *Service) startHealthCheck() {
	a.log.WithField("addr", a.config.HealthCheckAddr).Info("Starting health check server")

	a.healthServer = &http.Server{
		Addr:              a.config.HealthCheckAddr,
		Handler:           a.healthHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := a.healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Health check server failed")
		}
	}()
}

func (a *Service) startPProf() {
	a.log.WithField("addr", a.config.PProfAddr).Info("Starting pprof server")

	a.pprofServer = &http.Server{
		Addr:              a.config.PProfAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}

	go func() {
		if err := a.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Pprof server failed")
		}
	}()
}
