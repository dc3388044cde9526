// Package worker runs the asynq server that executes fetch, monitor and sweep tasks
package worker

import (
	"context"
	"fmt"

	"github.com/ethpandaops/gridfill/pkg/observability"
	r "github.com/ethpandaops/gridfill/pkg/redis"
	"github.com/ethpandaops/gridfill/pkg/tasks"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Service defines the public interface for the worker service
type Service interface {
	// Start initializes and starts the worker service
	Start(ctx context.Context) error

	// Stop gracefully shuts down the worker service
	Stop() error
}

// Queues are the fully prefixed queue names the worker consumes
type Queues struct {
	Fetch   string
	Control string
}

type service struct {
	config *Config
	log    logrus.FieldLogger

	handler  *tasks.TaskHandler
	redisOpt *redis.Options
	queues   Queues

	server *asynq.Server
}

// NewService creates a new worker service
func NewService(log logrus.FieldLogger, cfg *Config, handler *tasks.TaskHandler, redisOpt *redis.Options, queues Queues) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &service{
		log:      log.WithField("service", "worker"),
		config:   cfg,
		handler:  handler,
		redisOpt: redisOpt,
		queues:   queues,
	}, nil
}

// Start initializes and starts the worker service
func (s *service) Start(_ context.Context) error {
	srv := asynq.NewServer(r.NewAsynqRedisOptions(s.redisOpt), s.serverConfig())

	mux := asynq.NewServeMux()
	for taskType, handlerFunc := range s.handler.Routes() {
		mux.HandleFunc(taskType, handlerFunc)
	}

	s.log.WithFields(logrus.Fields{
		"concurrency": s.config.Concurrency,
		"queues":      s.queues,
	}).Info("Starting worker service")

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start worker server: %w", err)
	}

	s.server = srv

	s.log.Info("Worker service started successfully")

	return nil
}

func (s *service) serverConfig() asynq.Config {
	return asynq.Config{
		Concurrency: s.config.Concurrency,
		Queues: map[string]int{
			s.queues.Fetch:   s.config.FetchWeight,
			s.queues.Control: s.config.ControlWeight,
		},
		ShutdownTimeout: s.config.ShutdownTimeout,
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			s.log.WithError(err).WithField("type", task.Type()).Warn("Queue item failed")
			observability.RecordError("worker", task.Type())
		}),
	}
}

// Stop gracefully shuts down the worker
func (s *service) Stop() error {
	if s.server != nil {
		s.server.Shutdown()
	}

	s.log.Info("Worker service stopped successfully")

	return nil
}

var _ Service = (*service)(nil)
