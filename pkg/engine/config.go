// Package engine wires the gridfill services together and runs the long-lived ones
package engine

import (
	"errors"
	"fmt"

	"github.com/ethpandaops/gridfill/pkg/anomaly"
	"github.com/ethpandaops/gridfill/pkg/backfill"
	"github.com/ethpandaops/gridfill/pkg/reconcile"
	r "github.com/ethpandaops/gridfill/pkg/redis"
	"github.com/ethpandaops/gridfill/pkg/scheduler"
	"github.com/ethpandaops/gridfill/pkg/source/httpsource"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/ethpandaops/gridfill/pkg/worker"
)

var (
	// ErrInvalidLogLevel is returned for an unknown logging level
	ErrInvalidLogLevel = errors.New("logging must be one of panic, fatal, error, warn, info, debug, trace")
)

// Config represents the complete engine configuration
type Config struct {
	// Core settings
	Logging         string `yaml:"logging" default:"info"`
	MetricsAddr     string `yaml:"metricsAddr" default:":9091"`
	HealthCheckAddr string `yaml:"healthCheckAddr"`
	PProfAddr       string `yaml:"pprofAddr"`

	// Dependencies
	Database store.Config `yaml:"database"`
	Redis    r.Config     `yaml:"redis"`

	// Provider gateways, one adapter per entry
	Sources []httpsource.Config `yaml:"sources"`

	Backfill  backfill.Config  `yaml:"backfill"`
	Worker    worker.Config    `yaml:"worker"`
	Reconcile reconcile.Config `yaml:"reconcile"`
	Anomaly   anomaly.Config   `yaml:"anomaly"`
	Scheduler scheduler.Config `yaml:"scheduler"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Logging {
	case "panic", "fatal", "error", "warn", "info", "debug", "trace":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging)
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	for i := range c.Sources {
		if err := c.Sources[i].Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
	}

	if err := c.Backfill.Validate(); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	if err := c.Reconcile.Validate(); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	if err := c.Anomaly.Validate(); err != nil {
		return fmt.Errorf("anomaly: %w", err)
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	return nil
}
