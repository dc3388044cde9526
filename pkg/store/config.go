// Package store persists jobs, tasks, raw and aggregate series for gridfill
package store

import (
	"errors"
	"time"
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	// ErrDSNRequired is returned when no connection string is configured
	ErrDSNRequired = errors.New("database dsn is required")
	// ErrUnsupportedDriver is returned for drivers other than postgres and sqlite
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

// Config contains database connection settings
type Config struct {
	Driver          string        `yaml:"driver" default:"postgres"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns" default:"20"`
	MaxIdleConns    int           `yaml:"maxIdleConns" default:"5"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" default:"30m"`
	AutoMigrate     bool          `yaml:"autoMigrate" default:"true"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DSN == "" {
		return ErrDSNRequired
	}

	switch c.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return ErrUnsupportedDriver
	}

	return nil
}
