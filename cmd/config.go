package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"github.com/ethpandaops/gridfill/pkg/engine"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// loadConfig reads the engine configuration, defaults first and the file on top
func loadConfig(file string) (*engine.Config, error) {
	config := &engine.Config{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	yamlFile, err := os.ReadFile(file) //nolint:gosec // User-provided config file path
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", file, err)
	}

	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", file, err)
	}

	return config, nil
}

// applyLogLevel uses the config's level unless --log-level was given
func applyLogLevel(cmd *cobra.Command, config *engine.Config) error {
	if cmd.Flags().Changed("log-level") {
		return nil
	}

	level, err := logrus.ParseLevel(config.Logging)
	if err != nil {
		return err
	}

	logger.SetLevel(level)

	return nil
}

// withEngine builds the engine for a one-shot command and releases it afterwards
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, svc *engine.Service) error) error {
	config, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}

	if err := applyLogLevel(cmd, config); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc, err := engine.NewService(ctx, logger, config)
	if err != nil {
		return err
	}
	defer svc.Close()

	return fn(ctx, svc)
}
