// Package cmd wires the conveyor CLI: the serve command running the
// scheduler and HTTP API, plus helpers for configuration and preset
// inspection.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/slidewise/conveyor/internal/config"
)

var (
	version = "dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Workflow scheduler for whole-slide image analysis",
	Long: `Conveyor runs long-lived whole-slide image analysis workflows: clients
submit DAGs of tiled processing jobs over HTTP, the scheduler fans them
out across per-tenant branch queues, and progress streams back over
WebSocket.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./conveyor.yaml, then ~/.config/conveyor/conveyor.yaml)")
}

// loadConfig reads the effective configuration for a subcommand,
// honoring the --config flag, and validates it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
