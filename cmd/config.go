package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/slidewise/conveyor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and bootstrap configuration",
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a commented default config file",
	Long: `Write the default configuration, with comments, to the given path
(default: ./conveyor.yaml). Refuses to overwrite an existing file unless
--force is set.

Example:
  conveyor config init
  conveyor config init /etc/conveyor/conveyor.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the effective configuration as YAML, after merging the config
file, CONVEYOR_* environment variables, and defaults.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
}

func runConfigInit(_ *cobra.Command, args []string) error {
	path := "conveyor.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if !configInitForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := config.WriteDefaultConfig(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
