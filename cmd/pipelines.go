package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/slidewise/conveyor/internal/pipeline"
)

var pipelinesJSON bool

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "List available pipeline presets",
	Long: `List the pipeline presets the server would offer: the built-in presets
plus any overlay directory configured under pipelines.path. Overlay
presets replace built-ins with the same name.

Examples:
  # Human-readable table
  conveyor pipelines

  # JSON for scripting
  conveyor pipelines --json | jq '.[].name'`,
	RunE: runPipelines,
}

func init() {
	rootCmd.AddCommand(pipelinesCmd)

	pipelinesCmd.Flags().BoolVar(&pipelinesJSON, "json", false, "Output as JSON")
}

func runPipelines(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lib, err := pipeline.NewLibrary(cfg.Pipelines.Path)
	if err != nil {
		return fmt.Errorf("loading pipeline presets: %w", err)
	}
	presets := lib.List()

	if pipelinesJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(presets)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tJOBS\tSOURCE\tDESCRIPTION")
	for _, p := range presets {
		ids := make([]string, 0, len(p.Jobs))
		for _, j := range p.Jobs {
			ids = append(ids, j.ID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, strings.Join(ids, ","), p.Source, p.Description)
	}
	return w.Flush()
}
