package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Worker health and corpus statistics",
	Long: `Show the worker's health, the active registry and corpus counts.

Examples:
  taxonctl status
  taxonctl status --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		c := newClient()
		health, err := c.Health(ctx)
		if err != nil {
			return fmt.Errorf("worker unreachable at %s: %w", c.BaseURL, err)
		}

		if health.Status != "ready" {
			if outputJSON {
				return printJSON(health)
			}
			printf("Worker:  %s (%s)\n", health.Status, health.Version)
			if health.Error != "" {
				printf("Error:   %s\n", health.Error)
			}
			return nil
		}

		stats, err := c.Stats(ctx)
		if err != nil {
			return err
		}

		return outputResult(stats, func() error {
			printf("Worker:   ready (%s) at %s\n", health.Version, c.BaseURL)
			printf("Uptime:   %v\n", stats["uptime"])

			if reg, ok := stats["registry"].(map[string]any); ok {
				printf("Registry: version %v, %v families (model %v)\n",
					reg["version"], reg["family_count"], reg["model_version"])
			}
			if prompts, ok := stats["prompts"].(map[string]any); ok {
				printf("Prompts:  %v pending, %v assigned, %v flagged, %v unclustered\n",
					zero(prompts["pending"]), zero(prompts["assigned"]),
					zero(prompts["flagged"]), zero(prompts["unclustered"]))
			}
			if pipe, ok := stats["pipeline"].(map[string]any); ok {
				printf("Pipeline: batch running=%v, incremental running=%v\n",
					pipe["batch_running"], pipe["incremental_running"])
			}
			if db, ok := stats["database"].(map[string]any); ok {
				printf("Database: %v (%v, ping %vms)\n", db["backend"], db["status"], db["ping_ms"])
			}
			return nil
		})
	},
}

// zero renders missing state counters as 0 instead of <nil>.
func zero(v any) any {
	if v == nil {
		return 0
	}
	return v
}
