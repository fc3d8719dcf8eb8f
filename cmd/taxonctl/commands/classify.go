package commands

import (
	"github.com/spf13/cobra"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <text>",
	Short: "Dry-run classification of a prompt",
	Long: `Classify a prompt against the active family registry without
storing anything.

The decision tier tells you where the prompt would land:
  auto_merge     - joins the named family outright
  suggest_merge  - near the family, would be flagged for review
  new_family     - related but distinct, would seed a new family
  none           - unrelated to everything known

Examples:
  taxonctl classify "deploy the gateway to staging"
  taxonctl classify "deploy the gateway to staging" --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		res, err := newClient().Classify(ctx, args[0])
		if err != nil {
			return err
		}

		return outputResult(res, func() error {
			d := res.Decision
			if d.Bootstrap {
				printf("Tier: %s (registry empty; everything is new)\n", d.Tier)
				return nil
			}
			printf("Tier:       %s\n", d.Tier)
			printf("Similarity: %.4f\n", d.Similarity)
			printf("Registry:   version %d\n", d.RegistryVersion)
			if res.Family != nil {
				printf("Family:     %s (%s)\n", res.Family.Name, shortID(res.Family.FamilyID))
			} else if d.FamilyID != "" {
				printf("Family:     %s\n", d.FamilyID)
			}
			if res.NearestFamily != nil {
				printf("Nearest:    %s (%s)\n", res.NearestFamily.Name, shortID(res.NearestFamily.FamilyID))
			} else if d.NearestFamilyID != "" {
				printf("Nearest:    %s\n", d.NearestFamilyID)
			}
			return nil
		})
	},
}
