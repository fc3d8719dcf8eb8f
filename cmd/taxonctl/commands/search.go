package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/thebtf/taxon/pkg/client"
)

var (
	searchLimit  int
	searchMinSim float64
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over the corpus",
	Long: `Search ingested prompts by meaning, not substring.

Results are ranked by cosine similarity between the query embedding and
each stored prompt. Use --min-similarity to drop weak matches.

Examples:
  taxonctl search "key rotation"
  taxonctl search "key rotation" --limit 5 --min-similarity 0.4`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		res, err := newClient().Search(ctx, args[0], client.SearchParams{
			Limit:         searchLimit,
			MinSimilarity: searchMinSim,
		})
		if err != nil {
			return err
		}

		return outputResult(res, func() error {
			if len(res.Results) == 0 {
				printf("No matches\n")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SIM\tID\tFAMILY\tTEXT")
			for _, r := range res.Results {
				family := r.FamilyName
				if family == "" {
					family = "-"
				}
				fmt.Fprintf(w, "%.3f\t%d\t%s\t%s\n",
					r.Similarity, r.PromptID, truncate(family, 24), truncate(r.Text, 64))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			cached := ""
			if res.Cached {
				cached = ", cached"
			}
			printf("\n%d of %d shown in %dms%s\n", len(res.Results), res.Total, res.LatencyMs, cached)
			return nil
		})
	},
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "maximum results")
	searchCmd.Flags().Float64Var(&searchMinSim, "min-similarity", 0, "drop matches below this similarity")
}
