package commands

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/thebtf/taxon/pkg/client"
	"github.com/thebtf/taxon/pkg/models"
)

var (
	runsKind  string
	runsLimit int
	runWait   bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List processing runs",
	Long: `List recent pipeline runs, newest first.

Examples:
  taxonctl runs
  taxonctl runs --kind batch --limit 5`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		list, err := newClient().Runs(ctx, runsKind, runsLimit)
		if err != nil {
			return err
		}

		return outputResult(list, func() error {
			if list.Count == 0 {
				printf("No runs recorded\n")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tSTATUS\tSTARTED\tDURATION\tREGISTRY\tRUN")
			for _, r := range list.Runs {
				dur := "-"
				if r.FinishedAtEpoch > 0 {
					dur = (time.Duration(r.FinishedAtEpoch-r.StartedAtEpoch) * time.Millisecond).String()
				}
				reg := "-"
				if r.RegistryVersion > 0 {
					reg = fmt.Sprintf("v%d", r.RegistryVersion)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Kind, r.Status, epochTime(r.StartedAtEpoch), dur, reg, shortID(r.RunID))
			}
			return w.Flush()
		})
	},
}

var runBatchCmd = &cobra.Command{
	Use:   "run-batch",
	Short: "Trigger a batch reclustering run",
	Long: `Trigger a full reclustering epoch now instead of waiting for the
weekly schedule. The run executes in the background; with --wait the
command polls until it finishes and reports the outcome.

Examples:
  taxonctl run-batch
  taxonctl run-batch --wait`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return triggerRun(models.RunKindBatch)
	},
}

var runIncrementalCmd = &cobra.Command{
	Use:   "run-incremental",
	Short: "Trigger an incremental classification pass",
	Long: `Classify pending prompts against the registry now, bypassing the
min-pending gate the scheduler applies.

Examples:
  taxonctl run-incremental
  taxonctl run-incremental --wait`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return triggerRun(models.RunKindIncremental)
	},
}

// triggerRun starts a run of the given kind and optionally polls until the
// newest run of that kind finishes.
func triggerRun(kind models.RunKind) error {
	ctx, cancel := cmdContext()
	defer cancel()
	c := newClient()

	var err error
	if kind == models.RunKindBatch {
		err = c.RunBatch(ctx)
	} else {
		err = c.RunIncremental(ctx)
	}
	if err != nil {
		if errors.Is(err, client.ErrRunInProgress) && runWait {
			printf("A %s run is already in progress; waiting for it\n", kind)
		} else {
			return err
		}
	} else {
		printf("Started %s run\n", kind)
	}

	if !runWait {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s run (it continues on the worker)", kind)
		case <-time.After(time.Second):
		}

		list, err := c.Runs(ctx, string(kind), 1)
		if err != nil || list.Count == 0 {
			continue
		}
		r := list.Runs[0]
		if r.Status == models.RunStatusRunning {
			continue
		}

		if outputJSON {
			return printJSON(r)
		}
		printf("Run %s: %s", shortID(r.RunID), r.Status)
		if len(r.Stats) > 0 {
			printf("  %s", string(r.Stats))
		}
		printf("\n")
		if r.Status == models.RunStatusFailed {
			return fmt.Errorf("%s run failed: %s", kind, r.Error)
		}
		return nil
	}
}

func init() {
	runsCmd.Flags().StringVar(&runsKind, "kind", "", "filter by kind: batch or incremental")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 10, "maximum runs to list")
	runBatchCmd.Flags().BoolVar(&runWait, "wait", false, "poll until the run finishes")
	runIncrementalCmd.Flags().BoolVar(&runWait, "wait", false, "poll until the run finishes")
}
