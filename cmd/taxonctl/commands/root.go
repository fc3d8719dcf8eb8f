package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/thebtf/taxon/pkg/client"
)

var (
	// Global flags
	workerURL  string
	apiToken   string
	outputJSON bool
	timeout    time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "taxonctl",
	Short: "Control a running taxon worker",
	Long: `taxonctl - A command line interface for the taxon worker.

taxon ingests free-form prompts, clusters them into semantic families
with a weekly batch run, and classifies new arrivals incrementally
against the committed family registry.

Examples:
  # Worker health and corpus statistics
  taxonctl status

  # Submit a prompt
  taxonctl ingest "how do I rotate the api keys"

  # Where would this prompt land, without storing it
  taxonctl classify "deploy the gateway to staging"

  # Browse families and members
  taxonctl families
  taxonctl families 5f4dcc3b-5aa7-4f52-9a6e-1d9f6b2c3a41

  # Search the corpus
  taxonctl search "key rotation" --limit 5

  # Force a reclustering epoch and wait for it
  taxonctl run-batch --wait
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// SetVersion wires the build-time version into the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workerURL, "url", "", "worker base URL (default from TAXON_WORKER_URL or TAXON_WORKER_PORT)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "API token (default from TAXON_API_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output as JSON (for piping)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall command timeout")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(familiesCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(runBatchCmd)
	rootCmd.AddCommand(runIncrementalCmd)
}

// newClient builds an API client from flags and environment.
func newClient() *client.Client {
	c := client.NewFromEnv()
	if workerURL != "" {
		c.BaseURL = workerURL
	}
	if apiToken != "" {
		c.Token = apiToken
	}
	return c
}

// cmdContext returns the context for one command invocation.
func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputResult prints v as JSON when --json is set, otherwise calls human.
func outputResult(v any, human func() error) error {
	if outputJSON {
		return printJSON(v)
	}
	return human()
}

// epochTime formats a millisecond epoch for display.
func epochTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

// truncate shortens s for table display.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// shortID returns the first uuid group for compact table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}
