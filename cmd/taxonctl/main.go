// Package main provides the taxonctl CLI tool.
//
// Usage:
//
//	taxonctl [flags] <command> [args]
//
// Commands:
//
//	status          - Worker health and corpus statistics
//	ingest          - Submit prompts for ingestion
//	classify        - Dry-run classification of a prompt
//	families        - List families or inspect one
//	search          - Semantic search over the corpus
//	runs            - List processing runs
//	run-batch       - Trigger a batch reclustering run
//	run-incremental - Trigger an incremental classification pass
//
// The worker address comes from --url, TAXON_WORKER_URL, or
// TAXON_WORKER_PORT, in that order.
package main

import (
	"fmt"
	"os"

	"github.com/thebtf/taxon/cmd/taxonctl/commands"
)

var Version = "dev"

func main() {
	commands.SetVersion(Version)
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
