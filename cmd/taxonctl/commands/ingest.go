package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thebtf/taxon/pkg/client"
)

var ingestFile string

var ingestCmd = &cobra.Command{
	Use:   "ingest [text]",
	Short: "Submit prompts for ingestion",
	Long: `Submit one prompt, or a file of prompts, for ingestion.

With -f the file is read one prompt per line; blank lines are skipped.
Use "-" to read from stdin. Ingested prompts sit in the pending state
until the next incremental pass classifies them.

Examples:
  taxonctl ingest "how do I rotate the api keys"
  taxonctl ingest -f prompts.txt
  cat prompts.txt | taxonctl ingest -f -`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestFile == "" && len(args) == 0 {
			return fmt.Errorf("provide a prompt argument or -f file")
		}

		ctx, cancel := cmdContext()
		defer cancel()
		c := newClient()

		if ingestFile == "" {
			res, err := c.IngestText(ctx, args[0], nil)
			if err != nil {
				return err
			}
			return outputResult(res, func() error {
				if res.Created {
					printf("Created prompt %d (%s)\n", res.PromptID, shortID(res.RecordID))
				} else {
					printf("Duplicate of prompt %d\n", res.PromptID)
				}
				if res.NearDuplicateOf != 0 {
					printf("Near-duplicate of prompt %d\n", res.NearDuplicateOf)
				}
				return nil
			})
		}

		records, err := readPromptFile(ingestFile)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return fmt.Errorf("no prompts found in %s", ingestFile)
		}

		report, err := c.IngestBatch(ctx, records)
		if err != nil {
			return err
		}
		return outputResult(report, func() error {
			printf("Received %d, accepted %d, duplicates %d, failed %d\n",
				report.Received, report.Accepted, report.Duplicates, report.Failed)
			for _, e := range report.Errors {
				printf("  error: %s\n", e)
			}
			return nil
		})
	},
}

// readPromptFile loads one prompt per line; "-" reads stdin.
func readPromptFile(path string) ([]client.IngestRecord, error) {
	var in *os.File
	if path == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		in = f
	}

	var records []client.IngestRecord
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		records = append(records, client.IngestRecord{Text: line})
	}
	return records, scanner.Err()
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "file with one prompt per line (- for stdin)")
}
