package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/thebtf/taxon/pkg/models"
)

// maxJSONLLineSize bounds one prompt-log record.
const maxJSONLLineSize = 1024 * 1024

// promptLine is one record of a JSONL prompt log. Either "text" or "prompt"
// carries the payload; logs from different producers disagree on the name.
type promptLine struct {
	Text      string            `json:"text"`
	Prompt    string            `json:"prompt"`
	Timestamp string            `json:"timestamp"`
	Metadata  map[string]string `json:"metadata"`
}

// ParseJSONL reads prompt records from a JSONL stream. Malformed lines and
// lines without prompt text are skipped and counted, never fatal; blank
// lines are ignored.
func ParseJSONL(r io.Reader) ([]Record, int, error) {
	var records []Record
	skipped := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, bufio.MaxScanTokenSize), maxJSONLLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var parsed promptLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			skipped++
			continue
		}

		text := parsed.Text
		if text == "" {
			text = parsed.Prompt
		}
		if text == "" {
			skipped++
			continue
		}

		metadata := parsed.Metadata
		if parsed.Timestamp != "" {
			if metadata == nil {
				metadata = make(map[string]string, 1)
			}
			metadata["logged_at"] = parsed.Timestamp
		}

		records = append(records, Record{Text: text, Metadata: metadata})
	}

	if err := scanner.Err(); err != nil {
		return records, skipped, fmt.Errorf("scan prompt log: %w", err)
	}
	return records, skipped, nil
}

// IngestJSONLFile parses a prompt-log file and stores its records.
func (s *Service) IngestJSONLFile(ctx context.Context, path string) (*Report, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prompt log: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	records, skipped, err := ParseJSONL(file)
	if err != nil {
		return nil, err
	}

	report, err := s.IngestBatch(ctx, records, models.SourceJSONL)
	if err != nil {
		return report, err
	}
	report.Received += skipped
	report.Failed += skipped
	return report, nil
}
