// Package ingest turns raw prompt text into stored prompt records: secret
// redaction, normalization, exact dedup by content hash and near-duplicate
// detection by simhash.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/taxon/internal/db"
	"github.com/thebtf/taxon/internal/privacy"
	"github.com/thebtf/taxon/internal/telemetry"
	"github.com/thebtf/taxon/pkg/models"
	"github.com/thebtf/taxon/pkg/similarity"
)

// ErrEmptyPrompt is returned when a record normalizes to nothing.
var ErrEmptyPrompt = errors.New("prompt text is empty")

const (
	// nearDuplicateMaxBits is the Hamming cutoff for near-duplicate reporting.
	nearDuplicateMaxBits = 3

	// nearDuplicateWindow bounds how many recent simhashes a check scans.
	nearDuplicateWindow = 512

	// flushBatchSize chunks bulk saves.
	flushBatchSize = 256

	// maxSampledErrors caps per-record error samples in a report.
	maxSampledErrors = 10
)

// Record is one raw ingestable text with optional metadata.
type Record struct {
	Text     string
	Metadata map[string]string
}

// Result reports what happened to a single ingested record.
type Result struct {
	PromptID int64  `json:"prompt_id"`
	RecordID string `json:"record_id"`
	Created  bool   `json:"created"`
	Redacted bool   `json:"redacted"`
	// NearDuplicateOf holds the id of a recent prompt within the simhash
	// cutoff, 0 when none. Advisory; near-duplicates are still stored.
	NearDuplicateOf int64 `json:"near_duplicate_of,omitempty"`
}

// Report aggregates a bulk ingest.
type Report struct {
	Received       int      `json:"received"`
	Accepted       int      `json:"accepted"`
	Duplicates     int      `json:"duplicates"`
	NearDuplicates int      `json:"near_duplicates"`
	Redacted       int      `json:"redacted"`
	Failed         int      `json:"failed"`
	Errors         []string `json:"errors,omitempty"`
}

// Service ingests prompt records through the prompt store.
type Service struct {
	store   db.PromptStore
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewService creates an ingest service over the prompt store.
func NewService(store db.PromptStore) *Service {
	return &Service{
		store:  store,
		logger: log.With().Str("component", "ingest").Logger(),
	}
}

// SetMetrics attaches the instrument set. Ingests count as created or
// duplicate per source.
func (s *Service) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

// IngestText processes and stores one prompt. Identical normalized text
// returns the existing record with Created=false.
func (s *Service) IngestText(ctx context.Context, rawText string, source models.PromptSource, metadata map[string]string) (*Result, error) {
	clean, redacted := privacy.SanitizePrompt(rawText)
	normalized := similarity.Normalize(clean)
	if normalized == "" {
		return nil, ErrEmptyPrompt
	}
	if privacy.SanitizeMetadata(metadata) {
		redacted = true
	}

	p := models.NewPrompt(clean, normalized, similarity.DedupHash(normalized), similarity.SimHash(normalized), source)
	p.Metadata = metadata

	id, created, err := s.store.SavePrompt(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("save prompt: %w", err)
	}

	res := &Result{
		PromptID: id,
		RecordID: p.RecordID,
		Created:  created,
		Redacted: redacted,
	}
	if created {
		res.NearDuplicateOf = s.findNearDuplicate(ctx, id, p.SimHash)
	}
	s.metrics.RecordIngest(ctx, string(source), created)

	s.logger.Debug().
		Int64("prompt_id", id).
		Bool("created", created).
		Bool("redacted", redacted).
		Str("source", string(source)).
		Msg("Prompt ingested")
	return res, nil
}

// IngestBatch processes records with per-record error isolation: one bad
// record is counted and sampled, never aborts the rest. Saves go through the
// store in chunks.
func (s *Service) IngestBatch(ctx context.Context, records []Record, source models.PromptSource) (*Report, error) {
	report := &Report{Received: len(records)}
	if len(records) == 0 {
		return report, nil
	}

	// Sliding window of simhashes accepted in this batch, for near-duplicate
	// counting without a database pass per record. Exact repeats stay out of
	// the window: they are duplicates, not near-duplicates.
	var window []uint64
	seenHashes := make(map[string]bool, len(records))

	prompts := make([]*models.Prompt, 0, len(records))
	for _, rec := range records {
		clean, redacted := privacy.SanitizePrompt(rec.Text)
		normalized := similarity.Normalize(clean)
		if normalized == "" {
			report.Failed++
			if len(report.Errors) < maxSampledErrors {
				report.Errors = append(report.Errors, ErrEmptyPrompt.Error())
			}
			continue
		}
		if privacy.SanitizeMetadata(rec.Metadata) {
			redacted = true
		}
		if redacted {
			report.Redacted++
		}

		dedupHash := similarity.DedupHash(normalized)
		simhash := similarity.SimHash(normalized)
		if !seenHashes[dedupHash] {
			seenHashes[dedupHash] = true
			for _, prev := range window {
				if similarity.IsNearDuplicate(simhash, prev, nearDuplicateMaxBits) {
					report.NearDuplicates++
					break
				}
			}
			window = append(window, simhash)
			if len(window) > nearDuplicateWindow {
				window = window[1:]
			}
		}

		p := models.NewPrompt(clean, normalized, dedupHash, simhash, source)
		p.Metadata = rec.Metadata
		prompts = append(prompts, p)
	}

	for start := 0; start < len(prompts); start += flushBatchSize {
		end := start + flushBatchSize
		if end > len(prompts) {
			end = len(prompts)
		}
		chunk := prompts[start:end]

		created, err := s.store.SavePrompts(ctx, chunk)
		if err != nil {
			return report, fmt.Errorf("save prompt batch: %w", err)
		}
		report.Accepted += int(created)
		report.Duplicates += len(chunk) - int(created)
	}

	s.metrics.RecordIngestBatch(ctx, string(source), int64(report.Accepted), int64(report.Duplicates))

	s.logger.Info().
		Int("received", report.Received).
		Int("accepted", report.Accepted).
		Int("duplicates", report.Duplicates).
		Int("failed", report.Failed).
		Str("source", string(source)).
		Msg("Batch ingested")
	return report, nil
}

// findNearDuplicate scans recent prompts for a simhash within the cutoff.
// Failures degrade to "no match": the check is advisory.
func (s *Service) findNearDuplicate(ctx context.Context, selfID int64, simhash uint64) int64 {
	recent, err := s.store.GetRecentPrompts(ctx, nearDuplicateWindow)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Near-duplicate scan failed")
		return 0
	}

	for _, p := range recent {
		if p.ID == selfID {
			continue
		}
		if similarity.IsNearDuplicate(simhash, p.SimHash, nearDuplicateMaxBits) {
			return p.ID
		}
	}
	return 0
}
