package pipeline

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/thebtf/taxon/internal/vector"
	"github.com/thebtf/taxon/pkg/models"
)

// RunIncremental classifies pending prompts against the committed registry.
// The registry snapshot is pinned once for the whole pass, every prompt is
// processed independently, and cancellation simply leaves the remainder
// pending for the next cycle. Family structure never changes here.
func (s *Service) RunIncremental(ctx context.Context) (*models.IncrementalStats, error) {
	if !s.tryStart(models.RunKindIncremental) {
		return nil, ErrAlreadyRunning
	}
	defer s.finish(models.RunKindIncremental)

	run := models.NewProcessingRun(models.RunKindIncremental)
	if _, err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}

	start := time.Now()
	stats, version, err := s.runIncremental(ctx)
	statsJSON, _ := json.Marshal(stats)

	if err != nil {
		run.Fail(err.Error(), string(statsJSON))
		if ferr := s.store.FinishRun(ctx, run); ferr != nil {
			s.logger.Warn().Err(ferr).Str("run_id", run.RunID).Msg("Failed to record run failure")
		}
		s.metrics.RecordRun(ctx, string(models.RunKindIncremental), string(models.RunStatusFailed), time.Since(start))
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Incremental run failed")
		return stats, err
	}

	run.Complete(string(statsJSON), version)
	if ferr := s.store.FinishRun(ctx, run); ferr != nil {
		s.logger.Warn().Err(ferr).Str("run_id", run.RunID).Msg("Failed to record run completion")
	}
	s.metrics.RecordRun(ctx, string(models.RunKindIncremental), string(models.RunStatusCompleted), time.Since(start))

	if stats.Processed > 0 {
		s.publish(EventIncrementalCompleted, map[string]any{
			"run_id":           run.RunID,
			"registry_version": version,
			"stats":            stats,
		})
	}
	s.logger.Info().
		Str("run_id", run.RunID).
		Int("processed", stats.Processed).
		Int("assigned", stats.Assigned).
		Int("flagged", stats.Flagged).
		Int("unclustered", stats.Unclustered).
		Dur("elapsed", time.Since(start)).
		Msg("Incremental run completed")
	return stats, nil
}

func (s *Service) runIncremental(ctx context.Context) (*models.IncrementalStats, int64, error) {
	stats := &models.IncrementalStats{}

	// Pin one registry version for the whole pass. An empty registry is the
	// bootstrap state: everything classifies as unclustered, never an error.
	view := s.classifier.View()
	if view.Empty() {
		s.logger.Debug().Msg("No committed registry; classifying in bootstrap mode")
	}

	pending, err := s.store.GetPromptsByState(ctx, models.PromptStatePending, s.config.IncrementalBatchSize)
	if err != nil {
		return stats, view.Version(), fmt.Errorf("load pending prompts: %w", err)
	}
	if len(pending) == 0 {
		return stats, view.Version(), nil
	}

	embeddings, failed := s.resolveEmbeddings(ctx, pending)

	for i, p := range pending {
		if err := ctx.Err(); err != nil {
			// Partial completion: unprocessed prompts stay pending.
			s.logger.Info().Int("remaining", len(pending)-i).Msg("Incremental run interrupted")
			break
		}
		if failed[i] {
			stats.Failed++
			continue
		}

		decision, err := view.Classify(embeddings[i])
		if err != nil {
			stats.Failed++
			s.logger.Debug().Err(err).Int64("prompt_id", p.ID).Msg("Classification failed")
			continue
		}

		a := models.NewAssignment(
			p.ID, p.RecordID, decision.FamilyID, decision.Similarity,
			decision.Tier, models.AssignedByIncremental, view.Version(),
		)
		if _, err := s.store.ApplyDecision(ctx, a); err != nil {
			stats.Failed++
			s.logger.Warn().Err(err).Int64("prompt_id", p.ID).Msg("Failed to apply decision")
			continue
		}

		if err := s.index.Insert(ctx, vector.Entry{PromptID: p.ID, RecordID: p.RecordID, Embedding: embeddings[i]}); err != nil {
			s.logger.Debug().Err(err).Int64("prompt_id", p.ID).Msg("Retrieval index insert failed")
		}

		stats.Processed++
		s.metrics.RecordDecision(ctx, string(decision.Tier))
		switch decision.Tier {
		case models.TierAutoMerge:
			stats.Assigned++
		case models.TierSuggestMerge:
			stats.Flagged++
			s.publish(EventPromptFlagged, map[string]any{
				"prompt_id":        p.ID,
				"record_id":        p.RecordID,
				"family_id":        decision.FamilyID,
				"similarity":       decision.Similarity,
				"registry_version": view.Version(),
			})
		default:
			stats.Unclustered++
		}
	}

	return stats, view.Version(), nil
}

// resolveEmbeddings returns one embedding per pending prompt, reusing vectors
// already stored under the current model version and embedding the rest.
// failed marks prompts that could not be embedded; they stay pending and are
// reported, never fatal.
func (s *Service) resolveEmbeddings(ctx context.Context, pending []*models.Prompt) ([][]float32, []bool) {
	embeddings := make([][]float32, len(pending))
	failed := make([]bool, len(pending))

	var missing []int
	for i, p := range pending {
		if len(p.Embedding) > 0 && p.ModelVersion == s.embedder.Version() {
			embeddings[i] = p.Embedding
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return embeddings, failed
	}

	texts := make([]string, len(missing))
	for j, idx := range missing {
		texts[j] = pending[idx].Text
	}
	vecs, errs := s.embedder.EmbedMany(ctx, texts)

	for j, idx := range missing {
		if errs[j] != nil {
			failed[idx] = true
			s.logger.Debug().Err(errs[j]).Int64("prompt_id", pending[idx].ID).Msg("Embedding failed")
			continue
		}
		embeddings[idx] = vecs[j]
		if err := s.store.UpdatePromptEmbedding(ctx, pending[idx].ID, vecs[j], s.embedder.Version()); err != nil {
			s.logger.Warn().Err(err).Int64("prompt_id", pending[idx].ID).Msg("Failed to store embedding")
		}
	}
	return embeddings, failed
}
