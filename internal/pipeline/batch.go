package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/thebtf/taxon/internal/cluster"
	"github.com/thebtf/taxon/internal/db"
	"github.com/thebtf/taxon/internal/embedding"
	"github.com/thebtf/taxon/internal/lineage"
	"github.com/thebtf/taxon/internal/naming"
	"github.com/thebtf/taxon/internal/similarity"
	"github.com/thebtf/taxon/internal/vector"
	"github.com/thebtf/taxon/pkg/models"
)

// embedFetchChunk is how many unembedded prompts one catch-up pass loads.
const embedFetchChunk = 256

// RunBatch executes one full reclustering epoch: embed whatever the corpus
// is missing, cluster everything, derive families and centroids, commit the
// epoch transactionally and swap the registry. The previously committed
// registry stays authoritative until the swap, so an aborted run changes
// nothing readers can see.
func (s *Service) RunBatch(ctx context.Context) (*models.BatchStats, error) {
	if !s.tryStart(models.RunKindBatch) {
		return nil, ErrAlreadyRunning
	}
	defer s.finish(models.RunKindBatch)

	run := models.NewProcessingRun(models.RunKindBatch)
	if _, err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}

	start := time.Now()
	s.logger.Info().Str("run_id", run.RunID).Msg("Batch run started")

	stats, version, err := s.runBatch(ctx, run)
	statsJSON, _ := json.Marshal(stats)

	if err != nil {
		run.Fail(err.Error(), string(statsJSON))
		if ferr := s.store.FinishRun(ctx, run); ferr != nil {
			s.logger.Warn().Err(ferr).Str("run_id", run.RunID).Msg("Failed to record run failure")
		}
		s.metrics.RecordRun(ctx, string(models.RunKindBatch), string(models.RunStatusFailed), time.Since(start))
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Batch run failed")
		return stats, err
	}

	run.Complete(string(statsJSON), version)
	if ferr := s.store.FinishRun(ctx, run); ferr != nil {
		s.logger.Warn().Err(ferr).Str("run_id", run.RunID).Msg("Failed to record run completion")
	}
	s.metrics.RecordRun(ctx, string(models.RunKindBatch), string(models.RunStatusCompleted), time.Since(start))

	s.publish(EventBatchCompleted, map[string]any{
		"run_id":           run.RunID,
		"registry_version": version,
		"stats":            stats,
	})
	s.logger.Info().
		Str("run_id", run.RunID).
		Int64("registry_version", version).
		Int("processed", stats.Processed).
		Int("families_created", stats.FamiliesCreated).
		Dur("elapsed", time.Since(start)).
		Msg("Batch run completed")
	return stats, nil
}

func (s *Service) runBatch(ctx context.Context, run *models.ProcessingRun) (*models.BatchStats, int64, error) {
	stats := &models.BatchStats{}

	if err := s.embedMissing(ctx, stats); err != nil {
		return stats, 0, err
	}

	corpus, err := s.store.GetEmbeddedCorpus(ctx, s.embedder.Version())
	if err != nil {
		return stats, 0, fmt.Errorf("load embedded corpus: %w", err)
	}
	if len(corpus) == 0 {
		s.logger.Info().Str("run_id", run.RunID).Msg("Empty corpus; nothing to cluster")
		return stats, 0, nil
	}
	stats.Processed = len(corpus)

	vectors := make([][]float32, len(corpus))
	for i, p := range corpus {
		vectors[i] = p.Embedding
	}

	result, err := s.clusterer.Cluster(vectors)
	if err != nil {
		// Fatal to this run only; the committed registry is untouched.
		return stats, 0, fmt.Errorf("cluster corpus: %w", err)
	}

	version := s.registry.Version() + 1
	epoch := s.buildEpoch(run.RunID, version, corpus, result)

	previous, err := s.store.GetActiveFamilies(ctx)
	if err != nil {
		return stats, 0, fmt.Errorf("load outgoing families: %w", err)
	}

	var continued map[string]bool
	if s.config.FamilyContinuity {
		continued = reuseFamilyIDs(previous, epoch, s.config.ContinuityThreshold)
	}
	stats.FamiliesCreated = len(epoch.Families) - len(continued)
	stats.FamiliesContinued = len(continued)

	quality := s.quality.ScoreEpoch(epoch.Families, memberEmbeddings(epoch.Families, corpus, result))
	flagged := 0
	for _, q := range quality {
		if q.NeedsReview {
			flagged++
		}
	}

	epoch.Lineage = lineage.Connect(previous, epoch.Families, version)

	if err := s.store.ApplyEpoch(ctx, epoch); err != nil {
		return stats, 0, fmt.Errorf("apply epoch: %w", err)
	}

	entries := make([]models.RegistryEntry, len(epoch.Families))
	for i, f := range epoch.Families {
		entries[i] = models.RegistryEntry{
			FamilyID:    f.FamilyID,
			Name:        f.Name,
			Centroid:    f.Centroid,
			MemberCount: f.MemberCount,
		}
	}
	snap, err := s.registry.Swap(ctx, run.RunID, s.embedder.Version(), s.embedder.Dimensions(), entries)
	if err != nil {
		return stats, 0, fmt.Errorf("swap registry: %w", err)
	}

	if s.announcer != nil {
		if err := s.announcer.Announce(ctx, snap.Version); err != nil {
			s.logger.Warn().Err(err).Msg("Registry swap announcement failed")
		}
	}

	indexEntries := make([]vector.Entry, len(corpus))
	for i, p := range corpus {
		indexEntries[i] = vector.Entry{PromptID: p.ID, RecordID: p.RecordID, Embedding: p.Embedding}
	}
	if err := s.index.Rebuild(ctx, indexEntries); err != nil {
		// The index is advisory; a rebuild failure never rolls back the epoch.
		s.logger.Warn().Err(err).Msg("Retrieval index rebuild failed")
	}

	if s.lineage != nil {
		s.lineage.Record(ctx, epoch.Lineage)
	}

	for _, f := range epoch.Families {
		if continued[f.FamilyID] {
			continue
		}
		s.publish(EventFamilyCreated, map[string]any{
			"family_id":        f.FamilyID,
			"name":             f.Name,
			"member_count":     f.MemberCount,
			"registry_version": version,
		})
	}

	s.logger.Info().
		Int("families", len(epoch.Families)).
		Int("continued", len(continued)).
		Int("noise", len(result.Noise)).
		Int("needs_review", flagged).
		Int("lineage_edges", len(epoch.Lineage)).
		Msg("Epoch committed")
	return stats, snap.Version, nil
}

// buildEpoch turns a clustering result into the families and assignments of
// one registry version. Cluster ordering is deterministic, so family naming
// ordinals are stable for an unchanged corpus.
func (s *Service) buildEpoch(runID string, version int64, corpus []*models.Prompt, result *cluster.Result) *db.EpochCommit {
	namer := naming.NewNamer()
	families := make([]*models.Family, 0, len(result.Clusters))
	assignments := make([]*models.Assignment, 0, len(corpus))

	for i, c := range result.Clusters {
		texts := make([]string, len(c.Members))
		for j, mi := range c.Members {
			texts[j] = corpus[mi].Text
		}
		fam := models.NewFamily(namer.Name(texts, i+1), c.Centroid, len(c.Members), version)
		fam.Cohesion = c.Cohesion
		fam.Description = sql.NullString{String: naming.Describe(texts, len(c.Members)), Valid: true}
		families = append(families, fam)

		for _, mi := range c.Members {
			p := corpus[mi]
			sim := similarity.Cosine(p.Embedding, c.Centroid)
			assignments = append(assignments, models.NewAssignment(
				p.ID, p.RecordID, fam.FamilyID, sim,
				models.TierAutoMerge, models.AssignedByBatch, version,
			))
		}
	}

	for _, ni := range result.Noise {
		p := corpus[ni]
		assignments = append(assignments, models.NewAssignment(
			p.ID, p.RecordID, "", 0,
			models.TierNone, models.AssignedByBatch, version,
		))
	}

	return &db.EpochCommit{
		RunID:           runID,
		RegistryVersion: version,
		Families:        families,
		Assignments:     assignments,
	}
}

// memberEmbeddings groups member vectors by family id for quality scoring.
func memberEmbeddings(families []*models.Family, corpus []*models.Prompt, result *cluster.Result) map[string][][]float32 {
	members := make(map[string][][]float32, len(families))
	for i, c := range result.Clusters {
		vecs := make([][]float32, len(c.Members))
		for j, mi := range c.Members {
			vecs[j] = corpus[mi].Embedding
		}
		members[families[i].FamilyID] = vecs
	}
	return members
}

// embedMissing backfills embeddings for prompts that have none under the
// current model version. Empty or over-limit prompts are skipped; other
// embedding failures are reported but never abort the run.
func (s *Service) embedMissing(ctx context.Context, stats *models.BatchStats) error {
	seen := make(map[int64]bool)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		prompts, err := s.store.GetPromptsMissingEmbedding(ctx, s.embedder.Version(), embedFetchChunk)
		if err != nil {
			return fmt.Errorf("load unembedded prompts: %w", err)
		}

		fresh := prompts[:0]
		for _, p := range prompts {
			if !seen[p.ID] {
				fresh = append(fresh, p)
			}
		}
		if len(fresh) == 0 {
			return nil
		}

		texts := make([]string, len(fresh))
		for i, p := range fresh {
			texts[i] = p.Text
		}
		vecs, errs := s.embedder.EmbedMany(ctx, texts)

		for i, p := range fresh {
			seen[p.ID] = true
			if errs[i] != nil {
				if errors.Is(errs[i], embedding.ErrEmptyText) || errors.Is(errs[i], embedding.ErrTextTooLong) {
					stats.Skipped++
				} else {
					stats.Failed++
				}
				s.logger.Debug().Err(errs[i]).Int64("prompt_id", p.ID).Msg("Embedding failed; prompt excluded from batch")
				continue
			}
			if err := s.store.UpdatePromptEmbedding(ctx, p.ID, vecs[i], s.embedder.Version()); err != nil {
				stats.Failed++
				s.logger.Warn().Err(err).Int64("prompt_id", p.ID).Msg("Failed to store embedding")
			}
		}

		if len(prompts) < embedFetchChunk {
			return nil
		}
	}
}
