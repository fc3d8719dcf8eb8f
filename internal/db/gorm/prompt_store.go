// Package gorm provides GORM-based database operations for taxon.
package gorm

import (
	"context"
	"time"

	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/taxon/pkg/models"
)

// PromptStore provides prompt-record database operations using GORM.
type PromptStore struct {
	db *gorm.DB
}

// NewPromptStore creates a new prompt store.
func NewPromptStore(store *Store) *PromptStore {
	return &PromptStore{db: store.DB}
}

// SavePrompt inserts a prompt record, deduplicating on dedup_hash.
// Uses INSERT ... ON CONFLICT DO NOTHING so re-ingesting an identical text is
// idempotent; the duplicate returns the existing row's id with created=false.
func (s *PromptStore) SavePrompt(ctx context.Context, p *models.Prompt) (int64, bool, error) {
	row := promptFromModel(p)

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedup_hash"}},
			DoNothing: true,
		}).
		Create(row)

	if result.Error != nil {
		return 0, false, result.Error
	}

	// RowsAffected == 0 means the insert was ignored (duplicate)
	if result.RowsAffected == 0 {
		var existing Prompt
		err := s.db.WithContext(ctx).
			Where("dedup_hash = ?", p.DedupHash).
			First(&existing).Error
		if err != nil {
			return 0, false, err
		}
		return existing.ID, false, nil
	}

	p.ID = row.ID
	p.CreatedAt = row.CreatedAt
	p.CreatedAtEpoch = row.CreatedAtEpoch
	p.UpdatedAtEpoch = row.UpdatedAtEpoch
	return row.ID, true, nil
}

// SavePrompts bulk-inserts prompt records with the same dedup semantics as
// SavePrompt. Returns the number of rows actually created; duplicates are
// silently skipped and their model ids are left unset.
func (s *PromptStore) SavePrompts(ctx context.Context, prompts []*models.Prompt) (int64, error) {
	if len(prompts) == 0 {
		return 0, nil
	}

	rows := make([]*Prompt, len(prompts))
	for i, p := range prompts {
		rows[i] = promptFromModel(p)
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedup_hash"}},
			DoNothing: true,
		}).
		CreateInBatches(rows, 100)

	if result.Error != nil {
		return 0, result.Error
	}

	for i, row := range rows {
		if row.ID != 0 {
			prompts[i].ID = row.ID
		}
	}
	return result.RowsAffected, nil
}

// UpdatePromptEmbedding attaches an embedding vector to a prompt record.
func (s *PromptStore) UpdatePromptEmbedding(ctx context.Context, id int64, embedding []float32, modelVersion string) error {
	vec := pgvec.NewVector(embedding)
	return s.db.WithContext(ctx).Model(&Prompt{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"embedding":        &vec,
			"model_version":    modelVersion,
			"updated_at_epoch": time.Now().UnixMilli(),
		}).Error
}

// DeletePrompts removes prompt records by id, returning the number deleted.
func (s *PromptStore) DeletePrompts(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Delete(&Prompt{}, ids)
	return result.RowsAffected, result.Error
}

// GetPromptByID retrieves a prompt record by its row id.
func (s *PromptStore) GetPromptByID(ctx context.Context, id int64) (*models.Prompt, error) {
	var row Prompt
	err := s.db.WithContext(ctx).First(&row, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return promptToModel(&row), nil
}

// GetPromptByRecordID retrieves a prompt record by its public record id.
func (s *PromptStore) GetPromptByRecordID(ctx context.Context, recordID string) (*models.Prompt, error) {
	var row Prompt
	err := s.db.WithContext(ctx).Where("record_id = ?", recordID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return promptToModel(&row), nil
}

// GetPromptsByState retrieves prompts in a lifecycle state, oldest first.
// This is the incremental pipeline's pending-queue scan.
func (s *PromptStore) GetPromptsByState(ctx context.Context, state models.PromptState, limit int) ([]*models.Prompt, error) {
	var rows []Prompt
	query := s.db.WithContext(ctx).
		Where("state = ?", string(state)).
		Order("created_at_epoch ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return promptsToModels(rows), nil
}

// GetPromptsByFamily retrieves the current members of a family, newest first.
func (s *PromptStore) GetPromptsByFamily(ctx context.Context, familyID string, limit int) ([]*models.Prompt, error) {
	var rows []Prompt
	query := s.db.WithContext(ctx).
		Where("family_id = ?", familyID).
		Order("created_at_epoch DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return promptsToModels(rows), nil
}

// GetRecentPrompts retrieves the most recently ingested prompts.
func (s *PromptStore) GetRecentPrompts(ctx context.Context, limit int) ([]*models.Prompt, error) {
	var rows []Prompt
	query := s.db.WithContext(ctx).Order("created_at_epoch DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return promptsToModels(rows), nil
}

// GetEmbeddedCorpus retrieves every prompt carrying an embedding from the
// given model version, in id order. This is the batch clusterer's input; the
// stable ordering keeps cluster numbering deterministic across runs.
func (s *PromptStore) GetEmbeddedCorpus(ctx context.Context, modelVersion string) ([]*models.Prompt, error) {
	var rows []Prompt
	err := s.db.WithContext(ctx).
		Where("embedding IS NOT NULL AND model_version = ?", modelVersion).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return promptsToModels(rows), nil
}

// GetPromptsMissingEmbedding retrieves prompts with no embedding for the
// given model version, oldest first. Used by the embedding backfill.
func (s *PromptStore) GetPromptsMissingEmbedding(ctx context.Context, modelVersion string, limit int) ([]*models.Prompt, error) {
	var rows []Prompt
	query := s.db.WithContext(ctx).
		Where("embedding IS NULL OR model_version <> ?", modelVersion).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return promptsToModels(rows), nil
}

// FindPromptByDedupHash retrieves a prompt by its exact-duplicate hash.
func (s *PromptStore) FindPromptByDedupHash(ctx context.Context, dedupHash string) (*models.Prompt, error) {
	var row Prompt
	err := s.db.WithContext(ctx).Where("dedup_hash = ?", dedupHash).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return promptToModel(&row), nil
}

// CountPromptsByState returns the number of prompts in a lifecycle state.
func (s *PromptStore) CountPromptsByState(ctx context.Context, state models.PromptState) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Prompt{}).
		Where("state = ?", string(state)).
		Count(&count).Error
	return count, err
}

// GetStateCounts returns prompt counts grouped by lifecycle state.
func (s *PromptStore) GetStateCounts(ctx context.Context) (map[models.PromptState]int64, error) {
	var rows []struct {
		State string
		Count int64
	}
	err := s.db.WithContext(ctx).Model(&Prompt{}).
		Select("state, COUNT(*) as count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[models.PromptState]int64, len(rows))
	for _, r := range rows {
		counts[models.PromptState(r.State)] = r.Count
	}
	return counts, nil
}

// CountPrompts returns the total number of prompt records.
func (s *PromptStore) CountPrompts(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Prompt{}).Count(&count).Error
	return count, err
}

// promptFromModel converts a domain prompt to its GORM row.
func promptFromModel(p *models.Prompt) *Prompt {
	row := &Prompt{
		ID:             p.ID,
		RecordID:       p.RecordID,
		Text:           p.Text,
		RawText:        p.RawText,
		DedupHash:      p.DedupHash,
		SimHash:        int64(p.SimHash),
		Source:         string(p.Source),
		State:          string(p.State),
		FamilyID:       p.FamilyID,
		Tier:           p.Tier,
		Similarity:     p.Similarity,
		ModelVersion:   p.ModelVersion,
		Metadata:       p.Metadata,
		CreatedAt:      p.CreatedAt,
		CreatedAtEpoch: p.CreatedAtEpoch,
		UpdatedAtEpoch: p.UpdatedAtEpoch,
	}
	if len(p.Embedding) > 0 {
		vec := pgvec.NewVector(p.Embedding)
		row.Embedding = &vec
	}
	return row
}

// promptToModel converts a GORM row to the domain prompt.
func promptToModel(row *Prompt) *models.Prompt {
	p := &models.Prompt{
		ID:             row.ID,
		RecordID:       row.RecordID,
		Text:           row.Text,
		RawText:        row.RawText,
		DedupHash:      row.DedupHash,
		SimHash:        uint64(row.SimHash),
		Source:         models.PromptSource(row.Source),
		State:          models.PromptState(row.State),
		FamilyID:       row.FamilyID,
		Tier:           row.Tier,
		Similarity:     row.Similarity,
		ModelVersion:   row.ModelVersion,
		Metadata:       row.Metadata,
		CreatedAt:      row.CreatedAt,
		CreatedAtEpoch: row.CreatedAtEpoch,
		UpdatedAtEpoch: row.UpdatedAtEpoch,
	}
	if row.Embedding != nil {
		p.Embedding = models.JSONFloat32Slice(row.Embedding.Slice())
	}
	return p
}

func promptsToModels(rows []Prompt) []*models.Prompt {
	out := make([]*models.Prompt, len(rows))
	for i := range rows {
		out[i] = promptToModel(&rows[i])
	}
	return out
}
