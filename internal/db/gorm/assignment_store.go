// Package gorm provides GORM-based database operations for taxon.
package gorm

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/taxon/pkg/models"
)

// AssignmentStore provides assignment audit-trail operations using GORM.
type AssignmentStore struct {
	db *gorm.DB
}

// NewAssignmentStore creates a new assignment store.
func NewAssignmentStore(store *Store) *AssignmentStore {
	return &AssignmentStore{db: store.DB}
}

// ApplyDecision appends an assignment row and moves its prompt to the state
// the decision tier implies, in one transaction. The audit trail accumulates;
// the prompt row always carries the latest decision.
func (s *AssignmentStore) ApplyDecision(ctx context.Context, a *models.Assignment) (int64, error) {
	row := assignmentFromModel(a)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		return tx.Model(&Prompt{}).
			Where("id = ?", a.PromptID).
			Updates(promptDecisionUpdates(a)).Error
	})
	if err != nil {
		return 0, err
	}

	a.ID = row.ID
	a.CreatedAt = row.CreatedAt
	a.CreatedAtEpoch = row.CreatedAtEpoch
	return row.ID, nil
}

// GetAssignmentsByPrompt retrieves a prompt's decision history, newest first.
func (s *AssignmentStore) GetAssignmentsByPrompt(ctx context.Context, promptID int64, limit int) ([]*models.Assignment, error) {
	var rows []Assignment
	query := s.db.WithContext(ctx).
		Where("prompt_id = ?", promptID).
		Order("created_at_epoch DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return assignmentsToModels(rows), nil
}

// GetFlaggedAssignments retrieves suggest_merge decisions for a registry
// version, oldest first. This is the human review queue.
func (s *AssignmentStore) GetFlaggedAssignments(ctx context.Context, registryVersion int64, limit int) ([]*models.Assignment, error) {
	var rows []Assignment
	query := s.db.WithContext(ctx).
		Where("tier = ? AND registry_version = ?", string(models.TierSuggestMerge), registryVersion).
		Order("created_at_epoch ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return assignmentsToModels(rows), nil
}

// CountAssignmentsByTier returns decision counts per tier for one registry
// version.
func (s *AssignmentStore) CountAssignmentsByTier(ctx context.Context, registryVersion int64) (map[models.DecisionTier]int64, error) {
	var rows []struct {
		Tier  string
		Count int64
	}
	err := s.db.WithContext(ctx).Model(&Assignment{}).
		Select("tier, COUNT(*) as count").
		Where("registry_version = ?", registryVersion).
		Group("tier").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[models.DecisionTier]int64, len(rows))
	for _, r := range rows {
		counts[models.DecisionTier(r.Tier)] = r.Count
	}
	return counts, nil
}

// promptDecisionUpdates builds the prompt-row column updates implied by an
// assignment: the lifecycle state from the tier, plus family, tier and
// similarity for listings.
func promptDecisionUpdates(a *models.Assignment) map[string]any {
	return map[string]any{
		"state":            string(models.StateForTier(a.Tier)),
		"family_id":        a.FamilyID,
		"tier":             string(a.Tier),
		"similarity":       a.Similarity,
		"updated_at_epoch": time.Now().UnixMilli(),
	}
}

// assignmentFromModel converts a domain assignment to its GORM row.
func assignmentFromModel(a *models.Assignment) *Assignment {
	return &Assignment{
		ID:             a.ID,
		PromptID:       a.PromptID,
		RecordID:       a.RecordID,
		FamilyID:       a.FamilyID,
		Similarity:     a.Similarity,
		Tier:           string(a.Tier),
		AssignedBy:     string(a.AssignedBy),
		RegistryVers:   a.RegistryVersion,
		CreatedAt:      a.CreatedAt,
		CreatedAtEpoch: a.CreatedAtEpoch,
	}
}

// assignmentToModel converts a GORM row to the domain assignment.
func assignmentToModel(row *Assignment) *models.Assignment {
	return &models.Assignment{
		ID:              row.ID,
		PromptID:        row.PromptID,
		RecordID:        row.RecordID,
		FamilyID:        row.FamilyID,
		Similarity:      row.Similarity,
		Tier:            models.DecisionTier(row.Tier),
		AssignedBy:      models.AssignedBy(row.AssignedBy),
		RegistryVersion: row.RegistryVers,
		CreatedAt:       row.CreatedAt,
		CreatedAtEpoch:  row.CreatedAtEpoch,
	}
}

func assignmentsToModels(rows []Assignment) []*models.Assignment {
	out := make([]*models.Assignment, len(rows))
	for i := range rows {
		out[i] = assignmentToModel(&rows[i])
	}
	return out
}
