// Package gorm provides GORM-based database operations for taxon.
package gorm

import (
	"context"

	"gorm.io/gorm"

	"github.com/thebtf/taxon/pkg/models"
)

// LineageStore provides family-lineage database operations using GORM.
type LineageStore struct {
	db *gorm.DB
}

// NewLineageStore creates a new lineage store.
func NewLineageStore(store *Store) *LineageStore {
	return &LineageStore{db: store.DB}
}

// CreateLineageEdges inserts the parent/child edges a batch run derived.
func (s *LineageStore) CreateLineageEdges(ctx context.Context, edges []*models.LineageEdge) error {
	if len(edges) == 0 {
		return nil
	}
	rows := make([]*LineageEdge, len(edges))
	for i, e := range edges {
		rows[i] = lineageFromModel(e)
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, 100).Error
}

// GetFamilyLineage retrieves edges touching a family as parent or child,
// newest epoch first.
func (s *LineageStore) GetFamilyLineage(ctx context.Context, familyID string, limit int) ([]*models.LineageEdge, error) {
	var rows []LineageEdge
	query := s.db.WithContext(ctx).
		Where("parent_family_id = ? OR child_family_id = ?", familyID, familyID).
		Order("registry_version DESC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return lineageToModels(rows), nil
}

// GetLineageByVersion retrieves the edges one registry version produced.
func (s *LineageStore) GetLineageByVersion(ctx context.Context, registryVersion int64) ([]*models.LineageEdge, error) {
	var rows []LineageEdge
	err := s.db.WithContext(ctx).
		Where("registry_version = ?", registryVersion).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return lineageToModels(rows), nil
}

// lineageFromModel converts a domain edge to its GORM row.
func lineageFromModel(e *models.LineageEdge) *LineageEdge {
	return &LineageEdge{
		ParentFamilyID: e.ParentFamilyID,
		ChildFamilyID:  e.ChildFamilyID,
		Similarity:     e.Similarity,
		MutationType:   string(e.Mutation),
		RegistryVers:   e.RegistryVersion,
		CreatedAtEpoch: e.CreatedAtEpoch,
	}
}

// lineageToModel converts a GORM row to the domain edge.
func lineageToModel(row *LineageEdge) *models.LineageEdge {
	return &models.LineageEdge{
		ID:              row.ID,
		ParentFamilyID:  row.ParentFamilyID,
		ChildFamilyID:   row.ChildFamilyID,
		Similarity:      row.Similarity,
		Mutation:        models.MutationType(row.MutationType),
		RegistryVersion: row.RegistryVers,
		CreatedAtEpoch:  row.CreatedAtEpoch,
	}
}

func lineageToModels(rows []LineageEdge) []*models.LineageEdge {
	out := make([]*models.LineageEdge, len(rows))
	for i := range rows {
		out[i] = lineageToModel(&rows[i])
	}
	return out
}
