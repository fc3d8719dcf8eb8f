// Package gorm provides GORM-based database operations for taxon.
package gorm

import (
	"context"
	"time"

	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/thebtf/taxon/pkg/models"
)

// FamilyStore provides family database operations using GORM.
type FamilyStore struct {
	db *gorm.DB
}

// NewFamilyStore creates a new family store.
func NewFamilyStore(store *Store) *FamilyStore {
	return &FamilyStore{db: store.DB}
}

// GetFamilyByID retrieves a family by its public id.
func (s *FamilyStore) GetFamilyByID(ctx context.Context, familyID string) (*models.Family, error) {
	var row Family
	err := s.db.WithContext(ctx).Where("family_id = ?", familyID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return familyToModel(&row), nil
}

// GetActiveFamilies retrieves every family of the current epoch, ordered by
// family id for deterministic listings.
func (s *FamilyStore) GetActiveFamilies(ctx context.Context) ([]*models.Family, error) {
	var rows []Family
	err := s.db.WithContext(ctx).
		Where("status = ?", string(models.FamilyStatusActive)).
		Order("family_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return familiesToModels(rows), nil
}

// GetFamiliesByVersion retrieves the families a registry version produced,
// superseded ones included.
func (s *FamilyStore) GetFamiliesByVersion(ctx context.Context, registryVersion int64) ([]*models.Family, error) {
	var rows []Family
	err := s.db.WithContext(ctx).
		Where("registry_version = ?", registryVersion).
		Order("family_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return familiesToModels(rows), nil
}

// CountActiveFamilies returns the number of families in the current epoch.
func (s *FamilyStore) CountActiveFamilies(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Family{}).
		Where("status = ?", string(models.FamilyStatusActive)).
		Count(&count).Error
	return count, err
}

// CreateFamilies inserts a batch run's families.
func (s *FamilyStore) CreateFamilies(ctx context.Context, families []*models.Family) error {
	if len(families) == 0 {
		return nil
	}
	rows := make([]*Family, len(families))
	for i, f := range families {
		rows[i] = familyFromModel(f)
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, 100).Error
}

// SupersedeActiveFamilies marks every active family from an older registry
// version as superseded. Returns the number of families retired.
func (s *FamilyStore) SupersedeActiveFamilies(ctx context.Context, beforeVersion int64) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Family{}).
		Where("status = ? AND registry_version < ?", string(models.FamilyStatusActive), beforeVersion).
		Updates(map[string]any{
			"status":           string(models.FamilyStatusSuperseded),
			"updated_at_epoch": time.Now().UnixMilli(),
		})
	return result.RowsAffected, result.Error
}

// PruneFamilies deletes superseded families from registry versions older
// than beforeVersion.
func (s *FamilyStore) PruneFamilies(ctx context.Context, beforeVersion int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status = ? AND registry_version < ?", string(models.FamilyStatusSuperseded), beforeVersion).
		Delete(&Family{})
	return result.RowsAffected, result.Error
}

// UpdateFamilyName renames a family. An empty description clears it.
func (s *FamilyStore) UpdateFamilyName(ctx context.Context, familyID, name, description string) error {
	return s.db.WithContext(ctx).Model(&Family{}).
		Where("family_id = ?", familyID).
		Updates(map[string]any{
			"name":             name,
			"description":      sqlNullString(description),
			"updated_at_epoch": time.Now().UnixMilli(),
		}).Error
}

// RefreshFamilyStats rewrites the derived member count and cohesion of a
// family from its current membership.
func (s *FamilyStore) RefreshFamilyStats(ctx context.Context, familyID string, memberCount int, cohesion float64) error {
	return s.db.WithContext(ctx).Model(&Family{}).
		Where("family_id = ?", familyID).
		Updates(map[string]any{
			"member_count":     memberCount,
			"cohesion":         cohesion,
			"updated_at_epoch": time.Now().UnixMilli(),
		}).Error
}

// familyFromModel converts a domain family to its GORM row.
func familyFromModel(f *models.Family) *Family {
	row := &Family{
		FamilyID:       f.FamilyID,
		Name:           f.Name,
		Status:         string(f.Status),
		Description:    f.Description,
		MemberCount:    f.MemberCount,
		Cohesion:       f.Cohesion,
		RegistryVers:   f.RegistryVersion,
		CreatedAt:      f.CreatedAt,
		CreatedAtEpoch: f.CreatedAtEpoch,
		UpdatedAtEpoch: f.UpdatedAtEpoch,
	}
	if len(f.Centroid) > 0 {
		vec := pgvec.NewVector(f.Centroid)
		row.Centroid = &vec
	}
	return row
}

// familyToModel converts a GORM row to the domain family.
func familyToModel(row *Family) *models.Family {
	f := &models.Family{
		FamilyID:        row.FamilyID,
		Name:            row.Name,
		Status:          models.FamilyStatus(row.Status),
		Description:     row.Description,
		MemberCount:     row.MemberCount,
		Cohesion:        row.Cohesion,
		RegistryVersion: row.RegistryVers,
		CreatedAt:       row.CreatedAt,
		CreatedAtEpoch:  row.CreatedAtEpoch,
		UpdatedAtEpoch:  row.UpdatedAtEpoch,
	}
	if row.Centroid != nil {
		f.Centroid = models.JSONFloat32Slice(row.Centroid.Slice())
	}
	return f
}

func familiesToModels(rows []Family) []*models.Family {
	out := make([]*models.Family, len(rows))
	for i := range rows {
		out[i] = familyToModel(&rows[i])
	}
	return out
}
