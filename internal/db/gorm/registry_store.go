// Package gorm provides GORM-based database operations for taxon.
package gorm

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/thebtf/taxon/pkg/models"
)

// RegistryStore provides registry-snapshot database operations using GORM.
type RegistryStore struct {
	db *gorm.DB
}

// NewRegistryStore creates a new registry snapshot store.
func NewRegistryStore(store *Store) *RegistryStore {
	return &RegistryStore{db: store.DB}
}

// SaveRegistrySnapshot persists one committed registry version. The version
// is the primary key, so two writers racing to commit the same version get a
// conflict instead of silently overwriting each other.
func (s *RegistryStore) SaveRegistrySnapshot(ctx context.Context, snap *models.RegistrySnapshot) error {
	entries, err := json.Marshal(snap.Entries)
	if err != nil {
		return fmt.Errorf("marshal registry entries: %w", err)
	}

	row := &RegistrySnapshot{
		Version:        snap.Version,
		RunID:          snap.RunID,
		ModelVersion:   snap.ModelVersion,
		Dimensions:     snap.Dimensions,
		FamilyCount:    len(snap.Entries),
		Entries:        entries,
		CreatedAtEpoch: snap.CreatedAtEpoch,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("save registry snapshot v%d: %w", snap.Version, err)
	}
	return nil
}

// LatestRegistrySnapshot retrieves the highest committed registry version,
// or nil when no batch run has committed yet.
func (s *RegistryStore) LatestRegistrySnapshot(ctx context.Context) (*models.RegistrySnapshot, error) {
	var row RegistrySnapshot
	err := s.db.WithContext(ctx).Order("version DESC").First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snapshotToModel(&row)
}

// GetRegistrySnapshot retrieves one committed registry version.
func (s *RegistryStore) GetRegistrySnapshot(ctx context.Context, version int64) (*models.RegistrySnapshot, error) {
	var row RegistrySnapshot
	err := s.db.WithContext(ctx).Where("version = ?", version).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snapshotToModel(&row)
}

// ListRegistryVersions summarizes committed versions, newest first, without
// loading centroid payloads.
func (s *RegistryStore) ListRegistryVersions(ctx context.Context, limit int) ([]*models.RegistryVersionInfo, error) {
	var rows []RegistrySnapshot
	query := s.db.WithContext(ctx).
		Select("version, run_id, model_version, dimensions, family_count, created_at_epoch").
		Order("version DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	infos := make([]*models.RegistryVersionInfo, len(rows))
	for i, r := range rows {
		infos[i] = &models.RegistryVersionInfo{
			Version:        r.Version,
			RunID:          r.RunID,
			ModelVersion:   r.ModelVersion,
			Dimensions:     r.Dimensions,
			FamilyCount:    r.FamilyCount,
			CreatedAtEpoch: r.CreatedAtEpoch,
		}
	}
	return infos, nil
}

// PruneRegistrySnapshots deletes all but the newest keep versions. The
// current version is never deleted.
func (s *RegistryStore) PruneRegistrySnapshots(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}

	var cutoff int64
	err := s.db.WithContext(ctx).Model(&RegistrySnapshot{}).
		Select("version").
		Order("version DESC").
		Offset(keep - 1).
		Limit(1).
		Scan(&cutoff).Error
	if err != nil {
		return 0, err
	}
	if cutoff == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).
		Where("version < ?", cutoff).
		Delete(&RegistrySnapshot{})
	return result.RowsAffected, result.Error
}

// snapshotToModel converts a GORM row to the domain snapshot.
func snapshotToModel(row *RegistrySnapshot) (*models.RegistrySnapshot, error) {
	var entries []models.RegistryEntry
	if len(row.Entries) > 0 {
		if err := json.Unmarshal(row.Entries, &entries); err != nil {
			return nil, fmt.Errorf("unmarshal registry entries v%d: %w", row.Version, err)
		}
	}
	return &models.RegistrySnapshot{
		Version:        row.Version,
		RunID:          row.RunID,
		ModelVersion:   row.ModelVersion,
		Dimensions:     row.Dimensions,
		Entries:        entries,
		CreatedAtEpoch: row.CreatedAtEpoch,
	}, nil
}
