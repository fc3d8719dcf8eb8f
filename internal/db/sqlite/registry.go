package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/thebtf/taxon/pkg/models"
)

// RegistryStore provides registry snapshot database operations.
type RegistryStore struct {
	store *Store
}

// NewRegistryStore creates a new registry store.
func NewRegistryStore(store *Store) *RegistryStore {
	return &RegistryStore{store: store}
}

// SaveRegistrySnapshot persists a committed registry version. The version is
// the primary key, so two writers racing to commit the same version get a
// conflict instead of silently overwriting each other.
func (s *RegistryStore) SaveRegistrySnapshot(ctx context.Context, snap *models.RegistrySnapshot) error {
	entries, err := json.Marshal(snap.Entries)
	if err != nil {
		return fmt.Errorf("marshal registry entries: %w", err)
	}

	if snap.CreatedAtEpoch == 0 {
		snap.CreatedAtEpoch = time.Now().UnixMilli()
	}

	const query = `
		INSERT INTO registry_snapshots
		(version, run_id, model_version, dimensions, family_count, entries, created_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.store.ExecContext(ctx, query,
		snap.Version, snap.RunID, snap.ModelVersion, snap.Dimensions,
		len(snap.Entries), string(entries), snap.CreatedAtEpoch,
	)
	if err != nil {
		return fmt.Errorf("save registry snapshot v%d: %w", snap.Version, err)
	}
	return nil
}

// LatestRegistrySnapshot retrieves the highest committed registry version.
// Returns nil without error before the first batch run commits.
func (s *RegistryStore) LatestRegistrySnapshot(ctx context.Context) (*models.RegistrySnapshot, error) {
	const query = `
		SELECT version, run_id, model_version, dimensions, entries, created_at_epoch
		FROM registry_snapshots
		ORDER BY version DESC
		LIMIT 1
	`

	snap, err := scanRegistrySnapshot(s.store.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

// GetRegistrySnapshot retrieves a specific registry version.
// Returns nil without error when the version does not exist.
func (s *RegistryStore) GetRegistrySnapshot(ctx context.Context, version int64) (*models.RegistrySnapshot, error) {
	const query = `
		SELECT version, run_id, model_version, dimensions, entries, created_at_epoch
		FROM registry_snapshots
		WHERE version = ?
	`

	snap, err := scanRegistrySnapshot(s.store.QueryRowContext(ctx, query, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

// ListRegistryVersions summarizes committed versions without their centroid
// payloads, newest first.
func (s *RegistryStore) ListRegistryVersions(ctx context.Context, limit int) ([]*models.RegistryVersionInfo, error) {
	const query = `
		SELECT version, run_id, model_version, dimensions, family_count, created_at_epoch
		FROM registry_snapshots
		ORDER BY version DESC
		LIMIT ?
	`

	rows, err := s.store.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []*models.RegistryVersionInfo
	for rows.Next() {
		var info models.RegistryVersionInfo
		err := rows.Scan(
			&info.Version, &info.RunID, &info.ModelVersion,
			&info.Dimensions, &info.FamilyCount, &info.CreatedAtEpoch,
		)
		if err != nil {
			return nil, err
		}
		infos = append(infos, &info)
	}
	return infos, rows.Err()
}

// PruneRegistrySnapshots deletes old snapshots, keeping the newest keep
// versions. At least one snapshot always survives.
func (s *RegistryStore) PruneRegistrySnapshots(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}

	const query = `
		DELETE FROM registry_snapshots
		WHERE version NOT IN (
			SELECT version FROM registry_snapshots
			ORDER BY version DESC
			LIMIT ?
		)
	`

	result, err := s.store.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// scanRegistrySnapshot scans a snapshot row and unmarshals its entries.
func scanRegistrySnapshot(row rowScanner) (*models.RegistrySnapshot, error) {
	var snap models.RegistrySnapshot
	var entries string

	err := row.Scan(
		&snap.Version, &snap.RunID, &snap.ModelVersion, &snap.Dimensions,
		&entries, &snap.CreatedAtEpoch,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(entries), &snap.Entries); err != nil {
		return nil, fmt.Errorf("unmarshal registry entries v%d: %w", snap.Version, err)
	}
	return &snap, nil
}
