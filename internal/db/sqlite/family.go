package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/thebtf/taxon/pkg/models"
)

// familyColumns is the canonical select list for family rows.
const familyColumns = `
	id, family_id, name, description, status, centroid, member_count,
	cohesion, registry_version, created_at, created_at_epoch, updated_at_epoch
`

// FamilyStore provides prompt family database operations.
type FamilyStore struct {
	store *Store
}

// NewFamilyStore creates a new family store.
func NewFamilyStore(store *Store) *FamilyStore {
	return &FamilyStore{store: store}
}

// CreateFamilies inserts a batch of families in one transaction.
func (s *FamilyStore) CreateFamilies(ctx context.Context, families []*models.Family) error {
	if len(families) == 0 {
		return nil
	}

	const query = `
		INSERT INTO families
		(family_id, name, description, status, centroid, member_count,
		 cohesion, registry_version, created_at, created_at_epoch, updated_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, f := range families {
			fillFamilyDefaults(f)
			_, err := stmt.ExecContext(ctx,
				f.FamilyID, f.Name, f.Description, string(f.Status), f.Centroid,
				f.MemberCount, f.Cohesion, f.RegistryVersion,
				f.CreatedAt, f.CreatedAtEpoch, f.UpdatedAtEpoch,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// SupersedeActiveFamilies retires every active family created before the
// given registry version. Returns the number of families retired.
func (s *FamilyStore) SupersedeActiveFamilies(ctx context.Context, beforeVersion int64) (int64, error) {
	const query = `
		UPDATE families
		SET status = 'superseded', updated_at_epoch = ?
		WHERE status = 'active' AND registry_version < ?
	`

	result, err := s.store.ExecContext(ctx, query, time.Now().UnixMilli(), beforeVersion)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PruneFamilies deletes superseded families from registry versions older
// than beforeVersion. Lineage edges keep their family ids, so ancestry
// queries past the retention horizon return ids without labels.
func (s *FamilyStore) PruneFamilies(ctx context.Context, beforeVersion int64) (int64, error) {
	const query = `
		DELETE FROM families
		WHERE status = 'superseded' AND registry_version < ?
	`

	result, err := s.store.ExecContext(ctx, query, beforeVersion)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// UpdateFamilyName replaces the generated name and description of a family.
// Used when an operator or the naming pass relabels a cluster.
func (s *FamilyStore) UpdateFamilyName(ctx context.Context, familyID, name, description string) error {
	const query = `
		UPDATE families
		SET name = ?, description = ?, updated_at_epoch = ?
		WHERE family_id = ?
	`

	_, err := s.store.ExecContext(ctx, query,
		name, sqlNullString(description), time.Now().UnixMilli(), familyID,
	)
	return err
}

// RefreshFamilyStats rewrites the derived member count and cohesion of a
// family from its current membership.
func (s *FamilyStore) RefreshFamilyStats(ctx context.Context, familyID string, memberCount int, cohesion float64) error {
	const query = `
		UPDATE families
		SET member_count = ?, cohesion = ?, updated_at_epoch = ?
		WHERE family_id = ?
	`

	_, err := s.store.ExecContext(ctx, query,
		memberCount, cohesion, time.Now().UnixMilli(), familyID,
	)
	return err
}

// GetFamilyByID retrieves a family by its stable family id.
// Returns nil without error when the family does not exist.
func (s *FamilyStore) GetFamilyByID(ctx context.Context, familyID string) (*models.Family, error) {
	const query = `SELECT ` + familyColumns + ` FROM families WHERE family_id = ?`

	f, err := scanFamily(s.store.QueryRowContext(ctx, query, familyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

// GetActiveFamilies retrieves the current family set, ordered by family id
// for deterministic listings.
func (s *FamilyStore) GetActiveFamilies(ctx context.Context) ([]*models.Family, error) {
	const query = `
		SELECT ` + familyColumns + `
		FROM families
		WHERE status = 'active'
		ORDER BY family_id ASC
	`

	rows, err := s.store.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFamilyRows(rows)
}

// GetFamiliesByVersion retrieves every family a registry version produced.
func (s *FamilyStore) GetFamiliesByVersion(ctx context.Context, registryVersion int64) ([]*models.Family, error) {
	const query = `
		SELECT ` + familyColumns + `
		FROM families
		WHERE registry_version = ?
		ORDER BY family_id ASC
	`

	rows, err := s.store.QueryContext(ctx, query, registryVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFamilyRows(rows)
}

// CountActiveFamilies returns the number of active families.
func (s *FamilyStore) CountActiveFamilies(ctx context.Context) (int64, error) {
	const query = `SELECT COUNT(*) FROM families WHERE status = 'active'`

	var count int64
	err := s.store.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

func fillFamilyDefaults(f *models.Family) {
	now := time.Now()
	if f.CreatedAt == "" {
		f.CreatedAt = now.Format(time.RFC3339)
	}
	if f.CreatedAtEpoch == 0 {
		f.CreatedAtEpoch = now.UnixMilli()
	}
	if f.UpdatedAtEpoch == 0 {
		f.UpdatedAtEpoch = f.CreatedAtEpoch
	}
	if f.Status == "" {
		f.Status = models.FamilyStatusActive
	}
}

// scanFamily scans a single family row in familyColumns order.
func scanFamily(row rowScanner) (*models.Family, error) {
	var f models.Family
	var id int64
	var status string

	err := row.Scan(
		&id, &f.FamilyID, &f.Name, &f.Description, &status, &f.Centroid,
		&f.MemberCount, &f.Cohesion, &f.RegistryVersion,
		&f.CreatedAt, &f.CreatedAtEpoch, &f.UpdatedAtEpoch,
	)
	if err != nil {
		return nil, err
	}

	f.Status = models.FamilyStatus(status)
	return &f, nil
}

// scanFamilyRows scans all family rows from a result set.
func scanFamilyRows(rows *sql.Rows) ([]*models.Family, error) {
	var families []*models.Family
	for rows.Next() {
		f, err := scanFamily(rows)
		if err != nil {
			return nil, err
		}
		families = append(families, f)
	}
	return families, rows.Err()
}
