package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/thebtf/taxon/pkg/models"
)

// lineageColumns is the canonical select list for lineage edge rows.
const lineageColumns = `
	id, parent_family_id, child_family_id, mutation_type, similarity,
	registry_version, created_at_epoch
`

// LineageStore provides family lineage database operations.
type LineageStore struct {
	store *Store
}

// NewLineageStore creates a new lineage store.
func NewLineageStore(store *Store) *LineageStore {
	return &LineageStore{store: store}
}

// CreateLineageEdges inserts a batch of lineage edges in one transaction.
func (s *LineageStore) CreateLineageEdges(ctx context.Context, edges []*models.LineageEdge) error {
	if len(edges) == 0 {
		return nil
	}

	const query = `
		INSERT INTO lineage_edges
		(parent_family_id, child_family_id, mutation_type, similarity, registry_version, created_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range edges {
			if e.CreatedAtEpoch == 0 {
				e.CreatedAtEpoch = time.Now().UnixMilli()
			}
			_, err := stmt.ExecContext(ctx,
				e.ParentFamilyID, e.ChildFamilyID, string(e.Mutation),
				e.Similarity, e.RegistryVersion, e.CreatedAtEpoch,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetFamilyLineage retrieves edges touching a family as parent or child,
// newest registry version first.
func (s *LineageStore) GetFamilyLineage(ctx context.Context, familyID string, limit int) ([]*models.LineageEdge, error) {
	const query = `
		SELECT ` + lineageColumns + `
		FROM lineage_edges
		WHERE parent_family_id = ? OR child_family_id = ?
		ORDER BY registry_version DESC, id ASC
		LIMIT ?
	`

	rows, err := s.store.QueryContext(ctx, query, familyID, familyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLineageRows(rows)
}

// GetLineageByVersion retrieves every edge a registry version produced.
func (s *LineageStore) GetLineageByVersion(ctx context.Context, registryVersion int64) ([]*models.LineageEdge, error) {
	const query = `
		SELECT ` + lineageColumns + `
		FROM lineage_edges
		WHERE registry_version = ?
		ORDER BY id ASC
	`

	rows, err := s.store.QueryContext(ctx, query, registryVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLineageRows(rows)
}

// scanLineageRows scans all lineage edge rows from a result set.
func scanLineageRows(rows *sql.Rows) ([]*models.LineageEdge, error) {
	var edges []*models.LineageEdge
	for rows.Next() {
		var e models.LineageEdge
		var mutation string
		err := rows.Scan(
			&e.ID, &e.ParentFamilyID, &e.ChildFamilyID, &mutation,
			&e.Similarity, &e.RegistryVersion, &e.CreatedAtEpoch,
		)
		if err != nil {
			return nil, err
		}
		e.Mutation = models.MutationType(mutation)
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}
