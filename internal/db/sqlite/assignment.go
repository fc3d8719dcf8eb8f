package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/thebtf/taxon/pkg/models"
)

// assignmentColumns is the canonical select list for assignment rows.
const assignmentColumns = `
	id, prompt_id, record_id, family_id, tier, similarity,
	registry_version, assigned_by, created_at, created_at_epoch
`

// AssignmentStore provides assignment audit trail database operations.
type AssignmentStore struct {
	store *Store
}

// NewAssignmentStore creates a new assignment store.
func NewAssignmentStore(store *Store) *AssignmentStore {
	return &AssignmentStore{store: store}
}

// ApplyDecision appends an assignment row and moves the prompt into the
// lifecycle state its decision tier implies. Both writes happen in one
// transaction so the audit trail never disagrees with the prompt state.
func (s *AssignmentStore) ApplyDecision(ctx context.Context, a *models.Assignment) (int64, error) {
	fillAssignmentDefaults(a)

	const insertQuery = `
		INSERT INTO assignments
		(prompt_id, record_id, family_id, tier, similarity,
		 registry_version, assigned_by, created_at, created_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	const updateQuery = `
		UPDATE prompts
		SET state = ?, family_id = ?, tier = ?, similarity = ?, updated_at_epoch = ?
		WHERE id = ?
	`

	var id int64
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, insertQuery,
			a.PromptID, a.RecordID, a.FamilyID, string(a.Tier), a.Similarity,
			a.RegistryVersion, string(a.AssignedBy), a.CreatedAt, a.CreatedAtEpoch,
		)
		if err != nil {
			return err
		}
		id, err = result.LastInsertId()
		if err != nil {
			return err
		}

		state := models.StateForTier(a.Tier)
		_, err = tx.ExecContext(ctx, updateQuery,
			string(state), a.FamilyID, string(a.Tier), a.Similarity,
			time.Now().UnixMilli(), a.PromptID,
		)
		return err
	})
	if err != nil {
		return 0, err
	}

	a.ID = id
	return id, nil
}

// GetAssignmentsByPrompt retrieves a prompt's assignment history, newest
// first.
func (s *AssignmentStore) GetAssignmentsByPrompt(ctx context.Context, promptID int64, limit int) ([]*models.Assignment, error) {
	const query = `
		SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE prompt_id = ?
		ORDER BY created_at_epoch DESC, id DESC
		LIMIT ?
	`

	rows, err := s.store.QueryContext(ctx, query, promptID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAssignmentRows(rows)
}

// GetFlaggedAssignments retrieves suggest_merge decisions for a registry
// version, oldest first. This is the human review queue.
func (s *AssignmentStore) GetFlaggedAssignments(ctx context.Context, registryVersion int64, limit int) ([]*models.Assignment, error) {
	const query = `
		SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE tier = 'suggest_merge' AND registry_version = ?
		ORDER BY created_at_epoch ASC, id ASC
		LIMIT ?
	`

	rows, err := s.store.QueryContext(ctx, query, registryVersion, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAssignmentRows(rows)
}

// CountAssignmentsByTier returns assignment counts per decision tier for a
// registry version.
func (s *AssignmentStore) CountAssignmentsByTier(ctx context.Context, registryVersion int64) (map[models.DecisionTier]int64, error) {
	const query = `
		SELECT tier, COUNT(*)
		FROM assignments
		WHERE registry_version = ?
		GROUP BY tier
	`

	rows, err := s.store.QueryContext(ctx, query, registryVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.DecisionTier]int64)
	for rows.Next() {
		var tier string
		var count int64
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, err
		}
		counts[models.DecisionTier(tier)] = count
	}
	return counts, rows.Err()
}

func fillAssignmentDefaults(a *models.Assignment) {
	now := time.Now()
	if a.CreatedAt == "" {
		a.CreatedAt = now.Format(time.RFC3339)
	}
	if a.CreatedAtEpoch == 0 {
		a.CreatedAtEpoch = now.UnixMilli()
	}
}

// scanAssignment scans a single assignment row in assignmentColumns order.
func scanAssignment(row rowScanner) (*models.Assignment, error) {
	var a models.Assignment
	var tier, assignedBy string

	err := row.Scan(
		&a.ID, &a.PromptID, &a.RecordID, &a.FamilyID, &tier, &a.Similarity,
		&a.RegistryVersion, &assignedBy, &a.CreatedAt, &a.CreatedAtEpoch,
	)
	if err != nil {
		return nil, err
	}

	a.Tier = models.DecisionTier(tier)
	a.AssignedBy = models.AssignedBy(assignedBy)
	return &a, nil
}

// scanAssignmentRows scans all assignment rows from a result set.
func scanAssignmentRows(rows *sql.Rows) ([]*models.Assignment, error) {
	var assignments []*models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}
