package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/thebtf/taxon/internal/db"
	"github.com/thebtf/taxon/pkg/models"
)

// ApplyEpoch applies a batch run's output in a single transaction: retire
// the previously active families, insert the new ones, append assignments,
// move every covered prompt to its new state, and record lineage. The
// registry snapshot is committed separately afterwards and is the durable
// commit point readers load from; a crash between the two leaves table rows
// the next successful epoch supersedes.
func (d *DB) ApplyEpoch(ctx context.Context, epoch *db.EpochCommit) error {
	// The conflict arm serves the family-continuity policy: a reused id
	// reactivates the existing row with its new centroid and version while
	// the original creation timestamps stay put.
	const familyQuery = `
		INSERT INTO families
		(family_id, name, description, status, centroid, member_count,
		 cohesion, registry_version, created_at, created_at_epoch, updated_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(family_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			status = excluded.status,
			centroid = excluded.centroid,
			member_count = excluded.member_count,
			cohesion = excluded.cohesion,
			registry_version = excluded.registry_version,
			updated_at_epoch = excluded.updated_at_epoch
	`

	const assignmentQuery = `
		INSERT INTO assignments
		(prompt_id, record_id, family_id, tier, similarity,
		 registry_version, assigned_by, created_at, created_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	const promptQuery = `
		UPDATE prompts
		SET state = ?, family_id = ?, tier = ?, similarity = ?, updated_at_epoch = ?
		WHERE id = ?
	`

	const lineageQuery = `
		INSERT INTO lineage_edges
		(parent_family_id, child_family_id, mutation_type, similarity, registry_version, created_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	return d.Store.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()

		_, err := tx.ExecContext(ctx,
			`UPDATE families SET status = 'superseded', updated_at_epoch = ? WHERE status = 'active' AND registry_version < ?`,
			now, epoch.RegistryVersion,
		)
		if err != nil {
			return fmt.Errorf("supersede families: %w", err)
		}

		for _, f := range epoch.Families {
			fillFamilyDefaults(f)
			_, err := tx.ExecContext(ctx, familyQuery,
				f.FamilyID, f.Name, f.Description, string(f.Status), f.Centroid,
				f.MemberCount, f.Cohesion, f.RegistryVersion,
				f.CreatedAt, f.CreatedAtEpoch, f.UpdatedAtEpoch,
			)
			if err != nil {
				return fmt.Errorf("insert family %s: %w", f.FamilyID, err)
			}
		}

		for _, a := range epoch.Assignments {
			fillAssignmentDefaults(a)
			result, err := tx.ExecContext(ctx, assignmentQuery,
				a.PromptID, a.RecordID, a.FamilyID, string(a.Tier), a.Similarity,
				a.RegistryVersion, string(a.AssignedBy), a.CreatedAt, a.CreatedAtEpoch,
			)
			if err != nil {
				return fmt.Errorf("insert assignment for prompt %d: %w", a.PromptID, err)
			}
			if id, err := result.LastInsertId(); err == nil {
				a.ID = id
			}

			state := models.StateForTier(a.Tier)
			_, err = tx.ExecContext(ctx, promptQuery,
				string(state), a.FamilyID, string(a.Tier), a.Similarity, now, a.PromptID,
			)
			if err != nil {
				return fmt.Errorf("move prompt %d: %w", a.PromptID, err)
			}
		}

		for _, e := range epoch.Lineage {
			if e.CreatedAtEpoch == 0 {
				e.CreatedAtEpoch = now
			}
			_, err := tx.ExecContext(ctx, lineageQuery,
				e.ParentFamilyID, e.ChildFamilyID, string(e.Mutation),
				e.Similarity, e.RegistryVersion, e.CreatedAtEpoch,
			)
			if err != nil {
				return fmt.Errorf("insert lineage edge: %w", err)
			}
		}

		return nil
	})
}
