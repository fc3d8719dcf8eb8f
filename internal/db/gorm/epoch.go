// Package gorm provides GORM-based database operations for taxon.
package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/taxon/internal/db"
	"github.com/thebtf/taxon/pkg/models"
)

// ApplyEpoch applies a batch run's full output in a single transaction:
// retire the previous epoch's families, insert the new ones, append the
// assignment audit rows, move every covered prompt to its new state, and
// record lineage. The registry snapshot is committed separately afterwards;
// it is the durable commit point readers load from, so a crash between the
// two steps leaves table rows the next successful epoch supersedes.
func (d *DB) ApplyEpoch(ctx context.Context, epoch *db.EpochCommit) error {
	if epoch == nil {
		return fmt.Errorf("epoch cannot be nil")
	}

	return d.Store.TransactionWithTimeout(ctx, SlowQueryTimeout, func(tx *gorm.DB) error {
		// 1. Retire the previous epoch
		err := tx.Model(&Family{}).
			Where("status = ? AND registry_version < ?", string(models.FamilyStatusActive), epoch.RegistryVersion).
			Updates(map[string]any{
				"status":           string(models.FamilyStatusSuperseded),
				"updated_at_epoch": time.Now().UnixMilli(),
			}).Error
		if err != nil {
			return fmt.Errorf("supersede families: %w", err)
		}

		// 2. Insert the new families. The conflict arm reactivates rows
		// whose id the continuity policy carried forward, keeping their
		// original creation timestamps.
		if len(epoch.Families) > 0 {
			rows := make([]*Family, len(epoch.Families))
			for i, f := range epoch.Families {
				rows[i] = familyFromModel(f)
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "family_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"name", "description", "status", "centroid",
					"member_count", "cohesion", "registry_version", "updated_at_epoch",
				}),
			}).CreateInBatches(rows, 100).Error
			if err != nil {
				return fmt.Errorf("create families: %w", err)
			}
		}

		// 3. Append the assignment audit rows
		if len(epoch.Assignments) > 0 {
			rows := make([]*Assignment, len(epoch.Assignments))
			for i, a := range epoch.Assignments {
				rows[i] = assignmentFromModel(a)
			}
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return fmt.Errorf("create assignments: %w", err)
			}
		}

		// 4. Move every covered prompt to its new state in one statement,
		// driven by the assignment rows just inserted
		err = tx.Exec(`UPDATE prompts SET
				state = CASE a.tier
					WHEN 'auto_merge' THEN 'assigned'
					WHEN 'suggest_merge' THEN 'flagged'
					ELSE 'unclustered'
				END,
				family_id = a.family_id,
				tier = a.tier,
				similarity = a.similarity,
				updated_at_epoch = ?
			FROM assignments a
			WHERE a.prompt_id = prompts.id
			  AND a.registry_version = ?
			  AND a.assigned_by = 'batch'`,
			time.Now().UnixMilli(), epoch.RegistryVersion).Error
		if err != nil {
			return fmt.Errorf("update prompt states: %w", err)
		}

		// 5. Record lineage
		if len(epoch.Lineage) > 0 {
			rows := make([]*LineageEdge, len(epoch.Lineage))
			for i, e := range epoch.Lineage {
				rows[i] = lineageFromModel(e)
			}
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return fmt.Errorf("create lineage edges: %w", err)
			}
		}

		return nil
	})
}
