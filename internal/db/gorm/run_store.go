// Package gorm provides GORM-based database operations for taxon.
package gorm

import (
	"context"

	"gorm.io/gorm"

	"github.com/thebtf/taxon/pkg/models"
)

// RunStore provides processing-run database operations using GORM.
type RunStore struct {
	db *gorm.DB
}

// NewRunStore creates a new run store.
func NewRunStore(store *Store) *RunStore {
	return &RunStore{db: store.DB}
}

// CreateRun inserts a run record in its starting state.
func (s *RunStore) CreateRun(ctx context.Context, run *models.ProcessingRun) (int64, error) {
	row := runFromModel(run)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return 0, err
	}
	run.ID = row.ID
	run.StartedAtEpoch = row.StartedAtEpoch
	return row.ID, nil
}

// FinishRun persists a run's terminal status, stats and error.
func (s *RunStore) FinishRun(ctx context.Context, run *models.ProcessingRun) error {
	return s.db.WithContext(ctx).Model(&ProcessingRun{}).
		Where("run_id = ?", run.RunID).
		Updates(map[string]any{
			"status":            string(run.Status),
			"stats":             run.StatsJSON,
			"error":             run.Error,
			"registry_version":  run.RegistryVersion,
			"finished_at_epoch": run.FinishedAtEpoch,
		}).Error
}

// PruneRuns deletes finished runs older than the given epoch. Running rows
// are kept regardless of age.
func (s *RunStore) PruneRuns(ctx context.Context, olderThanEpoch int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("started_at_epoch < ? AND status <> ?", olderThanEpoch, string(models.RunStatusRunning)).
		Delete(&ProcessingRun{})
	return result.RowsAffected, result.Error
}

// GetRunByRunID retrieves a run by its public run id.
func (s *RunStore) GetRunByRunID(ctx context.Context, runID string) (*models.ProcessingRun, error) {
	var row ProcessingRun
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return runToModel(&row), nil
}

// GetRecentRuns retrieves recent runs, newest first. An empty kind returns
// runs of both tiers.
func (s *RunStore) GetRecentRuns(ctx context.Context, kind models.RunKind, limit int) ([]*models.ProcessingRun, error) {
	var rows []ProcessingRun
	query := s.db.WithContext(ctx).Order("started_at_epoch DESC, id DESC")
	if kind != "" {
		query = query.Where("kind = ?", string(kind))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	runs := make([]*models.ProcessingRun, len(rows))
	for i := range rows {
		runs[i] = runToModel(&rows[i])
	}
	return runs, nil
}

// GetLastRun retrieves the most recent run of a kind with the given status.
func (s *RunStore) GetLastRun(ctx context.Context, kind models.RunKind, status models.RunStatus) (*models.ProcessingRun, error) {
	var row ProcessingRun
	err := s.db.WithContext(ctx).
		Where("kind = ? AND status = ?", string(kind), string(status)).
		Order("started_at_epoch DESC, id DESC").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return runToModel(&row), nil
}

// runFromModel converts a domain run to its GORM row.
func runFromModel(r *models.ProcessingRun) *ProcessingRun {
	return &ProcessingRun{
		ID:              r.ID,
		RunID:           r.RunID,
		Kind:            string(r.Kind),
		Status:          string(r.Status),
		Stats:           r.StatsJSON,
		Error:           r.Error,
		RegistryVers:    r.RegistryVersion,
		StartedAtEpoch:  r.StartedAtEpoch,
		FinishedAtEpoch: r.FinishedAtEpoch,
	}
}

// runToModel converts a GORM row to the domain run.
func runToModel(row *ProcessingRun) *models.ProcessingRun {
	return &models.ProcessingRun{
		ID:              row.ID,
		RunID:           row.RunID,
		Kind:            models.RunKind(row.Kind),
		Status:          models.RunStatus(row.Status),
		StatsJSON:       row.Stats,
		Error:           row.Error,
		RegistryVersion: row.RegistryVers,
		StartedAtEpoch:  row.StartedAtEpoch,
		FinishedAtEpoch: row.FinishedAtEpoch,
	}
}
