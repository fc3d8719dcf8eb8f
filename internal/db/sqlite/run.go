package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/thebtf/taxon/pkg/models"
)

// runColumns is the canonical select list for processing run rows.
const runColumns = `
	id, run_id, kind, status, stats, error, registry_version,
	started_at_epoch, finished_at_epoch
`

// RunStore provides processing run database operations.
type RunStore struct {
	store *Store
}

// NewRunStore creates a new run store.
func NewRunStore(store *Store) *RunStore {
	return &RunStore{store: store}
}

// CreateRun records the start of a pipeline run.
func (s *RunStore) CreateRun(ctx context.Context, run *models.ProcessingRun) (int64, error) {
	if run.StartedAtEpoch == 0 {
		run.StartedAtEpoch = time.Now().UnixMilli()
	}
	if run.Status == "" {
		run.Status = models.RunStatusRunning
	}

	const query = `
		INSERT INTO processing_runs
		(run_id, kind, status, stats, error, registry_version, started_at_epoch, finished_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.store.ExecContext(ctx, query,
		run.RunID, string(run.Kind), string(run.Status), run.StatsJSON,
		run.Error, run.RegistryVersion, run.StartedAtEpoch, run.FinishedAtEpoch,
	)
	if err != nil {
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	run.ID = id
	return id, nil
}

// FinishRun records a run's terminal status, stats, and timing.
func (s *RunStore) FinishRun(ctx context.Context, run *models.ProcessingRun) error {
	const query = `
		UPDATE processing_runs
		SET status = ?, stats = ?, error = ?, registry_version = ?, finished_at_epoch = ?
		WHERE run_id = ?
	`

	_, err := s.store.ExecContext(ctx, query,
		string(run.Status), run.StatsJSON, run.Error, run.RegistryVersion,
		run.FinishedAtEpoch, run.RunID,
	)
	return err
}

// PruneRuns deletes finished runs started before the given epoch. Running
// runs are never pruned.
func (s *RunStore) PruneRuns(ctx context.Context, olderThanEpoch int64) (int64, error) {
	const query = `
		DELETE FROM processing_runs
		WHERE started_at_epoch < ? AND status != 'running'
	`

	result, err := s.store.ExecContext(ctx, query, olderThanEpoch)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetRunByRunID retrieves a run by its external run id.
// Returns nil without error when the run does not exist.
func (s *RunStore) GetRunByRunID(ctx context.Context, runID string) (*models.ProcessingRun, error) {
	const query = `SELECT ` + runColumns + ` FROM processing_runs WHERE run_id = ?`

	r, err := scanRun(s.store.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// GetRecentRuns retrieves the most recent runs, newest first. An empty kind
// returns runs of both tiers.
func (s *RunStore) GetRecentRuns(ctx context.Context, kind models.RunKind, limit int) ([]*models.ProcessingRun, error) {
	var rows *sql.Rows
	var err error

	if kind == "" {
		const query = `
			SELECT ` + runColumns + `
			FROM processing_runs
			ORDER BY started_at_epoch DESC
			LIMIT ?
		`
		rows, err = s.store.QueryContext(ctx, query, limit)
	} else {
		const query = `
			SELECT ` + runColumns + `
			FROM processing_runs
			WHERE kind = ?
			ORDER BY started_at_epoch DESC
			LIMIT ?
		`
		rows, err = s.store.QueryContext(ctx, query, string(kind), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRunRows(rows)
}

// GetLastRun retrieves the most recent run of a kind with the given status.
// Returns nil without error when no such run exists.
func (s *RunStore) GetLastRun(ctx context.Context, kind models.RunKind, status models.RunStatus) (*models.ProcessingRun, error) {
	const query = `
		SELECT ` + runColumns + `
		FROM processing_runs
		WHERE kind = ? AND status = ?
		ORDER BY started_at_epoch DESC
		LIMIT 1
	`

	r, err := scanRun(s.store.QueryRowContext(ctx, query, string(kind), string(status)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// scanRun scans a single run row in runColumns order.
func scanRun(row rowScanner) (*models.ProcessingRun, error) {
	var r models.ProcessingRun
	var kind, status string
	var stats sql.NullString

	err := row.Scan(
		&r.ID, &r.RunID, &kind, &status, &stats, &r.Error,
		&r.RegistryVersion, &r.StartedAtEpoch, &r.FinishedAtEpoch,
	)
	if err != nil {
		return nil, err
	}

	r.Kind = models.RunKind(kind)
	r.Status = models.RunStatus(status)
	r.StatsJSON = stats.String
	return &r, nil
}

// scanRunRows scans all run rows from a result set.
func scanRunRows(rows *sql.Rows) ([]*models.ProcessingRun, error) {
	var runs []*models.ProcessingRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
