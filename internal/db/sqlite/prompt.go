package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/thebtf/taxon/pkg/models"
)

// promptColumns is the canonical select list for prompt rows. Scan order in
// scanPrompt must match.
const promptColumns = `
	id, record_id, text, raw_text, dedup_hash, simhash, source, state,
	family_id, tier, similarity, embedding, model_version, metadata,
	created_at, created_at_epoch, updated_at_epoch
`

// PromptStore provides prompt-related database operations.
type PromptStore struct {
	store *Store
}

// NewPromptStore creates a new prompt store.
func NewPromptStore(store *Store) *PromptStore {
	return &PromptStore{store: store}
}

// SavePrompt inserts a prompt, deduplicating on dedup_hash.
// Uses INSERT OR IGNORE so re-ingesting the same record is idempotent.
// Returns the row id and whether a new row was created; duplicates return
// the existing row's id with created=false.
func (s *PromptStore) SavePrompt(ctx context.Context, p *models.Prompt) (int64, bool, error) {
	fillPromptDefaults(p)

	const query = `
		INSERT OR IGNORE INTO prompts
		(record_id, text, raw_text, dedup_hash, simhash, source, state,
		 family_id, tier, similarity, embedding, model_version, metadata,
		 created_at, created_at_epoch, updated_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.store.ExecContext(ctx, query, promptInsertArgs(p)...)
	if err != nil {
		return 0, false, err
	}

	// RowsAffected is 0 when the insert was ignored (duplicate dedup_hash);
	// LastInsertId is unreliable here because it keeps the connection's
	// previous value on an ignored insert.
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if affected == 0 {
		const selectQuery = `SELECT id FROM prompts WHERE dedup_hash = ?`
		var id int64
		if err := s.store.QueryRowContext(ctx, selectQuery, p.DedupHash).Scan(&id); err != nil {
			return 0, false, err
		}
		return id, false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	p.ID = id
	return id, true, nil
}

// SavePrompts inserts a batch of prompts in one transaction, skipping
// duplicates. Returns the number of rows actually created.
func (s *PromptStore) SavePrompts(ctx context.Context, prompts []*models.Prompt) (int64, error) {
	if len(prompts) == 0 {
		return 0, nil
	}

	const query = `
		INSERT OR IGNORE INTO prompts
		(record_id, text, raw_text, dedup_hash, simhash, source, state,
		 family_id, tier, similarity, embedding, model_version, metadata,
		 created_at, created_at_epoch, updated_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var created int64
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range prompts {
			fillPromptDefaults(p)
			result, err := stmt.ExecContext(ctx, promptInsertArgs(p)...)
			if err != nil {
				return err
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return err
			}
			if affected > 0 {
				id, err := result.LastInsertId()
				if err != nil {
					return err
				}
				p.ID = id
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// UpdatePromptEmbedding stores a computed embedding on a prompt record.
func (s *PromptStore) UpdatePromptEmbedding(ctx context.Context, id int64, embedding []float32, modelVersion string) error {
	const query = `
		UPDATE prompts
		SET embedding = ?, model_version = ?, updated_at_epoch = ?
		WHERE id = ?
	`

	_, err := s.store.ExecContext(ctx, query,
		models.JSONFloat32Slice(embedding), modelVersion, time.Now().UnixMilli(), id,
	)
	return err
}

// DeletePrompts removes prompt rows by id. Assignments cascade.
func (s *PromptStore) DeletePrompts(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := `DELETE FROM prompts WHERE id IN (?` + repeatPlaceholders(len(ids)-1) + `)`

	result, err := s.store.db.ExecContext(ctx, query, int64SliceToInterface(ids)...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetPromptByID retrieves a prompt by its row id.
// Returns nil without error when the prompt does not exist.
func (s *PromptStore) GetPromptByID(ctx context.Context, id int64) (*models.Prompt, error) {
	const query = `SELECT ` + promptColumns + ` FROM prompts WHERE id = ?`

	p, err := scanPrompt(s.store.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// GetPromptByRecordID retrieves a prompt by its external record id.
// Returns nil without error when the prompt does not exist.
func (s *PromptStore) GetPromptByRecordID(ctx context.Context, recordID string) (*models.Prompt, error) {
	const query = `SELECT ` + promptColumns + ` FROM prompts WHERE record_id = ?`

	p, err := scanPrompt(s.store.QueryRowContext(ctx, query, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// FindPromptByDedupHash retrieves a prompt by its dedup fingerprint.
// Returns nil without error when no prompt matches.
func (s *PromptStore) FindPromptByDedupHash(ctx context.Context, dedupHash string) (*models.Prompt, error) {
	const query = `SELECT ` + promptColumns + ` FROM prompts WHERE dedup_hash = ?`

	p, err := scanPrompt(s.store.QueryRowContext(ctx, query, dedupHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// GetPromptsByState retrieves prompts in a lifecycle state, oldest first.
// The ordering makes the pending queue FIFO.
func (s *PromptStore) GetPromptsByState(ctx context.Context, state models.PromptState, limit int) ([]*models.Prompt, error) {
	const query = `
		SELECT ` + promptColumns + `
		FROM prompts
		WHERE state = ?
		ORDER BY created_at_epoch ASC, id ASC
		LIMIT ?
	`

	rows, err := s.store.QueryContext(ctx, query, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPromptRows(rows)
}

// GetPromptsByFamily retrieves prompts assigned to a family, newest first.
func (s *PromptStore) GetPromptsByFamily(ctx context.Context, familyID string, limit int) ([]*models.Prompt, error) {
	const query = `
		SELECT ` + promptColumns + `
		FROM prompts
		WHERE family_id = ?
		ORDER BY created_at_epoch DESC
		LIMIT ?
	`

	rows, err := s.store.QueryContext(ctx, query, familyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPromptRows(rows)
}

// GetRecentPrompts retrieves the most recently ingested prompts.
func (s *PromptStore) GetRecentPrompts(ctx context.Context, limit int) ([]*models.Prompt, error) {
	const query = `
		SELECT ` + promptColumns + `
		FROM prompts
		ORDER BY created_at_epoch DESC
		LIMIT ?
	`

	rows, err := s.store.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPromptRows(rows)
}

// GetEmbeddedCorpus retrieves every prompt with an embedding from the given
// model version, ordered by id. The stable ordering keeps cluster numbering
// deterministic across runs over the same corpus.
func (s *PromptStore) GetEmbeddedCorpus(ctx context.Context, modelVersion string) ([]*models.Prompt, error) {
	const query = `
		SELECT ` + promptColumns + `
		FROM prompts
		WHERE embedding IS NOT NULL AND model_version = ?
		ORDER BY id ASC
	`

	rows, err := s.store.QueryContext(ctx, query, modelVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPromptRows(rows)
}

// GetPromptsMissingEmbedding retrieves prompts that still need an embedding
// from the given model version, oldest first.
func (s *PromptStore) GetPromptsMissingEmbedding(ctx context.Context, modelVersion string, limit int) ([]*models.Prompt, error) {
	const query = `
		SELECT ` + promptColumns + `
		FROM prompts
		WHERE embedding IS NULL OR model_version != ?
		ORDER BY created_at_epoch ASC, id ASC
		LIMIT ?
	`

	rows, err := s.store.QueryContext(ctx, query, modelVersion, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPromptRows(rows)
}

// CountPromptsByState returns the number of prompts in a lifecycle state.
func (s *PromptStore) CountPromptsByState(ctx context.Context, state models.PromptState) (int64, error) {
	const query = `SELECT COUNT(*) FROM prompts WHERE state = ?`

	var count int64
	err := s.store.QueryRowContext(ctx, query, string(state)).Scan(&count)
	return count, err
}

// GetStateCounts returns prompt counts grouped by lifecycle state.
func (s *PromptStore) GetStateCounts(ctx context.Context) (map[models.PromptState]int64, error) {
	const query = `SELECT state, COUNT(*) FROM prompts GROUP BY state`

	rows, err := s.store.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.PromptState]int64)
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[models.PromptState(state)] = count
	}
	return counts, rows.Err()
}

// CountPrompts returns the total number of prompt records.
func (s *PromptStore) CountPrompts(ctx context.Context) (int64, error) {
	const query = `SELECT COUNT(*) FROM prompts`

	var count int64
	err := s.store.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

// fillPromptDefaults backfills timestamps and the initial state so callers
// can insert hand-built models.
func fillPromptDefaults(p *models.Prompt) {
	now := time.Now()
	if p.CreatedAt == "" {
		p.CreatedAt = now.Format(time.RFC3339)
	}
	if p.CreatedAtEpoch == 0 {
		p.CreatedAtEpoch = now.UnixMilli()
	}
	if p.UpdatedAtEpoch == 0 {
		p.UpdatedAtEpoch = p.CreatedAtEpoch
	}
	if p.State == "" {
		p.State = models.PromptStatePending
	}
	if p.Source == "" {
		p.Source = models.SourceAPI
	}
}

// promptInsertArgs builds the VALUES arguments matching the insert column
// list. SimHash narrows to int64 for storage; the conversion is bit-exact.
func promptInsertArgs(p *models.Prompt) []interface{} {
	return []interface{}{
		p.RecordID, p.Text, p.RawText, p.DedupHash, int64(p.SimHash),
		string(p.Source), string(p.State), p.FamilyID, p.Tier, p.Similarity,
		p.Embedding, p.ModelVersion, p.Metadata,
		p.CreatedAt, p.CreatedAtEpoch, p.UpdatedAtEpoch,
	}
}

// scanPrompt scans a single prompt row in promptColumns order.
func scanPrompt(row rowScanner) (*models.Prompt, error) {
	var p models.Prompt
	var simhash int64
	var source, state string

	err := row.Scan(
		&p.ID, &p.RecordID, &p.Text, &p.RawText, &p.DedupHash, &simhash,
		&source, &state, &p.FamilyID, &p.Tier, &p.Similarity, &p.Embedding,
		&p.ModelVersion, &p.Metadata, &p.CreatedAt, &p.CreatedAtEpoch,
		&p.UpdatedAtEpoch,
	)
	if err != nil {
		return nil, err
	}

	p.SimHash = uint64(simhash)
	p.Source = models.PromptSource(source)
	p.State = models.PromptState(state)
	return &p, nil
}

// scanPromptRows scans all prompt rows from a result set.
func scanPromptRows(rows *sql.Rows) ([]*models.Prompt, error) {
	var prompts []*models.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}
