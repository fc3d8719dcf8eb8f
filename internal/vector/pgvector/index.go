// Package pgvector provides a PostgreSQL+pgvector retrieval index for taxon.
//
// The index keeps its own table, synced from the prompt store, so it works
// the same whether the primary store is PostgreSQL or SQLite. Searches use
// the cosine distance operator over an ivfflat index; approximate recall is
// fine here because classification never reads this index.
package pgvector

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvec "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/taxon/internal/vector"
)

// Config holds configuration for the pgvector index.
type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string
	// Dimensions sizes the vector column. Fixed once the table exists.
	Dimensions int
	// ModelVersion scopes searches to embeddings from one model.
	ModelVersion string
}

// Index is a retrieval index backed by a pgvector table.
type Index struct {
	pool         *pgxpool.Pool
	modelVersion string
	logger       zerolog.Logger
}

// NewIndex connects to PostgreSQL, ensures the retrieval table exists and
// returns the index.
func NewIndex(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pgvector index: DSN is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("pgvector index: dimensions must be positive, got %d", cfg.Dimensions)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse pgvector DSN: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect pgvector pool: %w", err)
	}

	idx := &Index{
		pool:         pool,
		modelVersion: cfg.ModelVersion,
		logger:       log.With().Str("component", "pgvector-index").Logger(),
	}

	if err := idx.ensureSchema(ctx, cfg.Dimensions); err != nil {
		pool.Close()
		return nil, err
	}

	return idx, nil
}

// ensureSchema creates the retrieval table and its ivfflat index.
func (idx *Index) ensureSchema(ctx context.Context, dims int) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS retrieval_vectors (
				prompt_id BIGINT PRIMARY KEY,
				record_id TEXT NOT NULL,
				embedding vector(%d) NOT NULL,
				model_version TEXT NOT NULL,
				updated_at_epoch BIGINT NOT NULL DEFAULT 0
			)`, dims),
		`CREATE INDEX IF NOT EXISTS idx_retrieval_vectors_model ON retrieval_vectors (model_version)`,
	}
	for _, stmt := range statements {
		if _, err := idx.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure retrieval schema: %w", err)
		}
	}

	// ivfflat needs data to pick useful centroids; creation still succeeds
	// on an empty table, and Postgres ignores the duplicate on restart.
	_, err := idx.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_retrieval_vectors_embedding
		 ON retrieval_vectors USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`)
	if err != nil {
		idx.logger.Warn().Err(err).Msg("Failed to create ivfflat index, searches fall back to sequential scan")
	}
	return nil
}

// Insert adds or replaces a single entry.
func (idx *Index) Insert(ctx context.Context, entry vector.Entry) error {
	return idx.InsertBatch(ctx, []vector.Entry{entry})
}

// InsertBatch upserts a batch of entries in one round trip.
func (idx *Index) InsertBatch(ctx context.Context, entries []vector.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	const query = `
		INSERT INTO retrieval_vectors (prompt_id, record_id, embedding, model_version, updated_at_epoch)
		VALUES ($1, $2, $3, $4, (EXTRACT(EPOCH FROM now()) * 1000)::bigint)
		ON CONFLICT (prompt_id) DO UPDATE SET
			record_id = EXCLUDED.record_id,
			embedding = EXCLUDED.embedding,
			model_version = EXCLUDED.model_version,
			updated_at_epoch = EXCLUDED.updated_at_epoch
	`

	batch := &pgx.Batch{}
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			return fmt.Errorf("insert prompt %d: empty embedding", e.PromptID)
		}
		batch.Queue(query, e.PromptID, e.RecordID, pgvec.NewVector(e.Embedding), idx.modelVersion)
	}

	results := idx.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert retrieval vectors: %w", err)
		}
	}
	return nil
}

// Remove drops entries by prompt id. Unknown ids are ignored.
func (idx *Index) Remove(ctx context.Context, promptIDs []int64) error {
	if len(promptIDs) == 0 {
		return nil
	}

	_, err := idx.pool.Exec(ctx,
		`DELETE FROM retrieval_vectors WHERE prompt_id = ANY($1)`, promptIDs)
	if err != nil {
		return fmt.Errorf("remove retrieval vectors: %w", err)
	}
	return nil
}

// Rebuild replaces the whole index inside one transaction: truncate, then
// bulk-load with COPY. Batch runs call this after an epoch commit.
func (idx *Index) Rebuild(ctx context.Context, entries []vector.Entry) error {
	tx, err := idx.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE retrieval_vectors`); err != nil {
		return fmt.Errorf("truncate retrieval vectors: %w", err)
	}

	rows := make([]vector.Entry, 0, len(entries))
	for _, e := range entries {
		if len(e.Embedding) > 0 {
			rows = append(rows, e)
		}
	}

	if len(rows) > 0 {
		now := nowEpochMilli()
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"retrieval_vectors"},
			[]string{"prompt_id", "record_id", "embedding", "model_version", "updated_at_epoch"},
			pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
				e := rows[i]
				return []any{e.PromptID, e.RecordID, pgvec.NewVector(e.Embedding), idx.modelVersion, now}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy retrieval vectors: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}

	idx.logger.Info().Int("vectors", len(rows)).Msg("Rebuilt retrieval index")
	return nil
}

// Search returns the k nearest entries by cosine similarity, scoped to the
// current model version.
func (idx *Index) Search(ctx context.Context, query []float32, k int) ([]vector.Match, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}
	if k <= 0 {
		return nil, nil
	}

	const sqlQuery = `
		SELECT prompt_id, record_id, embedding <=> $1 AS distance
		FROM retrieval_vectors
		WHERE model_version = $2
		ORDER BY distance ASC, prompt_id ASC
		LIMIT $3
	`

	rows, err := idx.pool.Query(ctx, sqlQuery, pgvec.NewVector(query), idx.modelVersion, k)
	if err != nil {
		return nil, fmt.Errorf("search retrieval vectors: %w", err)
	}
	defer rows.Close()

	var matches []vector.Match
	for rows.Next() {
		var m vector.Match
		var distance float64
		if err := rows.Scan(&m.PromptID, &m.RecordID, &distance); err != nil {
			return nil, fmt.Errorf("scan retrieval match: %w", err)
		}
		m.Similarity = vector.DistanceToSimilarity(distance)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Count returns the number of indexed entries.
func (idx *Index) Count(ctx context.Context) (int64, error) {
	var count int64
	err := idx.pool.QueryRow(ctx, `SELECT COUNT(*) FROM retrieval_vectors`).Scan(&count)
	return count, err
}

// StaleCount returns how many vectors carry a different model version than
// the index serves. Nonzero means a rebuild is due.
func (idx *Index) StaleCount(ctx context.Context) (int64, error) {
	var count int64
	err := idx.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM retrieval_vectors WHERE model_version != $1`,
		idx.modelVersion).Scan(&count)
	return count, err
}

// Ping checks the pool connection.
func (idx *Index) Ping(ctx context.Context) error {
	return idx.pool.Ping(ctx)
}

// Close releases the connection pool.
func (idx *Index) Close() error {
	idx.pool.Close()
	return nil
}

// Compile-time check: Index must satisfy vector.Index.
var _ vector.Index = (*Index)(nil)

// nowEpochMilli returns the current time in epoch milliseconds, matching the
// epoch columns in the primary store.
func nowEpochMilli() int64 {
	return time.Now().UnixMilli()
}
