// Package sqlite provides the embedded SQLite database backend for taxon.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations is the list of all database migrations in order. Versions
// are append-only: never edit a shipped migration, add a new one.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "core_schema",
		SQL: `
			-- Prompts (ingested records and their lifecycle state)
			CREATE TABLE IF NOT EXISTS prompts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				record_id TEXT UNIQUE NOT NULL,
				text TEXT NOT NULL,
				raw_text TEXT,
				dedup_hash TEXT UNIQUE NOT NULL,
				simhash INTEGER NOT NULL DEFAULT 0,
				source TEXT NOT NULL DEFAULT 'api' CHECK(source IN ('api', 'jsonl', 'template')),
				state TEXT NOT NULL DEFAULT 'pending' CHECK(state IN ('pending', 'assigned', 'flagged', 'unclustered')),
				family_id TEXT,
				tier TEXT,
				similarity REAL,
				embedding TEXT,
				model_version TEXT NOT NULL DEFAULT '',
				metadata TEXT,
				created_at TEXT NOT NULL,
				created_at_epoch INTEGER NOT NULL,
				updated_at_epoch INTEGER NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_prompts_state ON prompts(state);
			CREATE INDEX IF NOT EXISTS idx_prompts_state_created ON prompts(state, created_at_epoch);
			CREATE INDEX IF NOT EXISTS idx_prompts_family ON prompts(family_id);
			CREATE INDEX IF NOT EXISTS idx_prompts_model_version ON prompts(model_version);
			CREATE INDEX IF NOT EXISTS idx_prompts_created ON prompts(created_at_epoch DESC);

			-- Families (cluster identities per registry version)
			CREATE TABLE IF NOT EXISTS families (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				family_id TEXT UNIQUE NOT NULL,
				name TEXT NOT NULL,
				description TEXT,
				status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'superseded')),
				centroid TEXT,
				member_count INTEGER NOT NULL DEFAULT 0,
				cohesion REAL NOT NULL DEFAULT 0,
				registry_version INTEGER NOT NULL,
				created_at TEXT NOT NULL,
				created_at_epoch INTEGER NOT NULL,
				updated_at_epoch INTEGER NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_families_status_version ON families(status, registry_version);
			CREATE INDEX IF NOT EXISTS idx_families_version ON families(registry_version);

			-- Assignments (audit trail of classification decisions)
			CREATE TABLE IF NOT EXISTS assignments (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				prompt_id INTEGER NOT NULL,
				record_id TEXT NOT NULL DEFAULT '',
				family_id TEXT,
				tier TEXT NOT NULL CHECK(tier IN ('auto_merge', 'suggest_merge', 'new_family', 'none')),
				similarity REAL NOT NULL DEFAULT 0,
				registry_version INTEGER NOT NULL,
				assigned_by TEXT NOT NULL CHECK(assigned_by IN ('batch', 'incremental')),
				created_at TEXT NOT NULL,
				created_at_epoch INTEGER NOT NULL,
				FOREIGN KEY(prompt_id) REFERENCES prompts(id) ON DELETE CASCADE
			);

			CREATE INDEX IF NOT EXISTS idx_assignments_prompt ON assignments(prompt_id);
			CREATE INDEX IF NOT EXISTS idx_assignments_record ON assignments(record_id);
			CREATE INDEX IF NOT EXISTS idx_assignments_tier_version ON assignments(tier, registry_version);

			-- Processing runs (batch and incremental pipeline executions)
			CREATE TABLE IF NOT EXISTS processing_runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT UNIQUE NOT NULL,
				kind TEXT NOT NULL CHECK(kind IN ('batch', 'incremental')),
				status TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running', 'completed', 'failed')),
				stats TEXT,
				error TEXT,
				registry_version INTEGER,
				started_at_epoch INTEGER NOT NULL,
				finished_at_epoch INTEGER
			);

			CREATE INDEX IF NOT EXISTS idx_runs_kind_started ON processing_runs(kind, started_at_epoch);

			-- Registry snapshots (durable centroid registry versions)
			CREATE TABLE IF NOT EXISTS registry_snapshots (
				version INTEGER PRIMARY KEY,
				run_id TEXT NOT NULL,
				model_version TEXT NOT NULL,
				dimensions INTEGER NOT NULL,
				family_count INTEGER NOT NULL DEFAULT 0,
				entries TEXT NOT NULL,
				created_at_epoch INTEGER NOT NULL
			);

			-- Lineage edges (family continuity across registry versions)
			CREATE TABLE IF NOT EXISTS lineage_edges (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				parent_family_id TEXT NOT NULL,
				child_family_id TEXT NOT NULL,
				mutation_type TEXT NOT NULL CHECK(mutation_type IN ('minor_edit', 'moderate_change', 'major_change')),
				similarity REAL NOT NULL DEFAULT 0,
				registry_version INTEGER NOT NULL,
				created_at_epoch INTEGER NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_lineage_parent ON lineage_edges(parent_family_id);
			CREATE INDEX IF NOT EXISTS idx_lineage_child ON lineage_edges(child_family_id);
			CREATE INDEX IF NOT EXISTS idx_lineage_version ON lineage_edges(registry_version);
		`,
	},
	{
		Version: 2,
		Name:    "query_optimization_indexes",
		SQL: `
			-- Partial indexes for the hot pipeline queries
			CREATE INDEX IF NOT EXISTS idx_prompts_pending_queue ON prompts(created_at_epoch, id) WHERE state = 'pending';
			CREATE INDEX IF NOT EXISTS idx_prompts_embedded ON prompts(model_version, id) WHERE embedding IS NOT NULL;
			CREATE INDEX IF NOT EXISTS idx_assignments_flagged ON assignments(registry_version, id) WHERE tier = 'suggest_merge';
		`,
	},
}

// MigrationManager handles database schema migrations.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a new migration manager.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// EnsureSchemaVersionsTable creates the schema versions tracking table.
func (m *MigrationManager) EnsureSchemaVersionsTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER UNIQUE NOT NULL,
			applied_at TEXT NOT NULL
		);
	`
	_, err := m.db.Exec(query)
	return err
}

// GetAppliedVersions returns the set of applied migration versions.
func (m *MigrationManager) GetAppliedVersions() (map[int]bool, error) {
	applied := make(map[int]bool)

	rows, err := m.db.Query("SELECT version FROM schema_versions")
	if err != nil {
		return nil, fmt.Errorf("query schema versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// ApplyMigration applies a single migration in a transaction.
func (m *MigrationManager) ApplyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", migration.Version, migration.Name, err)
	}

	_, err = tx.Exec(
		"INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)",
		migration.Version,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration %d: %w", migration.Version, err)
	}

	return tx.Commit()
}

// RunMigrations applies all pending migrations in order.
func (m *MigrationManager) RunMigrations() error {
	if err := m.EnsureSchemaVersionsTable(); err != nil {
		return fmt.Errorf("ensure schema versions table: %w", err)
	}

	applied, err := m.GetAppliedVersions()
	if err != nil {
		return err
	}

	for _, migration := range Migrations {
		if applied[migration.Version] {
			continue
		}
		if err := m.ApplyMigration(migration); err != nil {
			return err
		}
	}

	return nil
}
