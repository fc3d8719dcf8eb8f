// Package gorm provides GORM-based database operations for taxon.
package gorm

import (
	"database/sql"
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate. embeddingDims
// sizes the pgvector columns; it is fixed once the first migration runs, so
// changing the embedding model dimensionality needs a fresh database.
func runMigrations(db *gorm.DB, sqlDB *sql.DB, embeddingDims int) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: pgvector extension
		{
			ID: "001_pgvector_extension",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP EXTENSION IF EXISTS vector").Error
			},
		},

		// Migration 002: Core tables (Prompt, Family, ProcessingRun)
		{
			ID: "002_core_tables",
			Migrate: func(tx *gorm.DB) error {
				// AutoMigrate creates tables with all indexes from struct tags
				if err := tx.AutoMigrate(&Prompt{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&Family{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&ProcessingRun{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("prompts", "families", "processing_runs")
			},
		},

		// Migration 003: Assignment audit trail
		{
			ID: "003_assignments",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Assignment{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("assignments")
			},
		},

		// Migration 004: Registry snapshots
		{
			ID: "004_registry_snapshots",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&RegistrySnapshot{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("registry_snapshots")
			},
		},

		// Migration 005: Lineage edges
		{
			ID: "005_lineage_edges",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&LineageEdge{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("lineage_edges")
			},
		},

		// Migration 006: pgvector columns
		// Added by raw SQL because the dimension count comes from configuration.
		{
			ID: "006_vector_columns",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					fmt.Sprintf("ALTER TABLE prompts ADD COLUMN IF NOT EXISTS embedding vector(%d)", embeddingDims),
					fmt.Sprintf("ALTER TABLE families ADD COLUMN IF NOT EXISTS centroid vector(%d)", embeddingDims),
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				sqls := []string{
					"ALTER TABLE prompts DROP COLUMN IF EXISTS embedding",
					"ALTER TABLE families DROP COLUMN IF EXISTS centroid",
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
		},

		// Migration 007: ANN index for retrieval
		// HNSW over cosine distance; the retrieval index queries with <=>.
		{
			ID: "007_embedding_ann_index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_prompts_embedding_hnsw
					ON prompts USING hnsw (embedding vector_cosine_ops)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_prompts_embedding_hnsw").Error
			},
		},

		// Migration 008: Query optimization indexes
		// Adds partial and composite indexes for common query patterns
		{
			ID: "008_query_optimization_indexes",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					// Pending queue scan for the incremental pipeline
					`CREATE INDEX IF NOT EXISTS idx_prompts_pending_queue
					 ON prompts(created_at_epoch)
					 WHERE state = 'pending'`,

					// Corpus scan: embedded prompts for the current model version
					`CREATE INDEX IF NOT EXISTS idx_prompts_embedded
					 ON prompts(model_version, id)
					 WHERE embedding IS NOT NULL`,

					// Active family lookups by registry version
					`CREATE INDEX IF NOT EXISTS idx_families_active_version
					 ON families(registry_version DESC)
					 WHERE status = 'active'`,

					// Review queue: flagged assignments per registry version
					`CREATE INDEX IF NOT EXISTS idx_assignments_flagged
					 ON assignments(registry_version, created_at_epoch DESC)
					 WHERE tier = 'suggest_merge'`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						// Non-fatal: index may already exist or fail for benign reasons
						continue
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				sqls := []string{
					"DROP INDEX IF EXISTS idx_prompts_pending_queue",
					"DROP INDEX IF EXISTS idx_prompts_embedded",
					"DROP INDEX IF EXISTS idx_families_active_version",
					"DROP INDEX IF EXISTS idx_assignments_flagged",
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
		},
	})

	return m.Migrate()
}
