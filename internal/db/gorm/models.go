// Package gorm provides GORM-based database operations for taxon.
package gorm

import (
	"database/sql"
	"time"

	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/thebtf/taxon/pkg/models"
)

// GORM Models
//
// The embedding and centroid columns are pgvector columns added by raw-SQL
// migrations (the dimension count is configuration), so AutoMigrate skips
// them via -:migration.

// Prompt represents a stored prompt record.
// SimHash is persisted as a signed integer; conversions are bit-for-bit.
type Prompt struct {
	Metadata       models.JSONStringMap `gorm:"type:jsonb"`
	RecordID       string               `gorm:"uniqueIndex;not null"`
	Text           string               `gorm:"type:text;not null"`
	DedupHash      string               `gorm:"uniqueIndex:idx_prompts_dedup_unique;not null"`
	Source         string               `gorm:"type:text;check:source IN ('api', 'jsonl', 'template');default:'api'"`
	State          string               `gorm:"type:text;check:state IN ('pending', 'assigned', 'flagged', 'unclustered');default:'pending';index:idx_prompts_state;index:idx_prompts_state_created,priority:1"`
	ModelVersion   string               `gorm:"index:idx_prompts_model_version"`
	CreatedAt      string               `gorm:"not null"`
	RawText        sql.NullString       `gorm:"type:text"`
	FamilyID       sql.NullString       `gorm:"index:idx_prompts_family"`
	Tier           sql.NullString
	Similarity     sql.NullFloat64
	Embedding      *pgvec.Vector `gorm:"column:embedding;-:migration"`
	ID             int64         `gorm:"primaryKey;autoIncrement"`
	SimHash        int64         `gorm:"column:simhash;default:0"`
	CreatedAtEpoch int64         `gorm:"index:idx_prompts_created,sort:desc;index:idx_prompts_state_created,priority:2;not null"`
	UpdatedAtEpoch int64         `gorm:"not null"`
}

func (Prompt) TableName() string { return "prompts" }

// BeforeCreate hook to ensure defaults are set.
func (p *Prompt) BeforeCreate(tx *gorm.DB) error {
	if p.CreatedAtEpoch == 0 {
		p.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if p.CreatedAt == "" {
		p.CreatedAt = time.Now().Format(time.RFC3339)
	}
	if p.UpdatedAtEpoch == 0 {
		p.UpdatedAtEpoch = p.CreatedAtEpoch
	}
	if p.State == "" {
		p.State = string(models.PromptStatePending)
	}
	return nil
}

// Family represents a prompt family discovered by a batch run.
type Family struct {
	FamilyID       string         `gorm:"uniqueIndex;not null"`
	Name           string         `gorm:"type:text;not null"`
	Status         string         `gorm:"type:text;check:status IN ('active', 'superseded');default:'active';index:idx_families_status;index:idx_families_status_version,priority:1"`
	CreatedAt      string         `gorm:"not null"`
	Description    sql.NullString `gorm:"type:text"`
	Centroid       *pgvec.Vector  `gorm:"column:centroid;-:migration"`
	MemberCount    int            `gorm:"default:0"`
	Cohesion       float64        `gorm:"default:0"`
	ID             int64          `gorm:"primaryKey;autoIncrement"`
	RegistryVers   int64          `gorm:"column:registry_version;index:idx_families_version;index:idx_families_status_version,priority:2;not null"`
	CreatedAtEpoch int64          `gorm:"index:idx_families_created,sort:desc;not null"`
	UpdatedAtEpoch int64          `gorm:"not null"`
}

func (Family) TableName() string { return "families" }

// BeforeCreate hook to ensure timestamps are set.
func (f *Family) BeforeCreate(tx *gorm.DB) error {
	if f.CreatedAtEpoch == 0 {
		f.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if f.CreatedAt == "" {
		f.CreatedAt = time.Now().Format(time.RFC3339)
	}
	if f.UpdatedAtEpoch == 0 {
		f.UpdatedAtEpoch = f.CreatedAtEpoch
	}
	return nil
}

// Assignment is one row of the per-prompt decision audit trail.
type Assignment struct {
	RecordID       string         `gorm:"index;not null"`
	Tier           string         `gorm:"type:text;check:tier IN ('auto_merge', 'suggest_merge', 'new_family', 'none');not null;index:idx_assignments_tier_version,priority:1"`
	AssignedBy     string         `gorm:"type:text;check:assigned_by IN ('batch', 'incremental');not null"`
	CreatedAt      string         `gorm:"not null"`
	FamilyID       sql.NullString `gorm:"index:idx_assignments_family"`
	ID             int64          `gorm:"primaryKey;autoIncrement"`
	PromptID       int64          `gorm:"index:idx_assignments_prompt;not null"`
	Similarity     float64        `gorm:"default:0"`
	RegistryVers   int64          `gorm:"column:registry_version;index:idx_assignments_version;index:idx_assignments_tier_version,priority:2;not null"`
	CreatedAtEpoch int64          `gorm:"index:idx_assignments_created,sort:desc;not null"`
}

func (Assignment) TableName() string { return "assignments" }

// BeforeCreate hook to ensure timestamps are set.
func (a *Assignment) BeforeCreate(tx *gorm.DB) error {
	if a.CreatedAtEpoch == 0 {
		a.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// ProcessingRun records one batch or incremental pipeline execution.
type ProcessingRun struct {
	RunID           string         `gorm:"uniqueIndex;not null"`
	Kind            string         `gorm:"type:text;check:kind IN ('batch', 'incremental');index:idx_runs_kind;index:idx_runs_kind_started,priority:1;not null"`
	Status          string         `gorm:"type:text;check:status IN ('running', 'completed', 'failed');default:'running';index:idx_runs_status"`
	Stats           string         `gorm:"type:text"`
	Error           sql.NullString `gorm:"type:text"`
	RegistryVers    sql.NullInt64  `gorm:"column:registry_version"`
	ID              int64          `gorm:"primaryKey;autoIncrement"`
	StartedAtEpoch  int64          `gorm:"index:idx_runs_started,sort:desc;index:idx_runs_kind_started,priority:2,sort:desc;not null"`
	FinishedAtEpoch sql.NullInt64
}

func (ProcessingRun) TableName() string { return "processing_runs" }

// BeforeCreate hook to ensure the start timestamp is set.
func (r *ProcessingRun) BeforeCreate(tx *gorm.DB) error {
	if r.StartedAtEpoch == 0 {
		r.StartedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}

// RegistrySnapshot is one committed registry version. Entries holds the
// marshaled family rows including centroids; version is assigned by the
// swap, never by the database.
type RegistrySnapshot struct {
	RunID          string `gorm:"index;not null"`
	ModelVersion   string `gorm:"not null"`
	Entries        []byte `gorm:"type:jsonb;not null"`
	Version        int64  `gorm:"primaryKey;autoIncrement:false"`
	Dimensions     int    `gorm:"not null"`
	FamilyCount    int    `gorm:"default:0"`
	CreatedAtEpoch int64  `gorm:"index:idx_registry_created,sort:desc;not null"`
}

func (RegistrySnapshot) TableName() string { return "registry_snapshots" }

// BeforeCreate hook to ensure the commit timestamp is set.
func (s *RegistrySnapshot) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedAtEpoch == 0 {
		s.CreatedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}

// LineageEdge links a superseded family to its successor.
type LineageEdge struct {
	ParentFamilyID string  `gorm:"index:idx_lineage_parent;not null"`
	ChildFamilyID  string  `gorm:"index:idx_lineage_child;not null"`
	MutationType   string  `gorm:"type:text;check:mutation_type IN ('minor_edit', 'moderate_change', 'major_change');not null"`
	ID             int64   `gorm:"primaryKey;autoIncrement"`
	Similarity     float64 `gorm:"default:0"`
	RegistryVers   int64   `gorm:"column:registry_version;index:idx_lineage_version;not null"`
	CreatedAtEpoch int64   `gorm:"not null"`
}

func (LineageEdge) TableName() string { return "lineage_edges" }

// BeforeCreate hook to ensure the timestamp is set.
func (e *LineageEdge) BeforeCreate(tx *gorm.DB) error {
	if e.CreatedAtEpoch == 0 {
		e.CreatedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}
