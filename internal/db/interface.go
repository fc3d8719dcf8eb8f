// Package db defines database interfaces for the taxon stores.
package db

import (
	"context"

	"github.com/thebtf/taxon/pkg/models"
)

// PromptReader defines read operations for prompt records.
type PromptReader interface {
	GetPromptByID(ctx context.Context, id int64) (*models.Prompt, error)
	GetPromptByRecordID(ctx context.Context, recordID string) (*models.Prompt, error)
	GetPromptsByState(ctx context.Context, state models.PromptState, limit int) ([]*models.Prompt, error)
	GetPromptsByFamily(ctx context.Context, familyID string, limit int) ([]*models.Prompt, error)
	GetRecentPrompts(ctx context.Context, limit int) ([]*models.Prompt, error)
	GetEmbeddedCorpus(ctx context.Context, modelVersion string) ([]*models.Prompt, error)
	GetPromptsMissingEmbedding(ctx context.Context, modelVersion string, limit int) ([]*models.Prompt, error)
	FindPromptByDedupHash(ctx context.Context, dedupHash string) (*models.Prompt, error)
	CountPromptsByState(ctx context.Context, state models.PromptState) (int64, error)
	GetStateCounts(ctx context.Context) (map[models.PromptState]int64, error)
	CountPrompts(ctx context.Context) (int64, error)
}

// PromptWriter defines write operations for prompt records.
type PromptWriter interface {
	// SavePrompt inserts a prompt, deduplicating on dedup_hash. Returns the
	// row id and whether a new row was created; a duplicate returns the
	// existing row's id with created=false.
	SavePrompt(ctx context.Context, prompt *models.Prompt) (int64, bool, error)
	SavePrompts(ctx context.Context, prompts []*models.Prompt) (int64, error)
	UpdatePromptEmbedding(ctx context.Context, id int64, embedding []float32, modelVersion string) error
	DeletePrompts(ctx context.Context, ids []int64) (int64, error)
}

// PromptStore combines read and write operations for prompt records.
type PromptStore interface {
	PromptReader
	PromptWriter
}

// FamilyReader defines read operations for prompt families.
type FamilyReader interface {
	GetFamilyByID(ctx context.Context, familyID string) (*models.Family, error)
	GetActiveFamilies(ctx context.Context) ([]*models.Family, error)
	GetFamiliesByVersion(ctx context.Context, registryVersion int64) ([]*models.Family, error)
	CountActiveFamilies(ctx context.Context) (int64, error)
}

// FamilyWriter defines write operations for prompt families.
type FamilyWriter interface {
	CreateFamilies(ctx context.Context, families []*models.Family) error
	SupersedeActiveFamilies(ctx context.Context, beforeVersion int64) (int64, error)
	UpdateFamilyName(ctx context.Context, familyID, name, description string) error
	// RefreshFamilyStats rewrites the derived member count and cohesion of
	// a family from its current membership.
	RefreshFamilyStats(ctx context.Context, familyID string, memberCount int, cohesion float64) error
	// PruneFamilies deletes superseded families from registry versions
	// older than beforeVersion. Active families are never pruned.
	PruneFamilies(ctx context.Context, beforeVersion int64) (int64, error)
}

// FamilyStore combines read and write operations for prompt families.
type FamilyStore interface {
	FamilyReader
	FamilyWriter
}

// AssignmentReader defines read operations for the assignment audit trail.
type AssignmentReader interface {
	GetAssignmentsByPrompt(ctx context.Context, promptID int64, limit int) ([]*models.Assignment, error)
	GetFlaggedAssignments(ctx context.Context, registryVersion int64, limit int) ([]*models.Assignment, error)
	CountAssignmentsByTier(ctx context.Context, registryVersion int64) (map[models.DecisionTier]int64, error)
}

// AssignmentWriter defines write operations for assignments.
type AssignmentWriter interface {
	// ApplyDecision appends an assignment row and moves the prompt to the
	// lifecycle state the decision tier implies, in one transaction.
	ApplyDecision(ctx context.Context, a *models.Assignment) (int64, error)
}

// AssignmentStore combines read and write operations for assignments.
type AssignmentStore interface {
	AssignmentReader
	AssignmentWriter
}

// RunReader defines read operations for processing runs.
type RunReader interface {
	GetRunByRunID(ctx context.Context, runID string) (*models.ProcessingRun, error)
	GetRecentRuns(ctx context.Context, kind models.RunKind, limit int) ([]*models.ProcessingRun, error)
	GetLastRun(ctx context.Context, kind models.RunKind, status models.RunStatus) (*models.ProcessingRun, error)
}

// RunWriter defines write operations for processing runs.
type RunWriter interface {
	CreateRun(ctx context.Context, run *models.ProcessingRun) (int64, error)
	FinishRun(ctx context.Context, run *models.ProcessingRun) error
	PruneRuns(ctx context.Context, olderThanEpoch int64) (int64, error)
}

// RunStore combines read and write operations for processing runs.
type RunStore interface {
	RunReader
	RunWriter
}

// RegistryReader defines read operations for registry snapshots.
type RegistryReader interface {
	LatestRegistrySnapshot(ctx context.Context) (*models.RegistrySnapshot, error)
	GetRegistrySnapshot(ctx context.Context, version int64) (*models.RegistrySnapshot, error)
	ListRegistryVersions(ctx context.Context, limit int) ([]*models.RegistryVersionInfo, error)
}

// RegistryWriter defines write operations for registry snapshots.
type RegistryWriter interface {
	SaveRegistrySnapshot(ctx context.Context, snap *models.RegistrySnapshot) error
	PruneRegistrySnapshots(ctx context.Context, keep int) (int64, error)
}

// RegistryStore combines read and write operations for registry snapshots.
type RegistryStore interface {
	RegistryReader
	RegistryWriter
}

// LineageReader defines read operations for family lineage edges.
type LineageReader interface {
	GetFamilyLineage(ctx context.Context, familyID string, limit int) ([]*models.LineageEdge, error)
	GetLineageByVersion(ctx context.Context, registryVersion int64) ([]*models.LineageEdge, error)
}

// LineageWriter defines write operations for family lineage edges.
type LineageWriter interface {
	CreateLineageEdges(ctx context.Context, edges []*models.LineageEdge) error
}

// LineageStore combines read and write operations for lineage edges.
type LineageStore interface {
	LineageReader
	LineageWriter
}

// EpochCommit is everything a batch run writes when it replaces the family
// set: the new families, the per-prompt assignments, and the lineage edges
// linking superseded families to their successors. The registry snapshot is
// committed separately, after these tables land, and is the durable commit
// point readers load from.
type EpochCommit struct {
	RunID           string
	RegistryVersion int64
	Families        []*models.Family
	Assignments     []*models.Assignment
	Lineage         []*models.LineageEdge
}

// EpochWriter applies a batch run's output in a single transaction.
type EpochWriter interface {
	// ApplyEpoch supersedes the previously active families, inserts the new
	// ones, appends assignments, moves every covered prompt to its new
	// state, and records lineage. All or nothing.
	ApplyEpoch(ctx context.Context, epoch *EpochCommit) error
}

// Database combines every store a backend must provide.
type Database interface {
	PromptStore
	FamilyStore
	AssignmentStore
	RunStore
	RegistryStore
	LineageStore
	EpochWriter

	Ping() error
	Close() error
}
