// Package gorm provides GORM-based database operations for taxon.
package gorm

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/thebtf/taxon/internal/db"
	"github.com/thebtf/taxon/pkg/models"
)

// testDB opens the PostgreSQL backend against the DSN in
// TAXON_TEST_POSTGRES_DSN, skipping when unset. The target database must be
// disposable: migrations run against it and tests write freely.
func testDB(t *testing.T) *DB {
	t.Helper()

	dsn := os.Getenv("TAXON_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TAXON_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration test")
	}

	handle, err := Open(Config{
		DSN:      dsn,
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

// TestIntegration_EndToEndWorkflow walks one record through ingest,
// embedding, an incremental decision and a batch epoch.
func TestIntegration_EndToEndWorkflow(t *testing.T) {
	handle := testDB(t)
	ctx := context.Background()

	// Step 1: Ingest a prompt, then re-ingest the identical text
	p := models.NewPrompt("Summarize THIS", "summarize this", "itest-hash-1", 99, models.SourceAPI)
	id, created, err := handle.SavePrompt(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Greater(t, id, int64(0))

	dup := models.NewPrompt("Summarize THIS", "summarize this", "itest-hash-1", 99, models.SourceAPI)
	dupID, dupCreated, err := handle.SavePrompt(ctx, dup)
	require.NoError(t, err)
	assert.False(t, dupCreated)
	assert.Equal(t, id, dupID)

	// Step 2: Attach an embedding and find it in the corpus
	emb := make([]float32, 384)
	emb[0] = 1
	require.NoError(t, handle.UpdatePromptEmbedding(ctx, id, emb, "hashing-v1"))

	corpus, err := handle.GetEmbeddedCorpus(ctx, "hashing-v1")
	require.NoError(t, err)
	var found *models.Prompt
	for _, c := range corpus {
		if c.ID == id {
			found = c
		}
	}
	require.NotNil(t, found)
	assert.InDelta(t, 1.0, found.Embedding[0], 1e-6)

	// Step 3: Incremental decision moves the prompt to assigned
	fam := models.NewFamily("integration family", emb, 1, 1)
	require.NoError(t, handle.CreateFamilies(ctx, []*models.Family{fam}))

	a := models.NewAssignment(id, p.RecordID, fam.FamilyID, 0.93, models.TierAutoMerge, models.AssignedByIncremental, 1)
	_, err = handle.ApplyDecision(ctx, a)
	require.NoError(t, err)

	got, err := handle.GetPromptByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.PromptStateAssigned, got.State)
	assert.Equal(t, fam.FamilyID, got.FamilyID.String)

	history, err := handle.GetAssignmentsByPrompt(ctx, id, 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, models.TierAutoMerge, history[0].Tier)

	// Step 4: A batch epoch supersedes the family set
	newFam := models.NewFamily("integration family v2", emb, 1, 2)
	batchAssign := models.NewAssignment(id, p.RecordID, newFam.FamilyID, 0.95, models.TierAutoMerge, models.AssignedByBatch, 2)
	edge := models.NewLineageEdge(fam.FamilyID, newFam.FamilyID, 0.99, 2)

	err = handle.ApplyEpoch(ctx, &db.EpochCommit{
		RunID:           "itest-run",
		RegistryVersion: 2,
		Families:        []*models.Family{newFam},
		Assignments:     []*models.Assignment{batchAssign},
		Lineage:         []*models.LineageEdge{edge},
	})
	require.NoError(t, err)

	oldFam, err := handle.GetFamilyByID(ctx, fam.FamilyID)
	require.NoError(t, err)
	require.NotNil(t, oldFam)
	assert.Equal(t, models.FamilyStatusSuperseded, oldFam.Status)

	got, err = handle.GetPromptByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, newFam.FamilyID, got.FamilyID.String)

	lineage, err := handle.GetFamilyLineage(ctx, fam.FamilyID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, lineage)
	assert.Equal(t, newFam.FamilyID, lineage[0].ChildFamilyID)
}

// TestIntegration_RegistrySnapshots covers save, latest, and pruning.
func TestIntegration_RegistrySnapshots(t *testing.T) {
	handle := testDB(t)
	ctx := context.Background()

	latest, err := handle.LatestRegistrySnapshot(ctx)
	require.NoError(t, err)
	var base int64
	if latest != nil {
		base = latest.Version
	}

	for i := int64(1); i <= 3; i++ {
		snap := &models.RegistrySnapshot{
			Version:      base + i,
			RunID:        "itest-snap",
			ModelVersion: "hashing-v1",
			Dimensions:   384,
			Entries: []models.RegistryEntry{
				{FamilyID: "fam_x", Name: "x", Centroid: []float32{1, 0}, MemberCount: 2},
			},
		}
		require.NoError(t, handle.SaveRegistrySnapshot(ctx, snap))
	}

	// Duplicate version must conflict, not overwrite
	err = handle.SaveRegistrySnapshot(ctx, &models.RegistrySnapshot{
		Version: base + 3, RunID: "itest-dup", ModelVersion: "hashing-v1", Dimensions: 384,
	})
	assert.Error(t, err)

	latest, err = handle.LatestRegistrySnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, base+3, latest.Version)
	require.Len(t, latest.Entries, 1)
	assert.Equal(t, "fam_x", latest.Entries[0].FamilyID)

	infos, err := handle.ListRegistryVersions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, base+3, infos[0].Version)
	assert.Equal(t, 1, infos[0].FamilyCount)

	pruned, err := handle.PruneRegistrySnapshots(ctx, 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pruned, int64(2))

	latest, err = handle.LatestRegistrySnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, base+3, latest.Version)
}

// TestIntegration_RunLifecycle covers create, finish and prune.
func TestIntegration_RunLifecycle(t *testing.T) {
	handle := testDB(t)
	ctx := context.Background()

	run := models.NewProcessingRun(models.RunKindIncremental)
	_, err := handle.CreateRun(ctx, run)
	require.NoError(t, err)

	stats, _ := json.Marshal(models.IncrementalStats{Processed: 5, Assigned: 3, Unclustered: 2})
	run.Complete(string(stats), 0)
	require.NoError(t, handle.FinishRun(ctx, run))

	got, err := handle.GetRunByRunID(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.JSONEq(t, string(stats), got.StatsJSON)

	last, err := handle.GetLastRun(ctx, models.RunKindIncremental, models.RunStatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, last)
}
