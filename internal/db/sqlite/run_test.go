package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/taxon/pkg/models"
)

func TestRunStore_Lifecycle(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	run := models.NewProcessingRun(models.RunKindBatch)
	id, err := database.CreateRun(ctx, run)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	got, err := database.GetRunByRunID(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.False(t, got.FinishedAtEpoch.Valid)

	run.Complete(`{"processed":10,"skipped":1,"failed":0,"families_created":3}`, 7)
	require.NoError(t, database.FinishRun(ctx, run))

	got, err = database.GetRunByRunID(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.JSONEq(t, `{"processed":10,"skipped":1,"failed":0,"families_created":3}`, got.StatsJSON)
	require.True(t, got.RegistryVersion.Valid)
	assert.Equal(t, int64(7), got.RegistryVersion.Int64)
	assert.True(t, got.FinishedAtEpoch.Valid)
}

func TestRunStore_FailedRun(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	run := models.NewProcessingRun(models.RunKindIncremental)
	_, err := database.CreateRun(ctx, run)
	require.NoError(t, err)

	run.Fail("embedder unavailable", `{"processed":2,"assigned":0,"flagged":0,"unclustered":0,"failed":2}`)
	require.NoError(t, database.FinishRun(ctx, run))

	got, err := database.GetRunByRunID(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	require.True(t, got.Error.Valid)
	assert.Equal(t, "embedder unavailable", got.Error.String)
}

func TestRunStore_GetLastRun(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	older := models.NewProcessingRun(models.RunKindBatch)
	older.StartedAtEpoch = 1000
	_, err := database.CreateRun(ctx, older)
	require.NoError(t, err)
	older.Complete("{}", 1)
	require.NoError(t, database.FinishRun(ctx, older))

	newer := models.NewProcessingRun(models.RunKindBatch)
	newer.StartedAtEpoch = 2000
	_, err = database.CreateRun(ctx, newer)
	require.NoError(t, err)
	newer.Complete("{}", 2)
	require.NoError(t, database.FinishRun(ctx, newer))

	last, err := database.GetLastRun(ctx, models.RunKindBatch, models.RunStatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, newer.RunID, last.RunID)

	// No incremental runs yet
	none, err := database.GetLastRun(ctx, models.RunKindIncremental, models.RunStatusCompleted)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRunStore_GetRecentRuns_BothKinds(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	batch := models.NewProcessingRun(models.RunKindBatch)
	batch.StartedAtEpoch = 1000
	_, err := database.CreateRun(ctx, batch)
	require.NoError(t, err)

	incr := models.NewProcessingRun(models.RunKindIncremental)
	incr.StartedAtEpoch = 2000
	_, err = database.CreateRun(ctx, incr)
	require.NoError(t, err)

	all, err := database.GetRecentRuns(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, incr.RunID, all[0].RunID)

	batchOnly, err := database.GetRecentRuns(ctx, models.RunKindBatch, 10)
	require.NoError(t, err)
	require.Len(t, batchOnly, 1)
	assert.Equal(t, batch.RunID, batchOnly[0].RunID)
}

func TestRunStore_PruneRuns(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	cutoff := time.Now().UnixMilli()

	ancient := models.NewProcessingRun(models.RunKindBatch)
	ancient.StartedAtEpoch = cutoff - 1000
	_, err := database.CreateRun(ctx, ancient)
	require.NoError(t, err)
	ancient.Complete("{}", 1)
	require.NoError(t, database.FinishRun(ctx, ancient))

	// An old run still in flight must survive the prune
	stuck := models.NewProcessingRun(models.RunKindIncremental)
	stuck.StartedAtEpoch = cutoff - 1000
	_, err = database.CreateRun(ctx, stuck)
	require.NoError(t, err)

	recent := models.NewProcessingRun(models.RunKindBatch)
	recent.StartedAtEpoch = cutoff + 1000
	_, err = database.CreateRun(ctx, recent)
	require.NoError(t, err)

	pruned, err := database.PruneRuns(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	gone, err := database.GetRunByRunID(ctx, ancient.RunID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := database.GetRunByRunID(ctx, stuck.RunID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
