package sqlite

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/taxon/pkg/models"
)

func TestPromptStore_SavePrompt_CreatesAndDeduplicates(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	p := models.NewPrompt("Raw TEXT", "raw text", "hash-1", 42, models.SourceAPI)
	id, created, err := database.SavePrompt(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Greater(t, id, int64(0))

	// Same dedup hash from another ingest path: silently reuses the row
	dup := models.NewPrompt("Raw TEXT", "raw text", "hash-1", 42, models.SourceJSONL)
	dupID, dupCreated, err := database.SavePrompt(ctx, dup)
	require.NoError(t, err)
	assert.False(t, dupCreated)
	assert.Equal(t, id, dupID)

	count, err := database.CountPrompts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPromptStore_SavePrompt_SimHashSurvivesSignedStorage(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	// High bit set: the value does not fit in a signed 64-bit integer
	simhash := uint64(1)<<63 | 42

	p := models.NewPrompt("", "high bit prompt", "hash-high", simhash, models.SourceAPI)
	_, _, err := database.SavePrompt(ctx, p)
	require.NoError(t, err)

	got, err := database.GetPromptByRecordID(ctx, p.RecordID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, simhash, got.SimHash)
}

func TestPromptStore_SavePrompts_SkipsDuplicates(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	first := models.NewPrompt("", "already here", "hash-dup", 1, models.SourceAPI)
	_, _, err := database.SavePrompt(ctx, first)
	require.NoError(t, err)

	batch := []*models.Prompt{
		models.NewPrompt("", "fresh one", "hash-a", 2, models.SourceJSONL),
		models.NewPrompt("", "already here", "hash-dup", 1, models.SourceJSONL),
		models.NewPrompt("", "fresh two", "hash-b", 3, models.SourceJSONL),
	}

	created, err := database.SavePrompts(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), created)

	count, err := database.CountPrompts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// Fresh inserts got their ids back
	assert.Greater(t, batch[0].ID, int64(0))
	assert.Greater(t, batch[2].ID, int64(0))
}

func TestPromptStore_EmbeddingLifecycle(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	p := models.NewPrompt("", "embed me", "hash-embed", 7, models.SourceAPI)
	id, _, err := database.SavePrompt(ctx, p)
	require.NoError(t, err)

	// Missing before any embedding lands
	missing, err := database.GetPromptsMissingEmbedding(ctx, "model-v1", 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)

	embedding := []float32{0.1, 0.2, 0.3, 0.4}
	require.NoError(t, database.UpdatePromptEmbedding(ctx, id, embedding, "model-v1"))

	corpus, err := database.GetEmbeddedCorpus(ctx, "model-v1")
	require.NoError(t, err)
	require.Len(t, corpus, 1)
	assert.Equal(t, models.JSONFloat32Slice(embedding), corpus[0].Embedding)
	assert.Equal(t, "model-v1", corpus[0].ModelVersion)

	// A model upgrade makes the embedding stale again
	missing, err = database.GetPromptsMissingEmbedding(ctx, "model-v2", 10)
	require.NoError(t, err)
	assert.Len(t, missing, 1)

	corpus, err = database.GetEmbeddedCorpus(ctx, "model-v2")
	require.NoError(t, err)
	assert.Empty(t, corpus)
}

func TestPromptStore_GetEmbeddedCorpus_OrderedByID(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		p := models.NewPrompt("", fmt.Sprintf("prompt %d", i), fmt.Sprintf("hash-%d", i), uint64(i), models.SourceAPI)
		id, _, err := database.SavePrompt(ctx, p)
		require.NoError(t, err)
		require.NoError(t, database.UpdatePromptEmbedding(ctx, id, []float32{float32(i)}, "m1"))
		ids = append(ids, id)
	}

	corpus, err := database.GetEmbeddedCorpus(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, corpus, 5)
	for i, p := range corpus {
		assert.Equal(t, ids[i], p.ID)
	}
}

func TestPromptStore_GetPromptsByState_FIFO(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	older := models.NewPrompt("", "older", "hash-old", 1, models.SourceAPI)
	older.CreatedAtEpoch = 1000
	newer := models.NewPrompt("", "newer", "hash-new", 2, models.SourceAPI)
	newer.CreatedAtEpoch = 2000

	// Insert newest first to prove ordering comes from the timestamp
	_, _, err := database.SavePrompt(ctx, newer)
	require.NoError(t, err)
	_, _, err = database.SavePrompt(ctx, older)
	require.NoError(t, err)

	pending, err := database.GetPromptsByState(ctx, models.PromptStatePending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "older", pending[0].Text)
	assert.Equal(t, "newer", pending[1].Text)
}

func TestPromptStore_StateCounts(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := models.NewPrompt("", fmt.Sprintf("p%d", i), fmt.Sprintf("h%d", i), 0, models.SourceAPI)
		_, _, err := database.SavePrompt(ctx, p)
		require.NoError(t, err)
	}

	counts, err := database.GetStateCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[models.PromptStatePending])

	pendingCount, err := database.CountPromptsByState(ctx, models.PromptStatePending)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pendingCount)

	assignedCount, err := database.CountPromptsByState(ctx, models.PromptStateAssigned)
	require.NoError(t, err)
	assert.Equal(t, int64(0), assignedCount)
}

func TestPromptStore_GetPromptByID_NotFound(t *testing.T) {
	database := testDB(t)

	p, err := database.GetPromptByID(context.Background(), 9999)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestPromptStore_FindPromptByDedupHash(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	p := models.NewPrompt("", "findable", "hash-find", 0, models.SourceTemplate)
	p.Metadata = models.JSONStringMap{"origin": "test-suite"}
	_, _, err := database.SavePrompt(ctx, p)
	require.NoError(t, err)

	got, err := database.FindPromptByDedupHash(ctx, "hash-find")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.SourceTemplate, got.Source)
	assert.Equal(t, "test-suite", got.Metadata["origin"])

	none, err := database.FindPromptByDedupHash(ctx, "no-such-hash")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestPromptStore_DeletePrompts(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		p := models.NewPrompt("", fmt.Sprintf("del%d", i), fmt.Sprintf("delhash%d", i), 0, models.SourceAPI)
		id, _, err := database.SavePrompt(ctx, p)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	deleted, err := database.DeletePrompts(ctx, ids[:2])
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	count, err := database.CountPrompts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
