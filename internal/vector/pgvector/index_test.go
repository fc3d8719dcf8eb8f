package pgvector

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/taxon/internal/vector"
)

// testIndex opens the index against TAXON_TEST_PGVECTOR_DSN, skipping when
// unset. The target database must be disposable and have the vector
// extension available.
func testIndex(t *testing.T) *Index {
	t.Helper()

	dsn := os.Getenv("TAXON_TEST_PGVECTOR_DSN")
	if dsn == "" {
		t.Skip("TAXON_TEST_PGVECTOR_DSN not set; skipping pgvector integration test")
	}

	idx, err := NewIndex(context.Background(), Config{
		DSN:          dsn,
		Dimensions:   4,
		ModelVersion: "hashing-v1",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = idx.Rebuild(context.Background(), nil)
		_ = idx.Close()
	})

	require.NoError(t, idx.Rebuild(context.Background(), nil))
	return idx
}

func TestIndex_InsertAndSearch(t *testing.T) {
	idx := testIndex(t)
	ctx := context.Background()

	entries := []vector.Entry{
		{PromptID: 1, RecordID: "r1", Embedding: []float32{1, 0, 0, 0}},
		{PromptID: 2, RecordID: "r2", Embedding: []float32{0.9, 0.1, 0, 0}},
		{PromptID: 3, RecordID: "r3", Embedding: []float32{0, 1, 0, 0}},
	}
	require.NoError(t, idx.InsertBatch(ctx, entries))

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	matches, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(1), matches[0].PromptID)
	assert.Equal(t, int64(2), matches[1].PromptID)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
}

func TestIndex_UpsertReplaces(t *testing.T) {
	idx := testIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Insert(ctx, vector.Entry{PromptID: 7, RecordID: "old", Embedding: []float32{1, 0, 0, 0}}))
	require.NoError(t, idx.Insert(ctx, vector.Entry{PromptID: 7, RecordID: "new", Embedding: []float32{0, 1, 0, 0}}))

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	matches, err := idx.Search(ctx, []float32{0, 1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "new", matches[0].RecordID)
}

func TestIndex_RemoveAndRebuild(t *testing.T) {
	idx := testIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.InsertBatch(ctx, []vector.Entry{
		{PromptID: 1, RecordID: "r1", Embedding: []float32{1, 0, 0, 0}},
		{PromptID: 2, RecordID: "r2", Embedding: []float32{0, 1, 0, 0}},
	}))

	require.NoError(t, idx.Remove(ctx, []int64{1, 999}))
	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Rebuild replaces the survivors wholesale; entries without embeddings
	// are dropped rather than stored.
	require.NoError(t, idx.Rebuild(ctx, []vector.Entry{
		{PromptID: 10, RecordID: "r10", Embedding: []float32{0, 0, 1, 0}},
		{PromptID: 11, RecordID: "r11"},
	}))

	count, err = idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	matches, err := idx.Search(ctx, []float32{0, 0, 1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(10), matches[0].PromptID)
}
