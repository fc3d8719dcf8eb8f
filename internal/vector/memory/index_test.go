package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/taxon/internal/vector"
)

func entry(id int64, embedding ...float32) vector.Entry {
	return vector.Entry{PromptID: id, RecordID: "rec", Embedding: embedding}
}

func TestIndex_SearchOrdering(t *testing.T) {
	idx := New()
	ctx := context.Background()

	require.NoError(t, idx.InsertBatch(ctx, []vector.Entry{
		entry(1, 1, 0),       // orthogonal to query
		entry(2, 0, 1),       // identical to query
		entry(3, 0.5, 0.5),   // in between
		entry(4, -0.1, 0.9),  // close
	}))

	matches, err := idx.Search(ctx, []float32{0, 1}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)

	assert.Equal(t, int64(2), matches[0].PromptID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
	assert.Equal(t, int64(4), matches[1].PromptID)
	assert.Equal(t, int64(3), matches[2].PromptID)
}

func TestIndex_SearchTieBreaksOnLowestID(t *testing.T) {
	idx := New()
	ctx := context.Background()

	// Insert in descending id order; identical vectors score identically
	require.NoError(t, idx.InsertBatch(ctx, []vector.Entry{
		entry(30, 1, 0),
		entry(10, 1, 0),
		entry(20, 1, 0),
	}))

	matches, err := idx.Search(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(10), matches[0].PromptID)
	assert.Equal(t, int64(20), matches[1].PromptID)
}

func TestIndex_InsertReplacesExisting(t *testing.T) {
	idx := New()
	ctx := context.Background()

	require.NoError(t, idx.Insert(ctx, entry(1, 1, 0)))
	require.NoError(t, idx.Insert(ctx, entry(1, 0, 1)))

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	matches, err := idx.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
}

func TestIndex_Remove(t *testing.T) {
	idx := New()
	ctx := context.Background()

	require.NoError(t, idx.InsertBatch(ctx, []vector.Entry{
		entry(1, 1, 0),
		entry(2, 0, 1),
		entry(3, 1, 1),
	}))

	require.NoError(t, idx.Remove(ctx, []int64{2, 99}))

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	matches, err := idx.Search(ctx, []float32{0, 1}, 5)
	require.NoError(t, err)
	for _, m := range matches {
		assert.NotEqual(t, int64(2), m.PromptID)
	}
}

func TestIndex_RebuildReplacesWholesale(t *testing.T) {
	idx := New()
	ctx := context.Background()

	require.NoError(t, idx.InsertBatch(ctx, []vector.Entry{
		entry(1, 1, 0),
		entry(2, 0, 1),
	}))

	require.NoError(t, idx.Rebuild(ctx, []vector.Entry{
		entry(5, 1, 0),
		{PromptID: 6, RecordID: "skipme"}, // no embedding: dropped
	}))

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	matches, err := idx.Search(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(5), matches[0].PromptID)
}

func TestIndex_SearchEdgeCases(t *testing.T) {
	idx := New()
	ctx := context.Background()

	// Empty index
	matches, err := idx.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Empty query
	_, err = idx.Search(ctx, nil, 5)
	require.Error(t, err)

	// k beyond corpus size
	require.NoError(t, idx.Insert(ctx, entry(1, 1, 0)))
	matches, err = idx.Search(ctx, []float32{1, 0}, 100)
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	// Zero k
	matches, err = idx.Search(ctx, []float32{1, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIndex_EmptyEmbeddingRejected(t *testing.T) {
	idx := New()

	err := idx.Insert(context.Background(), vector.Entry{PromptID: 1})
	require.Error(t, err)
}
