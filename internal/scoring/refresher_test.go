package scoring

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/taxon/internal/db/sqlite"
	"github.com/thebtf/taxon/pkg/models"
)

func testStore(t *testing.T) *sqlite.DB {
	t.Helper()

	handle, err := sqlite.Open(sqlite.StoreConfig{
		Path: filepath.Join(t.TempDir(), "taxon-scoring-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

func TestRefresher_RefreshOnce(t *testing.T) {
	handle := testStore(t)
	ctx := context.Background()

	fam := models.NewFamily("ticket-triage", []float32{1, 0, 0, 0}, 1, 1)
	require.NoError(t, handle.CreateFamilies(ctx, []*models.Family{fam}))

	embeddings := [][]float32{
		{1, 0, 0, 0},
		{0.8, 0.6, 0, 0},
	}
	for i, text := range []string{"classify these tickets", "triage the incoming tickets"} {
		p := models.NewPrompt(text, text, text, uint64(i+1), models.SourceAPI)
		id, created, err := handle.SavePrompt(ctx, p)
		require.NoError(t, err)
		require.True(t, created)
		require.NoError(t, handle.UpdatePromptEmbedding(ctx, id, embeddings[i], "hashing-v1"))

		a := models.NewAssignment(id, p.RecordID, fam.FamilyID, 0.9, models.TierAutoMerge, models.AssignedByIncremental, 1)
		_, err = handle.ApplyDecision(ctx, a)
		require.NoError(t, err)
	}

	r := NewRefresher(handle, NewCalculator(nil))

	// Two members against a stored count of one: stats refresh due.
	updated := r.RefreshOnce(ctx)
	assert.Equal(t, 1, updated)

	stored, err := handle.GetFamilyByID(ctx, fam.FamilyID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 2, stored.MemberCount)
	assert.InDelta(t, 0.9, stored.Cohesion, 0.0001)

	// Counts agree now, nothing to do.
	assert.Equal(t, 0, r.RefreshOnce(ctx))
}

func TestRefresher_NoFamilies(t *testing.T) {
	handle := testStore(t)

	r := NewRefresher(handle, NewCalculator(nil))
	assert.Equal(t, 0, r.RefreshOnce(context.Background()))
}
