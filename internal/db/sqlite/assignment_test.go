package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/taxon/pkg/models"
)

func savedPrompt(t *testing.T, database *DB, text, hash string) *models.Prompt {
	t.Helper()

	p := models.NewPrompt("", text, hash, 0, models.SourceAPI)
	_, _, err := database.SavePrompt(context.Background(), p)
	require.NoError(t, err)
	return p
}

func TestAssignmentStore_ApplyDecision_MovesPromptState(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	p := savedPrompt(t, database, "assign me", "hash-assign")

	a := models.NewAssignment(p.ID, p.RecordID, "fam-1", 0.91, models.TierAutoMerge, models.AssignedByIncremental, 3)
	id, err := database.ApplyDecision(ctx, a)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	got, err := database.GetPromptByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PromptStateAssigned, got.State)
	require.True(t, got.FamilyID.Valid)
	assert.Equal(t, "fam-1", got.FamilyID.String)
	require.True(t, got.Similarity.Valid)
	assert.InDelta(t, 0.91, got.Similarity.Float64, 1e-9)

	history, err := database.GetAssignmentsByPrompt(ctx, p.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TierAutoMerge, history[0].Tier)
	assert.Equal(t, models.AssignedByIncremental, history[0].AssignedBy)
}

func TestAssignmentStore_ApplyDecision_TierStates(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	cases := []struct {
		tier  models.DecisionTier
		state models.PromptState
	}{
		{models.TierAutoMerge, models.PromptStateAssigned},
		{models.TierSuggestMerge, models.PromptStateFlagged},
		{models.TierNewFamily, models.PromptStateUnclustered},
		{models.TierNone, models.PromptStateUnclustered},
	}

	for i, tc := range cases {
		p := savedPrompt(t, database, string(tc.tier), "hash-tier-"+string(rune('a'+i)))

		familyID := ""
		if tc.tier == models.TierAutoMerge || tc.tier == models.TierSuggestMerge {
			familyID = "fam-x"
		}
		a := models.NewAssignment(p.ID, p.RecordID, familyID, 0.5, tc.tier, models.AssignedByIncremental, 1)
		_, err := database.ApplyDecision(ctx, a)
		require.NoError(t, err)

		got, err := database.GetPromptByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, tc.state, got.State, "tier %s", tc.tier)
	}
}

func TestAssignmentStore_FlaggedQueue(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	first := savedPrompt(t, database, "flag one", "hash-f1")
	second := savedPrompt(t, database, "flag two", "hash-f2")
	auto := savedPrompt(t, database, "auto", "hash-f3")

	a1 := models.NewAssignment(first.ID, first.RecordID, "fam-1", 0.72, models.TierSuggestMerge, models.AssignedByIncremental, 5)
	a1.CreatedAtEpoch = 1000
	a2 := models.NewAssignment(second.ID, second.RecordID, "fam-1", 0.74, models.TierSuggestMerge, models.AssignedByIncremental, 5)
	a2.CreatedAtEpoch = 2000
	a3 := models.NewAssignment(auto.ID, auto.RecordID, "fam-1", 0.95, models.TierAutoMerge, models.AssignedByIncremental, 5)

	for _, a := range []*models.Assignment{a2, a1, a3} {
		_, err := database.ApplyDecision(ctx, a)
		require.NoError(t, err)
	}

	flagged, err := database.GetFlaggedAssignments(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, flagged, 2)
	// Review queue is oldest first
	assert.Equal(t, first.ID, flagged[0].PromptID)
	assert.Equal(t, second.ID, flagged[1].PromptID)

	// Another registry version sees an empty queue
	flagged, err = database.GetFlaggedAssignments(ctx, 6, 10)
	require.NoError(t, err)
	assert.Empty(t, flagged)
}

func TestAssignmentStore_CountAssignmentsByTier(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	tiers := []models.DecisionTier{
		models.TierAutoMerge, models.TierAutoMerge,
		models.TierSuggestMerge, models.TierNone,
	}
	for i, tier := range tiers {
		p := savedPrompt(t, database, string(tier)+string(rune('0'+i)), "hash-count-"+string(rune('a'+i)))
		a := models.NewAssignment(p.ID, p.RecordID, "", 0.6, tier, models.AssignedByBatch, 2)
		_, err := database.ApplyDecision(ctx, a)
		require.NoError(t, err)
	}

	counts, err := database.CountAssignmentsByTier(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.TierAutoMerge])
	assert.Equal(t, int64(1), counts[models.TierSuggestMerge])
	assert.Equal(t, int64(1), counts[models.TierNone])
	assert.Equal(t, int64(0), counts[models.TierNewFamily])
}
