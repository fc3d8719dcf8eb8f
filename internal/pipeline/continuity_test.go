package pipeline

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/taxon/internal/db"
	"github.com/thebtf/taxon/pkg/models"
)

func TestReuseFamilyIDs_MatchesAndRewritesAssignments(t *testing.T) {
	previous := []*models.Family{
		{FamilyID: "fam-a", Centroid: []float32{1, 0, 0, 0}},
		{FamilyID: "fam-b", Centroid: []float32{0, 1, 0, 0}},
	}
	epoch := &db.EpochCommit{
		Families: []*models.Family{
			{FamilyID: "new-1", Centroid: []float32{0.999, 0.0447, 0, 0}},
			{FamilyID: "new-2", Centroid: []float32{0.0447, 0.999, 0, 0}},
			{FamilyID: "new-3", Centroid: []float32{0, 0, 1, 0}},
		},
		Assignments: []*models.Assignment{
			{FamilyID: sql.NullString{String: "new-1", Valid: true}},
			{FamilyID: sql.NullString{String: "new-3", Valid: true}},
			{FamilyID: sql.NullString{Valid: false}},
		},
	}

	continued := reuseFamilyIDs(previous, epoch, 0.90)

	assert.Equal(t, map[string]bool{"fam-a": true, "fam-b": true}, continued)
	assert.Equal(t, "fam-a", epoch.Families[0].FamilyID)
	assert.Equal(t, "fam-b", epoch.Families[1].FamilyID)
	assert.Equal(t, "new-3", epoch.Families[2].FamilyID)

	assert.Equal(t, "fam-a", epoch.Assignments[0].FamilyID.String)
	assert.Equal(t, "new-3", epoch.Assignments[1].FamilyID.String)
	assert.False(t, epoch.Assignments[2].FamilyID.Valid)
}

func TestReuseFamilyIDs_OneToOne(t *testing.T) {
	previous := []*models.Family{
		{FamilyID: "fam-a", Centroid: []float32{1, 0, 0, 0}},
	}
	epoch := &db.EpochCommit{
		Families: []*models.Family{
			{FamilyID: "new-1", Centroid: []float32{0.9986, 0.0523, 0, 0}},
			{FamilyID: "new-2", Centroid: []float32{0.9998, 0.02, 0, 0}},
		},
	}

	continued := reuseFamilyIDs(previous, epoch, 0.90)

	// Both candidates clear the threshold; only the closer one takes the id.
	require.Len(t, continued, 1)
	assert.Equal(t, "new-1", epoch.Families[0].FamilyID)
	assert.Equal(t, "fam-a", epoch.Families[1].FamilyID)
}

func TestReuseFamilyIDs_TieBreaksToLowestOutgoingID(t *testing.T) {
	previous := []*models.Family{
		{FamilyID: "fam-b", Centroid: []float32{1, 0, 0, 0}},
		{FamilyID: "fam-a", Centroid: []float32{1, 0, 0, 0}},
	}
	epoch := &db.EpochCommit{
		Families: []*models.Family{
			{FamilyID: "new-1", Centroid: []float32{1, 0, 0, 0}},
		},
	}

	reuseFamilyIDs(previous, epoch, 0.90)
	assert.Equal(t, "fam-a", epoch.Families[0].FamilyID)
}

func TestReuseFamilyIDs_BelowThreshold(t *testing.T) {
	previous := []*models.Family{
		{FamilyID: "fam-a", Centroid: []float32{1, 0, 0, 0}},
	}
	epoch := &db.EpochCommit{
		Families: []*models.Family{
			{FamilyID: "new-1", Centroid: []float32{0.7, 0.714, 0, 0}},
		},
	}

	continued := reuseFamilyIDs(previous, epoch, 0.90)
	assert.Empty(t, continued)
	assert.Equal(t, "new-1", epoch.Families[0].FamilyID)
}

func TestRunBatch_ContinuityCarriesIdsAcrossEpochs(t *testing.T) {
	vectors := corpusVectors()
	vectors["translate the report into french"] = []float32{0, 0, 1, 0}
	vectors["translate the summary into spanish"] = []float32{0, 0.09987, 0.995, 0}

	env := newTestEnv(t, vectors)
	env.service.config.FamilyContinuity = true
	env.service.config.ContinuityThreshold = 0.90
	ctx := context.Background()

	env.addPending(t, "deploy the web application to production")
	env.addPending(t, "deploy the web service to production")
	env.addPending(t, "summarize the weekly metrics report")
	env.addPending(t, "summarize the monthly metrics report")

	_, err := env.service.RunBatch(ctx)
	require.NoError(t, err)
	firstEpoch, err := env.store.GetActiveFamilies(ctx)
	require.NoError(t, err)
	require.Len(t, firstEpoch, 2)
	carried := map[string]bool{}
	for _, f := range firstEpoch {
		carried[f.FamilyID] = true
	}

	env.addPending(t, "translate the report into french")
	env.addPending(t, "translate the summary into spanish")

	stats, err := env.service.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FamiliesCreated)
	assert.Equal(t, 2, stats.FamiliesContinued)

	active, err := env.store.GetActiveFamilies(ctx)
	require.NoError(t, err)
	require.Len(t, active, 3)
	kept := 0
	for _, f := range active {
		assert.Equal(t, int64(2), f.RegistryVersion)
		if carried[f.FamilyID] {
			kept++
		}
	}
	assert.Equal(t, 2, kept)

	// The continued rows moved to version 2 in place, so nothing is left
	// behind as superseded.
	orphans, err := env.store.GetFamiliesByVersion(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	// Lineage still records the epoch transition, now as self edges.
	edges, err := env.store.GetLineageByVersion(ctx, 2)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, e.ParentFamilyID, e.ChildFamilyID)
		assert.Equal(t, models.MutationMinorEdit, e.Mutation)
	}

	// Only the genuinely new family announces itself the second time.
	assert.Equal(t, 3, env.events.count(EventFamilyCreated))
}
