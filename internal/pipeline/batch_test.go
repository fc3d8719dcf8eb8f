package pipeline

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/taxon/pkg/models"
)

// Two tight pairs and one far outlier. With min_cluster_size=2 the pairs
// become families and the outlier is noise.
func corpusVectors() map[string][]float32 {
	return map[string][]float32{
		"deploy the web application to production": {1, 0, 0, 0},
		"deploy the web service to production":     {0.995, 0.09987, 0, 0},
		"summarize the weekly metrics report":      {0, 1, 0, 0},
		"summarize the monthly metrics report":     {0, 0.995, 0.09987, 0},
		"compose a limerick about databases":       {-0.5, -0.5, -0.5, -0.5},
	}
}

func TestRunBatch_CreatesFamiliesAndSwapsRegistry(t *testing.T) {
	env := newTestEnv(t, corpusVectors())
	ctx := context.Background()
	for text := range corpusVectors() {
		env.addPending(t, text)
	}

	stats, err := env.service.RunBatch(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Processed)
	assert.Equal(t, 2, stats.FamiliesCreated)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, 0, stats.Failed)

	snap := env.registry.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
	require.Len(t, snap.Entries, 2)
	for _, e := range snap.Entries {
		assert.Equal(t, 2, e.MemberCount)
		assert.NotEmpty(t, e.Name)
		assert.Len(t, e.Centroid, 4)
	}

	counts, err := env.store.GetStateCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[models.PromptStateAssigned])
	assert.Equal(t, int64(1), counts[models.PromptStateUnclustered])

	indexed, err := env.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), indexed)

	run, err := env.store.GetLastRun(ctx, models.RunKindBatch, models.RunStatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, int64(1), run.RegistryVersion.Int64)
	assert.Contains(t, run.StatsJSON, `"families_created":2`)

	assert.Equal(t, 1, env.events.count(EventBatchCompleted))
	assert.Equal(t, 2, env.events.count(EventFamilyCreated))
}

func TestRunBatch_MemberAssignmentsPointAtOwnCentroid(t *testing.T) {
	env := newTestEnv(t, corpusVectors())
	ctx := context.Background()
	member := env.addPending(t, "deploy the web application to production")
	env.addPending(t, "deploy the web service to production")
	env.addPending(t, "summarize the weekly metrics report")
	env.addPending(t, "summarize the monthly metrics report")

	_, err := env.service.RunBatch(ctx)
	require.NoError(t, err)

	assignments, err := env.store.GetAssignmentsByPrompt(ctx, member.ID, 10)
	require.NoError(t, err)
	require.Len(t, assignments, 1)

	a := assignments[0]
	assert.Equal(t, models.TierAutoMerge, a.Tier)
	assert.Equal(t, models.AssignedByBatch, a.AssignedBy)
	assert.True(t, a.FamilyID.Valid)
	assert.Greater(t, a.Similarity, 0.9)
	assert.Equal(t, int64(1), a.RegistryVersion)
}

func TestRunBatch_TinyCorpusAllNoise(t *testing.T) {
	env := newTestEnv(t, corpusVectors())
	ctx := context.Background()
	env.addPending(t, "compose a limerick about databases")

	stats, err := env.service.RunBatch(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 0, stats.FamiliesCreated)

	// The epoch still commits: batch output is authoritative even when it
	// finds nothing dense enough to keep.
	assert.Equal(t, int64(1), env.registry.Version())
	assert.True(t, env.registry.Snapshot().Empty())

	counts, err := env.store.GetStateCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.PromptStateUnclustered])
}

func TestRunBatch_EmptyCorpusCommitsNothing(t *testing.T) {
	env := newTestEnv(t, corpusVectors())

	stats, err := env.service.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Processed)
	assert.Equal(t, int64(0), env.registry.Version())

	run, err := env.store.GetLastRun(context.Background(), models.RunKindBatch, models.RunStatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, run)
}

func TestRunBatch_EmbedFailureExcludesPrompt(t *testing.T) {
	env := newTestEnv(t, corpusVectors())
	ctx := context.Background()
	env.addPending(t, "deploy the web application to production")
	env.addPending(t, "deploy the web service to production")
	env.addPending(t, "summarize the weekly metrics report")
	env.addPending(t, "summarize the monthly metrics report")
	env.addPending(t, "text the embedder has never seen")

	stats, err := env.service.RunBatch(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Processed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.FamiliesCreated)

	// The failed prompt stays pending for a later run.
	counts, err := env.store.GetStateCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.PromptStatePending])
	assert.Equal(t, int64(4), counts[models.PromptStateAssigned])
}

func TestRunBatch_SecondEpochSupersedesAndLinksLineage(t *testing.T) {
	vectors := corpusVectors()
	vectors["translate the report into french"] = []float32{0, 0, 1, 0}
	vectors["translate the summary into spanish"] = []float32{0, 0.09987, 0.995, 0}

	env := newTestEnv(t, vectors)
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
	parents := map[string]bool{}
	for _, f := range firstEpoch {
		parents[f.FamilyID] = true
	}

	env.addPending(t, "translate the report into french")
	env.addPending(t, "translate the summary into spanish")

	stats, err := env.service.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Processed)
	assert.Equal(t, 3, stats.FamiliesCreated)
	assert.Equal(t, int64(2), env.registry.Version())

	active, err := env.store.GetActiveFamilies(ctx)
	require.NoError(t, err)
	require.Len(t, active, 3)
	for _, f := range active {
		assert.Equal(t, int64(2), f.RegistryVersion)
		assert.False(t, parents[f.FamilyID], "family ids regenerate per epoch")
	}

	superseded, err := env.store.GetFamiliesByVersion(ctx, 1)
	require.NoError(t, err)
	require.Len(t, superseded, 2)
	for _, f := range superseded {
		assert.Equal(t, models.FamilyStatusSuperseded, f.Status)
	}

	// Both original families re-form around the same centroids, so lineage
	// links each old id to its successor as a minor edit.
	edges, err := env.store.GetLineageByVersion(ctx, 2)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.True(t, parents[e.ParentFamilyID])
		assert.Equal(t, models.MutationMinorEdit, e.Mutation)
		assert.Greater(t, e.Similarity, 0.99)
	}
}

// partition returns the sorted member record ids of each active family,
// sorted for set comparison.
func partition(t *testing.T, env *testEnv) [][]string {
	t.Helper()
	ctx := context.Background()

	families, err := env.store.GetActiveFamilies(ctx)
	require.NoError(t, err)

	out := make([][]string, 0, len(families))
	for _, f := range families {
		members, err := env.store.GetPromptsByFamily(ctx, f.FamilyID, 100)
		require.NoError(t, err)
		ids := make([]string, len(members))
		for i, m := range members {
			ids[i] = m.RecordID
		}
		sort.Strings(ids)
		out = append(out, ids)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) == 0 || len(out[j]) == 0 {
			return len(out[i]) < len(out[j])
		}
		return out[i][0] < out[j][0]
	})
	return out
}

func TestRunBatch_RerunOnUnchangedCorpusKeepsPartition(t *testing.T) {
	env := newTestEnv(t, corpusVectors())
	ctx := context.Background()
	for text := range corpusVectors() {
		env.addPending(t, text)
	}

	_, err := env.service.RunBatch(ctx)
	require.NoError(t, err)
	first := partition(t, env)

	_, err = env.service.RunBatch(ctx)
	require.NoError(t, err)
	second := partition(t, env)

	assert.Equal(t, first, second)
}

func TestRun_AlreadyRunningGuard(t *testing.T) {
	env := newTestEnv(t, corpusVectors())
	ctx := context.Background()

	env.service.mu.Lock()
	env.service.batchBusy = true
	env.service.mu.Unlock()

	_, err := env.service.RunBatch(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = env.service.RunIncremental(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	env.service.mu.Lock()
	env.service.batchBusy = false
	env.service.incrBusy = true
	env.service.mu.Unlock()

	_, err = env.service.RunBatch(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}
