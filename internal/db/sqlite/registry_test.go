package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/taxon/pkg/models"
)

func testSnapshot(version int64, families int) *models.RegistrySnapshot {
	entries := make([]models.RegistryEntry, families)
	for i := range entries {
		entries[i] = models.RegistryEntry{
			FamilyID:    "fam-" + string(rune('a'+i)),
			Name:        "family " + string(rune('a'+i)),
			Centroid:    []float32{float32(version), float32(i)},
			MemberCount: i + 2,
		}
	}
	return &models.RegistrySnapshot{
		Version:      version,
		RunID:        "run-" + string(rune('0'+version)),
		ModelVersion: "model-v1",
		Dimensions:   2,
		Entries:      entries,
	}
}

func TestRegistryStore_SaveAndLoad(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	// Empty before the first batch run commits
	latest, err := database.LatestRegistrySnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, database.SaveRegistrySnapshot(ctx, testSnapshot(1, 2)))
	require.NoError(t, database.SaveRegistrySnapshot(ctx, testSnapshot(2, 3)))

	latest, err = database.LatestRegistrySnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(2), latest.Version)
	require.Len(t, latest.Entries, 3)
	assert.Equal(t, []float32{2, 0}, latest.Entries[0].Centroid)

	v1, err := database.GetRegistrySnapshot(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, v1)
	assert.Len(t, v1.Entries, 2)

	missing, err := database.GetRegistrySnapshot(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRegistryStore_DuplicateVersionConflicts(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	require.NoError(t, database.SaveRegistrySnapshot(ctx, testSnapshot(5, 1)))

	// A second writer committing the same version must fail loudly
	err := database.SaveRegistrySnapshot(ctx, testSnapshot(5, 2))
	require.Error(t, err)

	got, err := database.GetRegistrySnapshot(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, got.Entries, 1)
}

func TestRegistryStore_ListVersions(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	for v := int64(1); v <= 3; v++ {
		require.NoError(t, database.SaveRegistrySnapshot(ctx, testSnapshot(v, int(v))))
	}

	infos, err := database.ListRegistryVersions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, int64(3), infos[0].Version)
	assert.Equal(t, 3, infos[0].FamilyCount)
	assert.Equal(t, "model-v1", infos[0].ModelVersion)
}

func TestRegistryStore_Prune(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	for v := int64(1); v <= 5; v++ {
		require.NoError(t, database.SaveRegistrySnapshot(ctx, testSnapshot(v, 1)))
	}

	pruned, err := database.PruneRegistrySnapshots(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pruned)

	infos, err := database.ListRegistryVersions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, int64(5), infos[0].Version)
	assert.Equal(t, int64(4), infos[1].Version)

	// keep below one still preserves the latest snapshot
	pruned, err = database.PruneRegistrySnapshots(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	latest, err := database.LatestRegistrySnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(5), latest.Version)
}
