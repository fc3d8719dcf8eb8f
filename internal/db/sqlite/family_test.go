package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/taxon/pkg/models"
)

func TestFamilyStore_CreateAndGet(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	f := models.NewFamily("deploy failures", []float32{0.5, 0.5}, 12, 1)
	f.Cohesion = 0.83
	require.NoError(t, database.CreateFamilies(ctx, []*models.Family{f}))

	got, err := database.GetFamilyByID(ctx, f.FamilyID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "deploy failures", got.Name)
	assert.Equal(t, models.FamilyStatusActive, got.Status)
	assert.Equal(t, models.JSONFloat32Slice{0.5, 0.5}, got.Centroid)
	assert.Equal(t, 12, got.MemberCount)
	assert.InDelta(t, 0.83, got.Cohesion, 1e-9)

	missing, err := database.GetFamilyByID(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFamilyStore_SupersedeActiveFamilies(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	v1 := models.NewFamily("old cluster", []float32{1, 0}, 5, 1)
	v2 := models.NewFamily("new cluster", []float32{0, 1}, 6, 2)
	require.NoError(t, database.CreateFamilies(ctx, []*models.Family{v1, v2}))

	retired, err := database.SupersedeActiveFamilies(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), retired)

	active, err := database.GetActiveFamilies(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, v2.FamilyID, active[0].FamilyID)

	old, err := database.GetFamilyByID(ctx, v1.FamilyID)
	require.NoError(t, err)
	assert.Equal(t, models.FamilyStatusSuperseded, old.Status)

	count, err := database.CountActiveFamilies(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestFamilyStore_GetFamiliesByVersion(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	families := []*models.Family{
		models.NewFamily("a", []float32{1}, 1, 3),
		models.NewFamily("b", []float32{2}, 2, 3),
		models.NewFamily("c", []float32{3}, 3, 4),
	}
	require.NoError(t, database.CreateFamilies(ctx, families))

	v3, err := database.GetFamiliesByVersion(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, v3, 2)

	v4, err := database.GetFamiliesByVersion(ctx, 4)
	require.NoError(t, err)
	assert.Len(t, v4, 1)
}

func TestFamilyStore_UpdateFamilyName(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	f := models.NewFamily("cluster_007", []float32{1}, 4, 1)
	require.NoError(t, database.CreateFamilies(ctx, []*models.Family{f}))

	err := database.UpdateFamilyName(ctx, f.FamilyID, "login timeouts", "prompts about session expiry during login")
	require.NoError(t, err)

	got, err := database.GetFamilyByID(ctx, f.FamilyID)
	require.NoError(t, err)
	assert.Equal(t, "login timeouts", got.Name)
	require.True(t, got.Description.Valid)
	assert.Equal(t, "prompts about session expiry during login", got.Description.String)
}
