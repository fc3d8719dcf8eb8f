package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/taxon/pkg/models"
)

// memStore is an in-memory snapshot store for tests.
type memStore struct {
	mu      sync.Mutex
	snaps   []*models.RegistrySnapshot
	saveErr error
}

func (s *memStore) SaveRegistrySnapshot(_ context.Context, snap *models.RegistrySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *memStore) LatestRegistrySnapshot(_ context.Context) (*models.RegistrySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snaps) == 0 {
		return nil, nil
	}
	return s.snaps[len(s.snaps)-1], nil
}

func entries(ids ...string) []models.RegistryEntry {
	out := make([]models.RegistryEntry, len(ids))
	for i, id := range ids {
		out[i] = models.RegistryEntry{FamilyID: id, Centroid: []float32{1, 0}, MemberCount: 2}
	}
	return out
}

// TestRegistry_Bootstrap verifies a fresh registry is empty at version 0 and
// loading from an empty store keeps it that way.
func TestRegistry_Bootstrap(t *testing.T) {
	r := New(&memStore{})

	require.NoError(t, r.Load(context.Background()))

	snap := r.Snapshot()
	require.NotNil(t, snap)
	assert.True(t, snap.Empty())
	assert.Equal(t, int64(0), snap.Version)
}

// TestRegistry_SwapIncrementsVersion verifies swaps publish monotonically
// increasing versions.
func TestRegistry_SwapIncrementsVersion(t *testing.T) {
	r := New(&memStore{})
	ctx := context.Background()

	snap, err := r.Swap(ctx, "run-1", "hashing-v1", 2, entries("fam_b", "fam_a"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)

	snap, err = r.Swap(ctx, "run-2", "hashing-v1", 2, entries("fam_c"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, int64(2), r.Version())
}

// TestRegistry_SwapSortsEntries verifies snapshot contents are ordered by
// family id regardless of input order.
func TestRegistry_SwapSortsEntries(t *testing.T) {
	r := New(&memStore{})

	snap, err := r.Swap(context.Background(), "run-1", "hashing-v1", 2, entries("fam_c", "fam_a", "fam_b"))
	require.NoError(t, err)

	require.Len(t, snap.Entries, 3)
	assert.Equal(t, "fam_a", snap.Entries[0].FamilyID)
	assert.Equal(t, "fam_b", snap.Entries[1].FamilyID)
	assert.Equal(t, "fam_c", snap.Entries[2].FamilyID)
}

// TestRegistry_FailedSwapKeepsCurrent verifies a persist failure leaves the
// published snapshot untouched.
func TestRegistry_FailedSwapKeepsCurrent(t *testing.T) {
	store := &memStore{}
	r := New(store)
	ctx := context.Background()

	_, err := r.Swap(ctx, "run-1", "hashing-v1", 2, entries("fam_a"))
	require.NoError(t, err)

	store.saveErr = errors.New("disk full")
	_, err = r.Swap(ctx, "run-2", "hashing-v1", 2, entries("fam_b"))
	require.Error(t, err)

	snap := r.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "fam_a", snap.Entries[0].FamilyID)
}

// TestRegistry_DimensionGuard verifies mismatched centroid dimensions are
// rejected before anything persists.
func TestRegistry_DimensionGuard(t *testing.T) {
	store := &memStore{}
	r := New(store)

	bad := []models.RegistryEntry{{FamilyID: "fam_a", Centroid: []float32{1, 0, 0}}}
	_, err := r.Swap(context.Background(), "run-1", "hashing-v1", 2, bad)
	require.Error(t, err)
	assert.Empty(t, store.snaps)
}

// TestRegistry_LoadRestoresLatest verifies startup reload picks up the last
// committed snapshot.
func TestRegistry_LoadRestoresLatest(t *testing.T) {
	store := &memStore{}
	first := New(store)
	ctx := context.Background()

	_, err := first.Swap(ctx, "run-1", "hashing-v1", 2, entries("fam_a"))
	require.NoError(t, err)
	_, err = first.Swap(ctx, "run-2", "hashing-v1", 2, entries("fam_a", "fam_b"))
	require.NoError(t, err)

	second := New(store)
	require.NoError(t, second.Load(ctx))

	snap := second.Snapshot()
	assert.Equal(t, int64(2), snap.Version)
	assert.Len(t, snap.Entries, 2)
}

// TestRegistry_SnapshotImmutableDuringSwap verifies a reader holding a
// pinned snapshot is unaffected by a concurrent swap.
func TestRegistry_SnapshotImmutableDuringSwap(t *testing.T) {
	r := New(&memStore{})
	ctx := context.Background()

	_, err := r.Swap(ctx, "run-1", "hashing-v1", 2, entries("fam_a"))
	require.NoError(t, err)

	pinned := r.Snapshot()

	_, err = r.Swap(ctx, "run-2", "hashing-v1", 2, entries("fam_x", "fam_y"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), pinned.Version)
	require.Len(t, pinned.Entries, 1)
	assert.Equal(t, "fam_a", pinned.Entries[0].FamilyID)

	assert.Equal(t, int64(2), r.Snapshot().Version)
}

// TestRegistry_OnSwap verifies swap subscribers fire for local swaps and
// external reloads.
func TestRegistry_OnSwap(t *testing.T) {
	store := &memStore{}
	r := New(store)
	ctx := context.Background()

	var got []int64
	r.OnSwap(func(snap *models.RegistrySnapshot) {
		got = append(got, snap.Version)
	})

	_, err := r.Swap(ctx, "run-1", "hashing-v1", 2, entries("fam_a"))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, got)

	// Simulate another process committing version 2, then a notify-driven
	// reload.
	other := New(store)
	require.NoError(t, other.Load(ctx))
	_, err = other.Swap(ctx, "run-2", "hashing-v1", 2, entries("fam_b"))
	require.NoError(t, err)

	require.NoError(t, r.Reload(ctx))
	assert.Equal(t, []int64{1, 2}, got)
	assert.Equal(t, int64(2), r.Version())

	// Reloading with nothing newer is a no-op.
	require.NoError(t, r.Reload(ctx))
	assert.Equal(t, []int64{1, 2}, got)
}
