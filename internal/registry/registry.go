// Package registry holds the versioned family-centroid registry.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/taxon/pkg/models"
)

// Store is the durable backing for committed registry snapshots. Implemented
// by the database layer.
type Store interface {
	SaveRegistrySnapshot(ctx context.Context, snap *models.RegistrySnapshot) error
	LatestRegistrySnapshot(ctx context.Context) (*models.RegistrySnapshot, error)
}

// SwapFunc is notified after a new snapshot is published.
type SwapFunc func(snap *models.RegistrySnapshot)

// Registry is the in-memory view of the family centroid registry. Reads are
// lock-free through an atomic snapshot pointer; the full-swap write path is
// serialized by a mutex and persists before publishing, so readers only ever
// observe committed versions. Between swaps the snapshot is immutable:
// classification of a batch runs against one pinned version even while a
// swap lands mid-pass.
type Registry struct {
	store   Store
	current atomic.Pointer[models.RegistrySnapshot]
	writeMu sync.Mutex

	subMu sync.Mutex
	subs  []SwapFunc
}

// New creates a registry over the given durable store.
func New(store Store) *Registry {
	r := &Registry{store: store}
	r.current.Store(&models.RegistrySnapshot{Version: 0})
	return r
}

// Load restores the latest committed snapshot from the store. A store with
// no snapshot yet leaves the registry empty at version 0, which is the
// bootstrap state, not an error.
func (r *Registry) Load(ctx context.Context) error {
	snap, err := r.store.LatestRegistrySnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load registry snapshot: %w", err)
	}
	if snap == nil {
		log.Info().Msg("No committed registry snapshot; starting empty")
		return nil
	}

	r.current.Store(snap)
	log.Info().
		Int64("version", snap.Version).
		Int("families", len(snap.Entries)).
		Str("model_version", snap.ModelVersion).
		Msg("Registry snapshot loaded")
	return nil
}

// Snapshot returns the current committed snapshot. The result is immutable
// and never nil; callers pin it for the duration of a classification pass.
func (r *Registry) Snapshot() *models.RegistrySnapshot {
	return r.current.Load()
}

// Version returns the current registry version. Version 0 means no batch
// run has committed yet.
func (r *Registry) Version() int64 {
	return r.current.Load().Version
}

// Swap atomically replaces the whole registry with a new family set. The
// snapshot is persisted before it is published, so a crash between the two
// steps leaves a committed version that the next Load picks up. Entries are
// sorted by family id so snapshot contents are deterministic.
func (r *Registry) Swap(ctx context.Context, runID, modelVersion string, dims int, entries []models.RegistryEntry) (*models.RegistrySnapshot, error) {
	for _, e := range entries {
		if len(e.Centroid) != dims {
			return nil, fmt.Errorf("family %s centroid has %d dimensions, expected %d", e.FamilyID, len(e.Centroid), dims)
		}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	sorted := append([]models.RegistryEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FamilyID < sorted[j].FamilyID })

	snap := &models.RegistrySnapshot{
		RunID:          runID,
		Entries:        sorted,
		Version:        r.current.Load().Version + 1,
		ModelVersion:   modelVersion,
		Dimensions:     dims,
		CreatedAtEpoch: time.Now().UnixMilli(),
	}

	if err := r.store.SaveRegistrySnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("persist registry snapshot: %w", err)
	}

	r.current.Store(snap)
	log.Info().
		Int64("version", snap.Version).
		Int("families", len(snap.Entries)).
		Str("run_id", runID).
		Msg("Registry swapped")

	r.notify(snap)
	return snap, nil
}

// Reload re-reads the latest committed snapshot, keeping the current one if
// the store has nothing newer. Used when another process announces a swap.
func (r *Registry) Reload(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	snap, err := r.store.LatestRegistrySnapshot(ctx)
	if err != nil {
		return fmt.Errorf("reload registry snapshot: %w", err)
	}
	if snap == nil || snap.Version <= r.current.Load().Version {
		return nil
	}

	r.current.Store(snap)
	log.Info().
		Int64("version", snap.Version).
		Int("families", len(snap.Entries)).
		Msg("Registry reloaded after external swap")

	r.notify(snap)
	return nil
}

// OnSwap registers a callback invoked after each published snapshot.
func (r *Registry) OnSwap(fn SwapFunc) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subs = append(r.subs, fn)
}

func (r *Registry) notify(snap *models.RegistrySnapshot) {
	r.subMu.Lock()
	subs := append([]SwapFunc(nil), r.subs...)
	r.subMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}
