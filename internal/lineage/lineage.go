// Package lineage tracks family continuity across batch epochs. Every batch
// run replaces the family set wholesale; lineage edges record which new
// family each superseded one turned into, so a family's history survives the
// id churn.
package lineage

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/taxon/internal/db"
	"github.com/thebtf/taxon/internal/similarity"
	"github.com/thebtf/taxon/pkg/models"
)

// ContinuityThreshold is the minimum centroid similarity for a superseded
// family to count as continuing in a successor. Below it the old topic is
// considered gone and the new family genuinely new.
const ContinuityThreshold = 0.50

// defaultEpochWindow bounds how many registry versions the in-memory graph
// loads at startup. A year of weekly batches.
const defaultEpochWindow = 52

// defaultAncestryDepth bounds ancestry walks served to the API.
const defaultAncestryDepth = 10

// Connect matches each superseded family to its closest successor by
// centroid similarity and types the mutation. Families whose best match
// falls under the continuity threshold produce no edge. Ties go to the
// lexically lowest child id so reruns produce identical edges.
func Connect(previous, next []*models.Family, registryVersion int64) []*models.LineageEdge {
	if len(previous) == 0 || len(next) == 0 {
		return nil
	}

	edges := make([]*models.LineageEdge, 0, len(previous))
	for _, parent := range previous {
		var best *models.Family
		bestSim := -1.0
		for _, child := range next {
			sim := similarity.Cosine(parent.Centroid, child.Centroid)
			if sim > bestSim || (sim == bestSim && best != nil && child.FamilyID < best.FamilyID) {
				bestSim = sim
				best = child
			}
		}
		if best == nil || bestSim < ContinuityThreshold {
			continue
		}
		edges = append(edges, models.NewLineageEdge(parent.FamilyID, best.FamilyID, bestSim, registryVersion))
	}
	return edges
}

// Service serves lineage queries from an in-memory graph and keeps the
// optional FalkorDB mirror fed. Edges are persisted by the batch epoch
// commit; the service only indexes what the store already holds.
type Service struct {
	store  db.LineageStore
	logger zerolog.Logger

	mu     sync.RWMutex
	graph  *Graph
	mirror *Mirror
}

// NewService creates a lineage service over the given store.
func NewService(store db.LineageStore) *Service {
	return &Service{
		store:  store,
		graph:  NewGraph(),
		logger: log.With().Str("component", "lineage").Logger(),
	}
}

// SetMirror attaches a FalkorDB mirror. Mirror writes are best-effort and
// never fail the caller.
func (s *Service) SetMirror(m *Mirror) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirror = m
}

// Load rebuilds the in-memory graph from the stored edges of the most
// recent epochs, up to the epoch window.
func (s *Service) Load(ctx context.Context, currentVersion int64) error {
	g := NewGraph()

	lo := currentVersion - defaultEpochWindow + 1
	if lo < 1 {
		lo = 1
	}
	loaded := 0
	for v := lo; v <= currentVersion; v++ {
		edges, err := s.store.GetLineageByVersion(ctx, v)
		if err != nil {
			return err
		}
		g.AddEdges(edges)
		loaded += len(edges)
	}

	s.mu.Lock()
	s.graph = g
	s.mu.Unlock()

	s.logger.Info().
		Int("edges", loaded).
		Int64("from_version", lo).
		Int64("to_version", currentVersion).
		Msg("Lineage graph loaded")
	return nil
}

// Record indexes freshly committed edges and forwards them to the mirror.
// Called by the batch pipeline after the epoch transaction lands.
func (s *Service) Record(ctx context.Context, edges []*models.LineageEdge) {
	if len(edges) == 0 {
		return
	}

	s.mu.RLock()
	graph, mirror := s.graph, s.mirror
	s.mu.RUnlock()

	graph.AddEdges(edges)
	if mirror != nil {
		mirror.RecordEdges(ctx, edges)
	}
}

// FamilyHistory is the lineage view served for one family.
type FamilyHistory struct {
	FamilyID string                `json:"family_id"`
	Parents  []*models.LineageEdge `json:"parents"`
	Children []*models.LineageEdge `json:"children"`
	Ancestry []*models.LineageEdge `json:"ancestry"`
}

// History returns the direct neighbors and bounded ancestry of a family.
func (s *Service) History(familyID string) *FamilyHistory {
	s.mu.RLock()
	graph := s.graph
	s.mu.RUnlock()

	return &FamilyHistory{
		FamilyID: familyID,
		Parents:  graph.Parents(familyID),
		Children: graph.Children(familyID),
		Ancestry: graph.Ancestry(familyID, defaultAncestryDepth),
	}
}

// Stats reports the size of the in-memory graph.
func (s *Service) Stats() GraphStats {
	s.mu.RLock()
	graph := s.graph
	s.mu.RUnlock()
	return graph.Stats()
}

// EdgesByVersion reads one epoch's edges straight from the store, for
// epochs older than the in-memory window.
func (s *Service) EdgesByVersion(ctx context.Context, registryVersion int64) ([]*models.LineageEdge, error) {
	return s.store.GetLineageByVersion(ctx, registryVersion)
}
