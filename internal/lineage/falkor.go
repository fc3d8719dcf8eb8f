package lineage

import (
	"context"
	"fmt"

	"github.com/FalkorDB/falkordb-go/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/taxon/pkg/models"
)

// DefaultMirrorGraph is the FalkorDB graph used when no name is configured.
const DefaultMirrorGraph = "taxon"

// Mirror replicates lineage edges into FalkorDB so operators can walk family
// ancestry with Cypher. Nodes carry only family ids; labels and membership
// live in the primary database. The mirror is write-only from taxon's side
// and nothing on the classification path reads it.
type Mirror struct {
	graph  *falkordb.Graph
	logger zerolog.Logger
}

// NewMirror connects to FalkorDB and selects the named lineage graph.
func NewMirror(addr, password, graph string) (*Mirror, error) {
	if graph == "" {
		graph = DefaultMirrorGraph
	}

	client, err := falkordb.FalkorDBNew(&falkordb.ConnectionOption{
		Addr:     addr,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect falkordb at %s: %w", addr, err)
	}

	return &Mirror{
		graph:  client.SelectGraph(graph),
		logger: log.With().Str("component", "lineage-mirror").Logger(),
	}, nil
}

const mirrorEdgeQuery = `MERGE (p:Family {id: $parent})
MERGE (c:Family {id: $child})
CREATE (p)-[:EVOLVED_INTO {mutation: $mutation, similarity: $similarity, version: $version}]->(c)`

// RecordEdges mirrors edges as (:Family)-[:EVOLVED_INTO]->(:Family). Each
// edge is written on its own so one bad write never drops the rest; failures
// are logged and skipped because the primary store already holds the data.
func (m *Mirror) RecordEdges(ctx context.Context, edges []*models.LineageEdge) {
	written := 0
	for _, e := range edges {
		if ctx.Err() != nil {
			return
		}

		params := map[string]interface{}{
			"parent":     e.ParentFamilyID,
			"child":      e.ChildFamilyID,
			"mutation":   string(e.Mutation),
			"similarity": e.Similarity,
			"version":    e.RegistryVersion,
		}
		if _, err := m.graph.Query(mirrorEdgeQuery, params, nil); err != nil {
			m.logger.Warn().Err(err).
				Str("parent", e.ParentFamilyID).
				Str("child", e.ChildFamilyID).
				Msg("Failed to mirror lineage edge")
			continue
		}
		written++
	}

	if written > 0 {
		m.logger.Debug().Int("edges", written).Msg("Lineage edges mirrored")
	}
}

// EdgeCount queries the mirror for its total edge count.
func (m *Mirror) EdgeCount() (int64, error) {
	res, err := m.graph.Query("MATCH ()-[r:EVOLVED_INTO]->() RETURN count(r)", nil, nil)
	if err != nil {
		return 0, fmt.Errorf("count mirrored edges: %w", err)
	}
	if !res.Next() {
		return 0, nil
	}
	count, ok := res.Record().GetByIndex(0).(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected count type %T", res.Record().GetByIndex(0))
	}
	return count, nil
}
