package lineage

import (
	"sort"
	"sync"

	"github.com/thebtf/taxon/pkg/models"
)

// Graph holds lineage edges in memory for ancestry walks. Edges run from a
// superseded family to its successor, so walking parents moves back through
// batch epochs and walking children moves forward.
type Graph struct {
	mu       sync.RWMutex
	incoming map[string][]*models.LineageEdge
	outgoing map[string][]*models.LineageEdge
	edges    int
}

// NewGraph creates an empty lineage graph.
func NewGraph() *Graph {
	return &Graph{
		incoming: make(map[string][]*models.LineageEdge),
		outgoing: make(map[string][]*models.LineageEdge),
	}
}

// AddEdges indexes edges by both endpoints.
func (g *Graph) AddEdges(edges []*models.LineageEdge) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, e := range edges {
		g.outgoing[e.ParentFamilyID] = append(g.outgoing[e.ParentFamilyID], e)
		g.incoming[e.ChildFamilyID] = append(g.incoming[e.ChildFamilyID], e)
		g.edges++
	}
}

// Parents returns the edges leading into a family from the previous epoch.
// More than one parent means the family absorbed several predecessors.
func (g *Graph) Parents(familyID string) []*models.LineageEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*models.LineageEdge(nil), g.incoming[familyID]...)
}

// Children returns the edges leading out of a family into the next epoch.
// More than one child means the family split.
func (g *Graph) Children(familyID string) []*models.LineageEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*models.LineageEdge(nil), g.outgoing[familyID]...)
}

// Ancestry walks parent edges back through epochs, newest first, stopping
// after maxDepth hops. The visited set keeps diamond-shaped histories from
// repeating edges.
func (g *Graph) Ancestry(familyID string, maxDepth int) []*models.LineageEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var chain []*models.LineageEdge
	visited := map[string]bool{familyID: true}
	frontier := []string{familyID}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			parents := append([]*models.LineageEdge(nil), g.incoming[id]...)
			sort.Slice(parents, func(i, j int) bool {
				return parents[i].ParentFamilyID < parents[j].ParentFamilyID
			})
			for _, e := range parents {
				chain = append(chain, e)
				if !visited[e.ParentFamilyID] {
					visited[e.ParentFamilyID] = true
					next = append(next, e.ParentFamilyID)
				}
			}
		}
		frontier = next
	}
	return chain
}

// GraphStats summarizes the in-memory lineage graph.
type GraphStats struct {
	Families  int            `json:"families"`
	Edges     int            `json:"edges"`
	Mutations map[string]int `json:"mutations"`
}

// Stats counts families, edges and mutation types currently indexed.
func (g *Graph) Stats() GraphStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	families := make(map[string]bool)
	mutations := make(map[string]int)
	for id, edges := range g.outgoing {
		families[id] = true
		for _, e := range edges {
			families[e.ChildFamilyID] = true
			mutations[string(e.Mutation)]++
		}
	}
	for id := range g.incoming {
		families[id] = true
	}

	return GraphStats{
		Families:  len(families),
		Edges:     g.edges,
		Mutations: mutations,
	}
}
