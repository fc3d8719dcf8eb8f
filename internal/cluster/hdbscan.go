package cluster

import (
	"sort"
)

// maxLambda caps 1/distance so duplicate points (distance 0) stay finite in
// stability arithmetic.
const maxLambda = 1e12

// HDBSCAN is a hierarchical density-based clusterer. It builds a minimum
// spanning tree over mutual-reachability distances, condenses the resulting
// single-linkage hierarchy with the minimum cluster size, and selects
// clusters by excess-of-mass stability. A lone top-level cluster is never
// selected, so a corpus with no internal density structure comes back as
// all noise rather than one giant family.
//
// The implementation is dense (O(n^2) distances), which is the right trade
// for corpora in the tens of thousands, and fully deterministic: ties in
// the MST and edge ordering break toward lower point indices.
type HDBSCAN struct {
	params Params
}

// NewHDBSCAN creates an HDBSCAN clusterer with the given parameters.
func NewHDBSCAN(params Params) *HDBSCAN {
	if params.MinClusterSize < 2 {
		params.MinClusterSize = 2
	}
	if params.MinSamples < 1 {
		params.MinSamples = 1
	}
	return &HDBSCAN{params: params}
}

// Cluster groups the input vectors. A corpus smaller than MinClusterSize is
// all noise, not an error.
func (h *HDBSCAN) Cluster(vectors [][]float32) (*Result, error) {
	n := len(vectors)
	if _, err := checkVectors(vectors); err != nil {
		return nil, err
	}
	if n == 0 {
		return &Result{}, nil
	}
	if n < h.params.MinClusterSize {
		return allNoise(n), nil
	}

	pd := newPairDistances(vectors)
	core := coreDistances(pd, h.params.MinSamples)
	edges := minimumSpanningTree(pd, core)
	den := buildDendrogram(edges, n)

	clusters, pointOwner := condense(den, n, h.params.MinClusterSize)
	selected := selectClusters(clusters, h.params.ClusterSelectionEpsilon)

	return assemble(vectors, clusters, pointOwner, selected), nil
}

// coreDistances returns, per point, the distance to its minSamples-th
// nearest neighbor.
func coreDistances(pd *pairDistances, minSamples int) []float64 {
	n := pd.n
	k := minSamples
	if k > n-1 {
		k = n - 1
	}

	core := make([]float64, n)
	scratch := make([]float64, 0, n-1)
	for i := 0; i < n; i++ {
		scratch = scratch[:0]
		for j := 0; j < n; j++ {
			if j != i {
				scratch = append(scratch, pd.at(i, j))
			}
		}
		sort.Float64s(scratch)
		core[i] = scratch[k-1]
	}
	return core
}

type mstEdge struct {
	a, b int
	w    float64
}

// minimumSpanningTree runs Prim's algorithm over the complete
// mutual-reachability graph. Returned edges are sorted by weight with
// index-based tie-breaks so the downstream hierarchy is deterministic.
func minimumSpanningTree(pd *pairDistances, core []float64) []mstEdge {
	n := pd.n
	reach := func(i, j int) float64 {
		w := pd.at(i, j)
		if core[i] > w {
			w = core[i]
		}
		if core[j] > w {
			w = core[j]
		}
		return w
	}

	inTree := make([]bool, n)
	minW := make([]float64, n)
	minFrom := make([]int, n)
	inTree[0] = true
	for v := 1; v < n; v++ {
		minW[v] = reach(0, v)
		minFrom[v] = 0
	}

	edges := make([]mstEdge, 0, n-1)
	for len(edges) < n-1 {
		best := -1
		for v := 1; v < n; v++ {
			if inTree[v] {
				continue
			}
			// Strict less keeps the smallest index on weight ties.
			if best == -1 || minW[v] < minW[best] {
				best = v
			}
		}

		edges = append(edges, mstEdge{a: minFrom[best], b: best, w: minW[best]})
		inTree[best] = true

		for v := 1; v < n; v++ {
			if inTree[v] {
				continue
			}
			if w := reach(best, v); w < minW[v] {
				minW[v] = w
				minFrom[v] = best
			}
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].w != edges[j].w {
			return edges[i].w < edges[j].w
		}
		ai, bi := orderedPair(edges[i])
		aj, bj := orderedPair(edges[j])
		if ai != aj {
			return ai < aj
		}
		return bi < bj
	})
	return edges
}

func orderedPair(e mstEdge) (int, int) {
	if e.a < e.b {
		return e.a, e.b
	}
	return e.b, e.a
}

// dendroNode is one merge in the single-linkage hierarchy. Node ids: leaves
// are 0..n-1, internal nodes are n..2n-2 in merge order; the last node is
// the root.
type dendroNode struct {
	left, right int
	dist        float64
	size        int
}

// buildDendrogram replays the sorted MST edges through a union-find,
// recording one internal node per merge.
func buildDendrogram(edges []mstEdge, n int) []dendroNode {
	parent := make([]int, n)
	size := make([]int, n)
	node := make([]int, n)
	for i := range parent {
		parent[i] = i
		size[i] = 1
		node[i] = i
	}

	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	den := make([]dendroNode, 0, n-1)
	for _, e := range edges {
		ra, rb := find(e.a), find(e.b)
		id := n + len(den)
		den = append(den, dendroNode{
			left:  node[ra],
			right: node[rb],
			dist:  e.w,
			size:  size[ra] + size[rb],
		})
		parent[ra] = rb
		size[rb] += size[ra]
		node[rb] = id
	}
	return den
}

// condCluster is a node of the condensed hierarchy: a cluster that exists
// over a range of density levels. Points exit either one by one (their
// residual branch dropped below MinClusterSize) or all at once when the
// cluster splits into two valid children.
type condCluster struct {
	parent      int // condensed parent id, -1 for the root
	size        int // points in the subtree at birth
	birthLambda float64
	splitLambda float64
	children    []int
	exits       []pointExit
}

type pointExit struct {
	point  int
	lambda float64
}

func lambdaOf(dist float64) float64 {
	if dist <= 0 {
		return maxLambda
	}
	l := 1 / dist
	if l > maxLambda {
		return maxLambda
	}
	return l
}

// condense walks the dendrogram top-down, keeping only branches that hold
// at least minClusterSize points. Returns the condensed clusters (id 0 is
// the root) and, per point, the condensed cluster it finally exited from.
func condense(den []dendroNode, n, minClusterSize int) ([]*condCluster, []int) {
	root := n + len(den) - 1
	pointOwner := make([]int, n)

	nodeSize := func(v int) int {
		if v < n {
			return 1
		}
		return den[v-n].size
	}

	// leavesOf collects original points under a dendrogram node.
	leavesOf := func(v int, visit func(p int)) {
		stack := []int{v}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if cur < n {
				visit(cur)
				continue
			}
			d := den[cur-n]
			stack = append(stack, d.left, d.right)
		}
	}

	clusters := []*condCluster{{parent: -1, size: nodeSize(root)}}

	exitAll := func(v, cid int, lam float64) {
		leavesOf(v, func(p int) {
			pointOwner[p] = cid
			clusters[cid].exits = append(clusters[cid].exits, pointExit{point: p, lambda: lam})
		})
	}

	type frame struct{ node, cluster int }
	stack := []frame{{node: root, cluster: 0}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node, cid := f.node, f.cluster
	walk:
		for node >= n {
			d := den[node-n]
			lam := lambdaOf(d.dist)
			sl, sr := nodeSize(d.left), nodeSize(d.right)

			switch {
			case sl >= minClusterSize && sr >= minClusterSize:
				// Real split: both sides persist as new clusters.
				clusters[cid].splitLambda = lam
				for _, child := range []int{d.left, d.right} {
					nc := len(clusters)
					clusters = append(clusters, &condCluster{
						parent:      cid,
						size:        nodeSize(child),
						birthLambda: lam,
					})
					clusters[cid].children = append(clusters[cid].children, nc)
					stack = append(stack, frame{node: child, cluster: nc})
				}
				break walk

			case sl >= minClusterSize:
				exitAll(d.right, cid, lam)
				node = d.left

			case sr >= minClusterSize:
				exitAll(d.left, cid, lam)
				node = d.right

			default:
				// Both sides too small: the cluster dissolves here.
				exitAll(d.left, cid, lam)
				exitAll(d.right, cid, lam)
				break walk
			}
		}
	}

	return clusters, pointOwner
}

// stabilities computes excess-of-mass stability per condensed cluster: the
// integral of membership over density above the cluster's birth level.
func stabilities(clusters []*condCluster) []float64 {
	stab := make([]float64, len(clusters))
	for id, c := range clusters {
		var s float64
		for _, e := range c.exits {
			s += e.lambda - c.birthLambda
		}
		for _, ch := range c.children {
			s += float64(clusters[ch].size) * (c.splitLambda - c.birthLambda)
		}
		stab[id] = s
	}
	return stab
}

// selectClusters runs excess-of-mass selection bottom-up, then merges
// selected clusters whose birth distance falls below the selection epsilon
// into their first ancestor born above it. The root (id 0) is never
// selectable.
func selectClusters(clusters []*condCluster, epsilon float64) []bool {
	numC := len(clusters)
	selected := make([]bool, numC)
	if numC <= 1 {
		return selected
	}

	stab := stabilities(clusters)
	subtree := make([]float64, numC)

	// Children always carry higher ids than their parent, so descending id
	// order is a reverse topological order.
	for id := numC - 1; id >= 1; id-- {
		c := clusters[id]
		if len(c.children) == 0 {
			subtree[id] = stab[id]
			selected[id] = true
			continue
		}

		var childSum float64
		for _, ch := range c.children {
			childSum += subtree[ch]
		}
		if stab[id] >= childSum {
			selected[id] = true
			deselectDescendants(clusters, selected, id)
			subtree[id] = stab[id]
		} else {
			subtree[id] = childSum
		}
	}

	if epsilon > 0 {
		applyEpsilon(clusters, selected, epsilon)
	}
	return selected
}

func deselectDescendants(clusters []*condCluster, selected []bool, id int) {
	queue := append([]int(nil), clusters[id].children...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		selected[cur] = false
		queue = append(queue, clusters[cur].children...)
	}
}

// applyEpsilon replaces selected clusters born closer than epsilon with the
// nearest ancestor born at or beyond it, so families never fragment at
// sub-epsilon scale.
func applyEpsilon(clusters []*condCluster, selected []bool, epsilon float64) {
	numC := len(clusters)
	final := make([]bool, numC)
	processed := make([]bool, numC)

	for id := 1; id < numC; id++ {
		if !selected[id] {
			continue
		}
		birthDist := 1 / clusters[id].birthLambda
		if birthDist >= epsilon {
			final[id] = true
			continue
		}
		if processed[id] {
			continue
		}

		anc := traverseUpwards(clusters, id, epsilon)
		final[anc] = true
		markSubtree(clusters, processed, anc)
	}

	copy(selected, final)
}

func traverseUpwards(clusters []*condCluster, id int, epsilon float64) int {
	for {
		parent := clusters[id].parent
		if parent <= 0 {
			// Parent is the root, which can never be selected.
			return id
		}
		if 1/clusters[parent].birthLambda > epsilon {
			return parent
		}
		id = parent
	}
}

func markSubtree(clusters []*condCluster, processed []bool, id int) {
	queue := []int{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		processed[cur] = true
		queue = append(queue, clusters[cur].children...)
	}
}

// assemble labels each point with its deepest selected ancestor in the
// condensed hierarchy, then builds the final clusters with centroids.
func assemble(vectors [][]float32, clusters []*condCluster, pointOwner []int, selected []bool) *Result {
	groups := make(map[int][]int)
	var noise []int

	for p := range vectors {
		id := pointOwner[p]
		label := -1
		for id >= 0 {
			if selected[id] {
				label = id
				break
			}
			id = clusters[id].parent
		}
		if label < 0 {
			noise = append(noise, p)
		} else {
			groups[label] = append(groups[label], p)
		}
	}

	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	// Ascending point iteration means member lists are already sorted;
	// order clusters by their smallest member.
	sort.Slice(ids, func(i, j int) bool {
		return groups[ids[i]][0] < groups[ids[j]][0]
	})

	res := &Result{Noise: noise}
	for _, id := range ids {
		res.Clusters = append(res.Clusters, finishCluster(groups[id], vectors))
	}
	return res
}
