package cluster

import (
	"math"
	"math/rand"
	"sort"

	"github.com/thebtf/taxon/internal/similarity"
)

const (
	kmeansSeed    = 42
	kmeansMaxIter = 100
)

// KMeans is the simpler, fixed-k alternative to HDBSCAN. Lloyd's iterations
// run on L2-normalized copies so squared Euclidean tracks cosine distance;
// groups that end up smaller than MinClusterSize are demoted to noise. The
// seeded generator keeps runs reproducible.
type KMeans struct {
	params Params
}

// NewKMeans creates a kmeans clusterer with the given parameters.
func NewKMeans(params Params) *KMeans {
	if params.MinClusterSize < 2 {
		params.MinClusterSize = 2
	}
	return &KMeans{params: params}
}

// Cluster groups the input vectors. K comes from Params.KMeansClusters, or
// the sqrt(n/2) heuristic when unset.
func (m *KMeans) Cluster(vectors [][]float32) (*Result, error) {
	n := len(vectors)
	dims, err := checkVectors(vectors)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return &Result{}, nil
	}
	if n < m.params.MinClusterSize {
		return allNoise(n), nil
	}

	k := m.params.KMeansClusters
	if k <= 0 {
		k = int(math.Sqrt(float64(n) / 2))
	}
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}

	norm := make([][]float32, n)
	for i, v := range vectors {
		norm[i] = similarity.Normalize(v)
	}

	rng := rand.New(rand.NewSource(kmeansSeed))
	perm := rng.Perm(n)

	centroids := make([][]float32, k)
	for j := 0; j < k; j++ {
		centroids[j] = append([]float32(nil), norm[perm[j]]...)
	}

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([][]float64, k)
	for j := range sums {
		sums[j] = make([]float64, dims)
	}

	for iter := 0; iter < kmeansMaxIter; iter++ {
		changed := false

		// Assignment step; strict less keeps the lowest centroid index on
		// ties.
		for i := 0; i < n; i++ {
			best := -1
			bestDist := math.MaxFloat64
			for j := 0; j < k; j++ {
				d := similarity.SquaredEuclidean(norm[i], centroids[j])
				if d < bestDist {
					bestDist = d
					best = j
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		if !changed && iter > 0 {
			break
		}

		// Update step.
		for j := range sums {
			counts[j] = 0
			for d := range sums[j] {
				sums[j][d] = 0
			}
		}
		for i := 0; i < n; i++ {
			j := assignments[i]
			counts[j]++
			for d := 0; d < dims; d++ {
				sums[j][d] += float64(norm[i][d])
			}
		}

		for j := 0; j < k; j++ {
			if counts[j] == 0 {
				// Re-seed an empty centroid from a data point; the seeded
				// generator keeps this reproducible.
				copy(centroids[j], norm[rng.Intn(n)])
				continue
			}
			for d := 0; d < dims; d++ {
				centroids[j][d] = float32(sums[j][d] / float64(counts[j]))
			}
		}
	}

	groups := make([][]int, k)
	for i := 0; i < n; i++ {
		groups[assignments[i]] = append(groups[assignments[i]], i)
	}

	var kept [][]int
	var noise []int
	for _, members := range groups {
		if len(members) < m.params.MinClusterSize {
			noise = append(noise, members...)
			continue
		}
		kept = append(kept, members)
	}

	sort.Ints(noise)
	sort.Slice(kept, func(i, j int) bool { return kept[i][0] < kept[j][0] })

	res := &Result{Noise: noise}
	for _, members := range kept {
		res.Clusters = append(res.Clusters, finishCluster(members, vectors))
	}
	return res, nil
}
