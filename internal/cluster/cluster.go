// Package cluster provides density-based grouping of prompt embeddings.
package cluster

import (
	"fmt"
	"math"

	"github.com/thebtf/taxon/internal/config"
	"github.com/thebtf/taxon/internal/similarity"
)

// Params holds clustering parameters. Distances are Euclidean over
// L2-normalized vectors, which is a monotone transform of cosine distance
// (d^2 = 2 - 2*cos), so thresholds expressed in cosine terms carry over.
type Params struct {
	// MinClusterSize is the smallest group that can become a cluster.
	MinClusterSize int

	// MinSamples controls how conservative density estimation is: the core
	// distance of a point is the distance to its MinSamples-th nearest
	// neighbor.
	MinSamples int

	// ClusterSelectionEpsilon merges selected clusters that split apart
	// below this distance, which stops micro-clusters from fragmenting a
	// family.
	ClusterSelectionEpsilon float64

	// KMeansClusters fixes k for the kmeans algorithm; 0 uses the
	// sqrt(n/2) heuristic.
	KMeansClusters int
}

// ParamsFromConfig extracts clustering parameters from app configuration.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		MinClusterSize:          cfg.MinClusterSize,
		MinSamples:              cfg.MinSamples,
		ClusterSelectionEpsilon: cfg.ClusterSelectionEpsilon,
		KMeansClusters:          cfg.KMeansClusters,
	}
}

// Cluster is one discovered group of input vectors.
type Cluster struct {
	// Members holds indices into the input slice, ascending.
	Members []int

	// Centroid is the arithmetic mean of the member vectors.
	Centroid []float32

	// Cohesion is the mean cosine similarity of members to the centroid.
	Cohesion float64
}

// Result of a clustering run. Cluster ordering is deterministic: clusters
// sort by their smallest member index.
type Result struct {
	Clusters []Cluster
	Noise    []int
}

// Clusterer groups embedding vectors. Implementations must be deterministic:
// the same input in the same order always produces the same result.
type Clusterer interface {
	Cluster(vectors [][]float32) (*Result, error)
}

// New returns the clusterer selected by configuration.
func New(cfg *config.Config) (Clusterer, error) {
	params := ParamsFromConfig(cfg)
	switch cfg.ClusterAlgorithm {
	case config.AlgorithmHDBSCAN:
		return NewHDBSCAN(params), nil
	case config.AlgorithmKMeans:
		return NewKMeans(params), nil
	default:
		return nil, fmt.Errorf("unknown clustering algorithm: %s", cfg.ClusterAlgorithm)
	}
}

// checkVectors validates input dimensions. Mixed dimensions mean the corpus
// holds embeddings from different models and must not be clustered together.
func checkVectors(vectors [][]float32) (int, error) {
	if len(vectors) == 0 {
		return 0, nil
	}
	dims := len(vectors[0])
	if dims == 0 {
		return 0, fmt.Errorf("vector 0 is empty")
	}
	for i, v := range vectors {
		if len(v) != dims {
			return 0, fmt.Errorf("vector %d has %d dimensions, expected %d", i, len(v), dims)
		}
	}
	return dims, nil
}

// allNoise builds the degenerate result where nothing clusters.
func allNoise(n int) *Result {
	noise := make([]int, n)
	for i := range noise {
		noise[i] = i
	}
	return &Result{Noise: noise}
}

// finishCluster computes centroid and cohesion for a member set. Members
// must already be sorted ascending.
func finishCluster(members []int, vectors [][]float32) Cluster {
	vecs := make([][]float32, len(members))
	for i, m := range members {
		vecs[i] = vectors[m]
	}
	centroid := similarity.Mean(vecs)

	var cohesion float64
	for _, v := range vecs {
		cohesion += similarity.Cosine(v, centroid)
	}
	if len(vecs) > 0 {
		cohesion /= float64(len(vecs))
	}

	return Cluster{Members: members, Centroid: centroid, Cohesion: cohesion}
}

// pairDistances computes the condensed upper-triangle Euclidean distance
// matrix over L2-normalized copies of the input.
type pairDistances struct {
	n    int
	data []float64
}

func newPairDistances(vectors [][]float32) *pairDistances {
	n := len(vectors)
	norm := make([][]float32, n)
	for i, v := range vectors {
		norm[i] = similarity.Normalize(v)
	}

	pd := &pairDistances{n: n, data: make([]float64, n*(n-1)/2)}
	idx := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			pd.data[idx] = math.Sqrt(similarity.SquaredEuclidean(norm[i], norm[j]))
			idx++
		}
	}
	return pd
}

// at returns the distance between points i and j.
func (pd *pairDistances) at(i, j int) float64 {
	if i == j {
		return 0
	}
	if i > j {
		i, j = j, i
	}
	return pd.data[i*(2*pd.n-i-1)/2+(j-i-1)]
}
