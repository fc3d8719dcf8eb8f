package cluster

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/taxon/internal/similarity"
)

// unit builds an L2-normalized vector from raw components.
func unit(vals ...float32) []float32 {
	return similarity.Normalize(vals)
}

func defaultParams() Params {
	return Params{MinClusterSize: 2, MinSamples: 1, ClusterSelectionEpsilon: 0.15}
}

// twoFamilyCorpus is two tight pairs on orthogonal axes: the canonical
// "summarize documents" vs "write unit tests" layout.
func twoFamilyCorpus() [][]float32 {
	return [][]float32{
		unit(1, 0, 0, 0),
		unit(1, 0.1, 0, 0),
		unit(0, 0, 1, 0),
		unit(0, 0, 1, 0.1),
	}
}

// TestHDBSCAN_TwoFamilies verifies the canonical four-prompt corpus splits
// into exactly two clusters with the right memberships.
func TestHDBSCAN_TwoFamilies(t *testing.T) {
	c := NewHDBSCAN(defaultParams())

	res, err := c.Cluster(twoFamilyCorpus())
	require.NoError(t, err)
	require.Len(t, res.Clusters, 2)
	assert.Empty(t, res.Noise)

	assert.Equal(t, []int{0, 1}, res.Clusters[0].Members)
	assert.Equal(t, []int{2, 3}, res.Clusters[1].Members)
}

// TestHDBSCAN_Deterministic verifies repeated runs over the same input
// produce identical results.
func TestHDBSCAN_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	centers := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}

	var vectors [][]float32
	for _, center := range centers {
		for i := 0; i < 12; i++ {
			v := make([]float32, 4)
			for d := range v {
				v[d] = center[d] + float32(rng.NormFloat64())*0.03
			}
			vectors = append(vectors, similarity.Normalize(v))
		}
	}

	c := NewHDBSCAN(defaultParams())

	first, err := c.Cluster(vectors)
	require.NoError(t, err)
	second, err := c.Cluster(vectors)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first.Clusters, 3)
}

// TestHDBSCAN_SmallCorpus verifies a corpus below MinClusterSize is all
// noise, not an error.
func TestHDBSCAN_SmallCorpus(t *testing.T) {
	c := NewHDBSCAN(defaultParams())

	res, err := c.Cluster([][]float32{unit(1, 0, 0, 0)})
	require.NoError(t, err)
	assert.Empty(t, res.Clusters)
	assert.Equal(t, []int{0}, res.Noise)
}

// TestHDBSCAN_EmptyCorpus verifies empty input yields an empty result.
func TestHDBSCAN_EmptyCorpus(t *testing.T) {
	c := NewHDBSCAN(defaultParams())

	res, err := c.Cluster(nil)
	require.NoError(t, err)
	assert.Empty(t, res.Clusters)
	assert.Empty(t, res.Noise)
}

// TestHDBSCAN_Outlier verifies a point far from every family lands in
// noise while the families still form.
func TestHDBSCAN_Outlier(t *testing.T) {
	vectors := append(twoFamilyCorpus(), unit(-1, -1, -1, -1))

	c := NewHDBSCAN(defaultParams())
	res, err := c.Cluster(vectors)
	require.NoError(t, err)

	require.Len(t, res.Clusters, 2)
	assert.Equal(t, []int{4}, res.Noise)
}

// TestHDBSCAN_NoStructure verifies a corpus of identical vectors produces
// no families: with no density gradient there is nothing to select.
func TestHDBSCAN_NoStructure(t *testing.T) {
	v := unit(1, 2, 3, 4)
	vectors := [][]float32{v, v, v}

	c := NewHDBSCAN(defaultParams())
	res, err := c.Cluster(vectors)
	require.NoError(t, err)

	assert.Empty(t, res.Clusters)
	assert.Equal(t, []int{0, 1, 2}, res.Noise)
}

// TestHDBSCAN_EpsilonMerges verifies cluster_selection_epsilon: two tight
// pairs separated by less than epsilon stay one family, while with epsilon
// zero they fragment.
func TestHDBSCAN_EpsilonMerges(t *testing.T) {
	vectors := [][]float32{
		// Two sub-pairs along the first axis, roughly 0.1 apart in
		// normalized Euclidean terms, well under epsilon 0.15.
		unit(1, 0, 0, 0),
		unit(1, 0.02, 0, 0),
		unit(1, 0.12, 0, 0),
		unit(1, 0.14, 0, 0),
		// A distant pair on another axis.
		unit(0, 0, 1, 0),
		unit(0, 0, 1, 0.02),
	}

	fragmented := NewHDBSCAN(Params{MinClusterSize: 2, MinSamples: 1, ClusterSelectionEpsilon: 0})
	res, err := fragmented.Cluster(vectors)
	require.NoError(t, err)
	assert.Len(t, res.Clusters, 3, "without epsilon the sub-pairs fragment")

	merged := NewHDBSCAN(defaultParams())
	res, err = merged.Cluster(vectors)
	require.NoError(t, err)
	require.Len(t, res.Clusters, 2, "epsilon should merge the sub-pairs")

	assert.Equal(t, []int{0, 1, 2, 3}, res.Clusters[0].Members)
	assert.Equal(t, []int{4, 5}, res.Clusters[1].Members)
}

// TestHDBSCAN_MinClusterSize verifies groups below the minimum size never
// become clusters.
func TestHDBSCAN_MinClusterSize(t *testing.T) {
	vectors := [][]float32{
		unit(1, 0, 0, 0),
		unit(1, 0.05, 0, 0),
		unit(1, 0.1, 0, 0),
		unit(0, 0, 1, 0),
		unit(0, 0, 1, 0.05),
	}

	c := NewHDBSCAN(Params{MinClusterSize: 4, MinSamples: 1, ClusterSelectionEpsilon: 0.15})
	res, err := c.Cluster(vectors)
	require.NoError(t, err)

	// Only the three-point group could cluster, and it is below size 4.
	assert.Empty(t, res.Clusters)
	assert.Len(t, res.Noise, 5)
}

// TestHDBSCAN_CentroidIsMean verifies the reported centroid is the exact
// arithmetic mean of member embeddings.
func TestHDBSCAN_CentroidIsMean(t *testing.T) {
	vectors := twoFamilyCorpus()

	c := NewHDBSCAN(defaultParams())
	res, err := c.Cluster(vectors)
	require.NoError(t, err)
	require.Len(t, res.Clusters, 2)

	for _, cl := range res.Clusters {
		for d := range cl.Centroid {
			var want float64
			for _, m := range cl.Members {
				want += float64(vectors[m][d])
			}
			want /= float64(len(cl.Members))
			assert.InDelta(t, want, float64(cl.Centroid[d]), 1e-6)
		}
		assert.Greater(t, cl.Cohesion, 0.9, "tight pairs should be highly cohesive")
	}
}

// TestHDBSCAN_DimensionMismatch verifies mixed-dimension input is rejected.
func TestHDBSCAN_DimensionMismatch(t *testing.T) {
	c := NewHDBSCAN(defaultParams())

	_, err := c.Cluster([][]float32{{1, 0, 0}, {1, 0}})
	assert.Error(t, err)
}

// TestHDBSCAN_EveryPointAccountedFor verifies clusters and noise partition
// the input with no point lost or duplicated.
func TestHDBSCAN_EveryPointAccountedFor(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	vectors := make([][]float32, 60)
	for i := range vectors {
		v := make([]float32, 6)
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		vectors[i] = similarity.Normalize(v)
	}

	c := NewHDBSCAN(defaultParams())
	res, err := c.Cluster(vectors)
	require.NoError(t, err)

	seen := make(map[int]int)
	for _, cl := range res.Clusters {
		for _, m := range cl.Members {
			seen[m]++
		}
	}
	for _, m := range res.Noise {
		seen[m]++
	}

	require.Len(t, seen, len(vectors))
	for i := range vectors {
		assert.Equal(t, 1, seen[i], "point %d should appear exactly once", i)
	}
}
