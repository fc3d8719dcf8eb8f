package similarity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical direction", []float32{1, 0}, []float32{2, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"dimension mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"empty", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCosine_Range(t *testing.T) {
	a := []float32{0.3, -0.7, 0.2, 0.9}
	b := []float32{-0.1, 0.4, 0.8, -0.5}

	s := Cosine(a, b)
	assert.GreaterOrEqual(t, s, -1.0)
	assert.LessOrEqual(t, s, 1.0)
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	n := Normalize(v)

	assert.InDelta(t, 1.0, Norm(n), 1e-6)
	assert.InDelta(t, 0.6, float64(n[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(n[1]), 1e-6)
	// input untouched
	assert.Equal(t, float32(3), v[0])

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestSquaredEuclidean_RelatesToCosineOnUnitVectors(t *testing.T) {
	a := Normalize([]float32{1, 2, 3})
	b := Normalize([]float32{-2, 1, 0.5})

	d2 := SquaredEuclidean(a, b)
	cos := Cosine(a, b)
	assert.InDelta(t, 2-2*cos, d2, 1e-6)
}

func TestNearest_PicksHighestScore(t *testing.T) {
	candidates := map[string][]float32{
		"far":    {0, 1},
		"close":  {0.9, 0.1},
		"middle": {0.5, 0.5},
	}

	m, ok := Nearest([]float32{1, 0}, candidates)
	assert.True(t, ok)
	assert.Equal(t, "close", m.ID)
	assert.Greater(t, m.Score, 0.9)
}

func TestNearest_TieBreaksOnLowestID(t *testing.T) {
	candidates := map[string][]float32{
		"bbb": {1, 0},
		"aaa": {2, 0},
		"ccc": {3, 0},
	}

	// All three have cosine 1.0 against the query.
	for i := 0; i < 20; i++ {
		m, ok := Nearest([]float32{1, 0}, candidates)
		assert.True(t, ok)
		assert.Equal(t, "aaa", m.ID)
	}
}

func TestNearest_EmptyCandidates(t *testing.T) {
	_, ok := Nearest([]float32{1, 0}, nil)
	assert.False(t, ok)

	_, ok = Nearest([]float32{1, 0}, map[string][]float32{})
	assert.False(t, ok)
}

func TestTopK(t *testing.T) {
	candidates := map[string][]float32{
		"a": {1, 0},
		"b": {0.9, 0.1},
		"c": {0, 1},
		"d": {-1, 0},
	}

	got := TopK([]float32{1, 0}, candidates, 2)
	assert.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	assert.Nil(t, TopK([]float32{1, 0}, candidates, 0))
	assert.Len(t, TopK([]float32{1, 0}, candidates, 10), 4)
}

func TestMean(t *testing.T) {
	vectors := [][]float32{
		{1, 2},
		{3, 4},
		{5, 6},
	}

	m := Mean(vectors)
	assert.InDelta(t, 3.0, float64(m[0]), 1e-6)
	assert.InDelta(t, 4.0, float64(m[1]), 1e-6)

	assert.Nil(t, Mean(nil))
}

func TestMean_SingleVector(t *testing.T) {
	m := Mean([][]float32{{0.25, -0.5}})
	assert.Equal(t, []float32{0.25, -0.5}, m)
}

func TestNormalizeInPlace(t *testing.T) {
	v := []float32{0, 5}
	NormalizeInPlace(v)
	assert.InDelta(t, 1.0, float64(v[1]), 1e-6)

	zero := []float32{0, 0}
	NormalizeInPlace(zero)
	assert.True(t, math.Abs(float64(zero[0])) < 1e-9)
}
