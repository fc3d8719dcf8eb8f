// Package similarity provides the vector similarity primitives shared by the
// batch clusterer and the incremental classifier.
package similarity

import (
	"math"
	"sort"
)

// Cosine computes the cosine similarity between two float32 vectors.
// Returns a value in [-1, 1], where 1 means identical direction. Mismatched
// dimensions or zero-norm inputs yield 0 rather than an error: a degenerate
// vector is simply dissimilar to everything.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Norm returns the Euclidean (L2) norm of the vector.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns an L2-normalized copy of v. Zero vectors are returned as
// a copy unchanged; callers compare them with Cosine, which maps them to 0.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	n := Norm(v)
	if n == 0 {
		copy(out, v)
		return out
	}
	inv := 1.0 / n
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// NormalizeInPlace rescales v to unit length. Zero vectors are left alone.
func NormalizeInPlace(v []float32) {
	n := Norm(v)
	if n == 0 {
		return
	}
	inv := 1.0 / n
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

// SquaredEuclidean computes the squared L2 distance between two vectors.
// On unit vectors this relates to cosine as d2 = 2 - 2*cos, which lets the
// clusterer work in Euclidean space while preserving cosine semantics.
func SquaredEuclidean(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// Match is the result of a nearest-candidate lookup.
type Match struct {
	ID    string
	Score float64
}

// Nearest returns the candidate with the highest cosine similarity to query.
// Ties break toward the lexicographically lowest id so repeated lookups are
// reproducible regardless of map iteration order. Returns ok=false when there
// are no candidates.
func Nearest(query []float32, candidates map[string][]float32) (Match, bool) {
	if len(candidates) == 0 {
		return Match{}, false
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best := Match{Score: math.Inf(-1)}
	for _, id := range ids {
		score := Cosine(query, candidates[id])
		if score > best.Score {
			best = Match{ID: id, Score: score}
		}
	}
	return best, true
}

// TopK returns the k highest-similarity candidates in descending score order,
// ties broken by lowest id. Used by the exact decision path; the retrieval
// index serves the approximate one.
func TopK(query []float32, candidates map[string][]float32, k int) []Match {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}

	matches := make([]Match, 0, len(candidates))
	for id, vec := range candidates {
		matches = append(matches, Match{ID: id, Score: Cosine(query, vec)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// Mean computes the arithmetic mean of a set of equal-dimension vectors in
// float64 accumulation. Returns nil for an empty set.
func Mean(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}

	dim := len(vectors[0])
	acc := make([]float64, dim)
	for _, v := range vectors {
		for i := 0; i < dim && i < len(v); i++ {
			acc[i] += float64(v[i])
		}
	}

	out := make([]float32, dim)
	inv := 1.0 / float64(len(vectors))
	for i, s := range acc {
		out[i] = float32(s * inv)
	}
	return out
}
