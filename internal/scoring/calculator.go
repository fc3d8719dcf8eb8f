// Package scoring computes quality scores for prompt families.
package scoring

import (
	"github.com/thebtf/taxon/internal/similarity"
	"github.com/thebtf/taxon/pkg/models"
)

// Config contains the quality floors below which a family is marked for
// review.
type Config struct {
	// LowCohesionFloor flags families whose members scatter around the
	// centroid.
	LowCohesionFloor float64 `json:"low_cohesion_floor"`
	// LowSeparationFloor flags families crowding a neighboring centroid.
	LowSeparationFloor float64 `json:"low_separation_floor"`
}

// DefaultConfig returns the default quality floors.
func DefaultConfig() *Config {
	return &Config{
		LowCohesionFloor:   0.60,
		LowSeparationFloor: 0.10,
	}
}

// Calculator computes cohesion and separation for families.
type Calculator struct {
	config *Config
}

// NewCalculator creates a quality calculator. A nil config uses the
// defaults.
func NewCalculator(config *Config) *Calculator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Calculator{config: config}
}

// Cohesion is the mean cosine similarity between a family's members and its
// centroid: 1.0 when every member sits on the centroid, lower as members
// scatter. Members whose dimension does not match the centroid are skipped;
// no usable members scores 0.
func (c *Calculator) Cohesion(centroid []float32, members [][]float32) float64 {
	if len(centroid) == 0 || len(members) == 0 {
		return 0
	}

	sum := 0.0
	counted := 0
	for _, m := range members {
		if len(m) != len(centroid) {
			continue
		}
		sum += similarity.Cosine(m, centroid)
		counted++
	}
	if counted == 0 {
		return 0
	}
	return sum / float64(counted)
}

// Separation is the smallest cosine distance (1 - cosine) from a centroid
// to any other centroid in the epoch: near 0 when two families crowd each
// other, larger as the family stands alone. A lone family scores 1.0, the
// distance to an orthogonal neighbor.
func (c *Calculator) Separation(self []float32, others [][]float32) float64 {
	if len(self) == 0 {
		return 0
	}

	min := -1.0
	for _, other := range others {
		if len(other) != len(self) {
			continue
		}
		d := 1.0 - similarity.Cosine(self, other)
		if min < 0 || d < min {
			min = d
		}
	}
	if min < 0 {
		return 1.0
	}
	return min
}

// FamilyQuality is the per-family quality breakdown of one batch epoch.
type FamilyQuality struct {
	FamilyID    string  `json:"family_id"`
	Cohesion    float64 `json:"cohesion"`
	Separation  float64 `json:"separation"`
	MemberCount int     `json:"member_count"`
	NeedsReview bool    `json:"needs_review"`
}

// ScoreEpoch computes quality for every family of a freshly clustered
// epoch. members is keyed by family id. The computed cohesion is written
// back onto each family so the epoch commit persists it; the full breakdown
// goes into the run summary and drives review prioritization.
func (c *Calculator) ScoreEpoch(families []*models.Family, members map[string][][]float32) []FamilyQuality {
	if len(families) == 0 {
		return nil
	}

	centroids := make([][]float32, len(families))
	for i, f := range families {
		centroids[i] = f.Centroid
	}

	qualities := make([]FamilyQuality, len(families))
	for i, f := range families {
		others := make([][]float32, 0, len(centroids)-1)
		others = append(others, centroids[:i]...)
		others = append(others, centroids[i+1:]...)

		cohesion := c.Cohesion(f.Centroid, members[f.FamilyID])
		sep := c.Separation(f.Centroid, others)

		f.Cohesion = cohesion
		qualities[i] = FamilyQuality{
			FamilyID:    f.FamilyID,
			Cohesion:    cohesion,
			Separation:  sep,
			MemberCount: len(members[f.FamilyID]),
			NeedsReview: cohesion < c.config.LowCohesionFloor || sep < c.config.LowSeparationFloor,
		}
	}
	return qualities
}

// ReviewPriority orders flagged assignments for human review.
//
//	priority = 0.6*(1 - cohesion) + 0.4*(1 - similarity)
//
// Weak matches into poorly formed families surface first; priority is in
// [0,1] and higher means review sooner.
func (c *Calculator) ReviewPriority(assignmentSimilarity float64, quality FamilyQuality) float64 {
	return 0.6*(1.0-quality.Cohesion) + 0.4*(1.0-assignmentSimilarity)
}

// GetConfig returns the current quality configuration.
func (c *Calculator) GetConfig() *Config {
	return c.config
}
