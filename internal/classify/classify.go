// Package classify implements nearest-centroid classification of prompt
// embeddings against the family registry.
package classify

import (
	"fmt"

	"github.com/thebtf/taxon/internal/config"
	"github.com/thebtf/taxon/internal/registry"
	"github.com/thebtf/taxon/internal/similarity"
	"github.com/thebtf/taxon/pkg/models"
)

// Thresholds are the decision-ladder cut points. Config validation
// guarantees auto > suggest > newFamily > 0.
type Thresholds struct {
	AutoMerge    float64
	SuggestMerge float64
	NewFamily    float64
}

// ThresholdsFromConfig extracts the ladder from app configuration.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	auto, suggest, newFamily := cfg.BatchThresholds()
	return Thresholds{AutoMerge: auto, SuggestMerge: suggest, NewFamily: newFamily}
}

// rung is one band of the decision ladder.
type rung struct {
	floor  float64
	tier   models.DecisionTier
	assign bool
}

// ladder returns the bands ordered from the highest floor down. Scoring
// walks the rungs and takes the first one the similarity clears.
func (t Thresholds) ladder() []rung {
	return []rung{
		{floor: t.AutoMerge, tier: models.TierAutoMerge, assign: true},
		{floor: t.SuggestMerge, tier: models.TierSuggestMerge, assign: true},
		{floor: t.NewFamily, tier: models.TierNewFamily},
	}
}

// Decide maps a similarity score to its tier and whether the record joins
// the matched family.
func (t Thresholds) Decide(score float64) (models.DecisionTier, bool) {
	for _, r := range t.ladder() {
		if score >= r.floor {
			return r.tier, r.assign
		}
	}
	return models.TierNone, false
}

// Decision is the outcome of classifying one embedding. FamilyID is set only
// for the merge tiers; NearestFamilyID reports the best match whenever the
// registry has families, so flag reviews can show what a prompt almost
// joined.
type Decision struct {
	Tier            models.DecisionTier `json:"tier"`
	FamilyID        string              `json:"family_id,omitempty"`
	NearestFamilyID string              `json:"nearest_family_id,omitempty"`
	Similarity      float64             `json:"similarity"`
	RegistryVersion int64               `json:"registry_version"`
	Bootstrap       bool                `json:"bootstrap,omitempty"`
}

// Classifier scores embeddings against registry snapshots. It never writes:
// family structure only changes through batch runs.
type Classifier struct {
	reg        *registry.Registry
	thresholds Thresholds
}

// New creates a classifier over the registry.
func New(reg *registry.Registry, thresholds Thresholds) *Classifier {
	return &Classifier{reg: reg, thresholds: thresholds}
}

// Classify scores one embedding against the current registry version.
func (c *Classifier) Classify(vec []float32) (Decision, error) {
	return c.View().Classify(vec)
}

// View pins the current registry snapshot for a whole classification pass,
// so every prompt in the pass is judged against the same family set even if
// a batch run swaps the registry mid-pass.
func (c *Classifier) View() *View {
	snap := c.reg.Snapshot()
	v := &View{snap: snap, thresholds: c.thresholds}
	if !snap.Empty() {
		v.candidates = make(map[string][]float32, len(snap.Entries))
		for _, e := range snap.Entries {
			v.candidates[e.FamilyID] = e.Centroid
		}
	}
	return v
}

// View is one pinned registry version prepared for scoring.
type View struct {
	snap       *models.RegistrySnapshot
	thresholds Thresholds
	candidates map[string][]float32
}

// Version returns the pinned registry version.
func (v *View) Version() int64 {
	return v.snap.Version
}

// Empty reports whether the pinned registry has no families (bootstrap).
func (v *View) Empty() bool {
	return v.snap.Empty()
}

// Classify runs the decision ladder for one embedding. An empty registry is
// the bootstrap state: the prompt stays unclustered for the next batch run,
// never an error. Classification is a pure function of (embedding, pinned
// snapshot), so reclassifying is idempotent.
func (v *View) Classify(vec []float32) (Decision, error) {
	if len(vec) == 0 {
		return Decision{}, fmt.Errorf("empty embedding")
	}

	if v.snap.Empty() {
		return Decision{
			Tier:            models.TierNone,
			RegistryVersion: v.snap.Version,
			Bootstrap:       true,
		}, nil
	}

	if v.snap.Dimensions > 0 && len(vec) != v.snap.Dimensions {
		return Decision{}, fmt.Errorf("embedding has %d dimensions, registry expects %d", len(vec), v.snap.Dimensions)
	}

	match, ok := similarity.Nearest(vec, v.candidates)
	if !ok {
		return Decision{
			Tier:            models.TierNone,
			RegistryVersion: v.snap.Version,
			Bootstrap:       true,
		}, nil
	}

	d := Decision{
		NearestFamilyID: match.ID,
		Similarity:      match.Score,
		RegistryVersion: v.snap.Version,
	}

	tier, assign := v.thresholds.Decide(match.Score)
	d.Tier = tier
	if assign {
		d.FamilyID = match.ID
	}
	return d, nil
}
