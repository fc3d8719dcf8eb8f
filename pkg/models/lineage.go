package models

import "time"

// MutationType classifies how far a family drifted from its predecessor
// between two batch epochs, derived from centroid similarity.
type MutationType string

const (
	MutationMinorEdit      MutationType = "minor_edit"
	MutationModerateChange MutationType = "moderate_change"
	MutationMajorChange    MutationType = "major_change"
)

// Mutation classification boundaries on centroid cosine similarity.
const (
	MinorEditThreshold      = 0.95
	ModerateChangeThreshold = 0.80
)

// ClassifyMutation maps a parent/child centroid similarity to a mutation type.
func ClassifyMutation(similarity float64) MutationType {
	switch {
	case similarity >= MinorEditThreshold:
		return MutationMinorEdit
	case similarity >= ModerateChangeThreshold:
		return MutationModerateChange
	default:
		return MutationMajorChange
	}
}

// LineageEdge links a superseded family to its closest successor in the next
// registry version. Edges exist regardless of the id-continuity policy, so
// downstream tracking works whether or not ids are reused across runs.
type LineageEdge struct {
	ParentFamilyID  string       `db:"parent_family_id" json:"parent_family_id"`
	ChildFamilyID   string       `db:"child_family_id" json:"child_family_id"`
	Mutation        MutationType `db:"mutation_type" json:"mutation_type"`
	ID              int64        `db:"id" json:"id"`
	Similarity      float64      `db:"similarity" json:"similarity"`
	RegistryVersion int64        `db:"registry_version" json:"registry_version"`
	CreatedAtEpoch  int64        `db:"created_at_epoch" json:"created_at_epoch"`
}

// NewLineageEdge creates a lineage edge between two family epochs.
func NewLineageEdge(parentID, childID string, similarity float64, registryVersion int64) *LineageEdge {
	return &LineageEdge{
		ParentFamilyID:  parentID,
		ChildFamilyID:   childID,
		Similarity:      similarity,
		Mutation:        ClassifyMutation(similarity),
		RegistryVersion: registryVersion,
		CreatedAtEpoch:  time.Now().UnixMilli(),
	}
}
