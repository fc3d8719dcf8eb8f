package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// DecisionTier is the named confidence band an incremental or batch decision
// falls into. Tiers are ordered by confidence: auto_merge > suggest_merge >
// new_family > none.
type DecisionTier string

const (
	// TierAutoMerge assigns the record to the nearest family outright.
	TierAutoMerge DecisionTier = "auto_merge"
	// TierSuggestMerge links the record provisionally and flags it for review.
	TierSuggestMerge DecisionTier = "suggest_merge"
	// TierNewFamily marks the record as a candidate seed for a family the next
	// batch run may discover. Incremental classification never creates the
	// family itself.
	TierNewFamily DecisionTier = "new_family"
	// TierNone leaves the record unclustered.
	TierNone DecisionTier = "none"
)

// tierRanks orders tiers by confidence for monotonicity checks.
var tierRanks = map[DecisionTier]int{
	TierAutoMerge:    3,
	TierSuggestMerge: 2,
	TierNewFamily:    1,
	TierNone:         0,
}

// Rank returns the confidence ordering of the tier (higher = more confident).
// Unknown tiers rank below none.
func (t DecisionTier) Rank() int {
	if r, ok := tierRanks[t]; ok {
		return r
	}
	return -1
}

// StateForTier maps a decision tier to the prompt lifecycle state it implies.
// Both new_family and none leave the record unclustered; the tier records why.
func StateForTier(t DecisionTier) PromptState {
	switch t {
	case TierAutoMerge:
		return PromptStateAssigned
	case TierSuggestMerge:
		return PromptStateFlagged
	default:
		return PromptStateUnclustered
	}
}

// AssignedBy identifies which tier produced an assignment.
type AssignedBy string

const (
	AssignedByBatch       AssignedBy = "batch"
	AssignedByIncremental AssignedBy = "incremental"
)

// Assignment is the current family decision for one prompt. There is at most
// one per prompt: batch runs overwrite incremental decisions because the full
// reclustering is authoritative.
type Assignment struct {
	RecordID        string         `db:"record_id" json:"record_id"`
	Tier            DecisionTier   `db:"tier" json:"tier"`
	AssignedBy      AssignedBy     `db:"assigned_by" json:"assigned_by"`
	CreatedAt       string         `db:"created_at" json:"created_at"`
	FamilyID        sql.NullString `db:"family_id" json:"family_id,omitempty"`
	ID              int64          `db:"id" json:"id"`
	PromptID        int64          `db:"prompt_id" json:"prompt_id"`
	Similarity      float64        `db:"similarity" json:"similarity"`
	RegistryVersion int64          `db:"registry_version" json:"registry_version"`
	CreatedAtEpoch  int64          `db:"created_at_epoch" json:"created_at_epoch"`
}

// AssignmentJSON is the flat API shape for Assignment.
type AssignmentJSON struct {
	RecordID        string       `json:"record_id"`
	Tier            DecisionTier `json:"tier"`
	AssignedBy      AssignedBy   `json:"assigned_by"`
	CreatedAt       string       `json:"created_at"`
	FamilyID        string       `json:"family_id,omitempty"`
	ID              int64        `json:"id"`
	PromptID        int64        `json:"prompt_id"`
	Similarity      float64      `json:"similarity"`
	RegistryVersion int64        `json:"registry_version"`
	CreatedAtEpoch  int64        `json:"created_at_epoch"`
}

// MarshalJSON implements json.Marshaler for Assignment.
func (a *Assignment) MarshalJSON() ([]byte, error) {
	j := AssignmentJSON{
		ID:              a.ID,
		PromptID:        a.PromptID,
		RecordID:        a.RecordID,
		Tier:            a.Tier,
		AssignedBy:      a.AssignedBy,
		Similarity:      a.Similarity,
		RegistryVersion: a.RegistryVersion,
		CreatedAt:       a.CreatedAt,
		CreatedAtEpoch:  a.CreatedAtEpoch,
	}
	if a.FamilyID.Valid {
		j.FamilyID = a.FamilyID.String
	}
	return json.Marshal(&j)
}

// NewAssignment creates an assignment for a prompt. familyID may be empty for
// unclustered decisions.
func NewAssignment(promptID int64, recordID, familyID string, similarity float64, tier DecisionTier, by AssignedBy, registryVersion int64) *Assignment {
	now := time.Now()
	return &Assignment{
		PromptID:        promptID,
		RecordID:        recordID,
		FamilyID:        sql.NullString{String: familyID, Valid: familyID != ""},
		Similarity:      similarity,
		Tier:            tier,
		AssignedBy:      by,
		RegistryVersion: registryVersion,
		CreatedAt:       now.Format(time.RFC3339),
		CreatedAtEpoch:  now.UnixMilli(),
	}
}
