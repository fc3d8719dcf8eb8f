package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FamilyStatus represents the lifecycle state of a prompt family.
// A family is discovered by a batch run, stays active while the registry
// version that produced it is current, and is superseded wholesale when the
// next batch run commits.
type FamilyStatus string

const (
	FamilyStatusActive     FamilyStatus = "active"
	FamilyStatusSuperseded FamilyStatus = "superseded"
)

// Family represents one semantic prompt family discovered by the batch
// clusterer. The centroid is the arithmetic mean of the member embeddings and
// is written only by the batch tier.
type Family struct {
	FamilyID        string           `db:"family_id" json:"family_id"`
	Name            string           `db:"name" json:"name"`
	Status          FamilyStatus     `db:"status" json:"status"`
	CreatedAt       string           `db:"created_at" json:"created_at"`
	Description     sql.NullString   `db:"description" json:"description,omitempty"`
	Centroid        JSONFloat32Slice `db:"centroid" json:"-"`
	MemberCount     int              `db:"member_count" json:"member_count"`
	Cohesion        float64          `db:"cohesion" json:"cohesion"`
	RegistryVersion int64            `db:"registry_version" json:"registry_version"`
	CreatedAtEpoch  int64            `db:"created_at_epoch" json:"created_at_epoch"`
	UpdatedAtEpoch  int64            `db:"updated_at_epoch" json:"updated_at_epoch"`
}

// NewFamily creates an active family with a fresh id.
func NewFamily(name string, centroid []float32, memberCount int, registryVersion int64) *Family {
	now := time.Now()
	return &Family{
		FamilyID:        uuid.NewString(),
		Name:            name,
		Status:          FamilyStatusActive,
		Centroid:        centroid,
		MemberCount:     memberCount,
		RegistryVersion: registryVersion,
		CreatedAt:       now.Format(time.RFC3339),
		CreatedAtEpoch:  now.UnixMilli(),
		UpdatedAtEpoch:  now.UnixMilli(),
	}
}

// FamilyJSON is a JSON-friendly representation of Family.
type FamilyJSON struct {
	FamilyID        string       `json:"family_id"`
	Name            string       `json:"name"`
	Status          FamilyStatus `json:"status"`
	Description     string       `json:"description,omitempty"`
	CreatedAt       string       `json:"created_at"`
	MemberCount     int          `json:"member_count"`
	Cohesion        float64      `json:"cohesion"`
	RegistryVersion int64        `json:"registry_version"`
	CreatedAtEpoch  int64        `json:"created_at_epoch"`
	UpdatedAtEpoch  int64        `json:"updated_at_epoch"`
}

// MarshalJSON implements json.Marshaler for Family.
// The centroid is deliberately omitted: it is large and internal to the
// classification tiers; clients read it through the registry endpoint.
func (f *Family) MarshalJSON() ([]byte, error) {
	j := FamilyJSON{
		FamilyID:        f.FamilyID,
		Name:            f.Name,
		Status:          f.Status,
		MemberCount:     f.MemberCount,
		Cohesion:        f.Cohesion,
		RegistryVersion: f.RegistryVersion,
		CreatedAt:       f.CreatedAt,
		CreatedAtEpoch:  f.CreatedAtEpoch,
		UpdatedAtEpoch:  f.UpdatedAtEpoch,
	}
	if f.Description.Valid {
		j.Description = f.Description.String
	}
	return json.Marshal(j)
}

// Supersede marks the family as replaced by a newer registry version.
func (f *Family) Supersede() {
	f.Status = FamilyStatusSuperseded
	f.UpdatedAtEpoch = time.Now().UnixMilli()
}
