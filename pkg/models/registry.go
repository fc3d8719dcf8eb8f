package models

// RegistryEntry is one family's row in a centroid registry snapshot: the
// minimal data the incremental classifier needs to score a prompt against the
// family.
type RegistryEntry struct {
	FamilyID    string    `json:"family_id"`
	Name        string    `json:"name"`
	Centroid    []float32 `json:"centroid"`
	MemberCount int       `json:"member_count"`
}

// RegistrySnapshot is one committed, immutable version of the centroid
// registry. A batch run produces a complete snapshot; readers pin one for the
// duration of a classification pass.
type RegistrySnapshot struct {
	RunID          string          `json:"run_id"`
	Entries        []RegistryEntry `json:"entries"`
	Version        int64           `json:"version"`
	ModelVersion   string          `json:"model_version"`
	Dimensions     int             `json:"dimensions"`
	CreatedAtEpoch int64           `json:"created_at_epoch"`
}

// Empty reports whether the snapshot carries no families, which is the
// bootstrap state before the first successful batch run.
func (s *RegistrySnapshot) Empty() bool {
	return s == nil || len(s.Entries) == 0
}

// RegistryVersionInfo summarizes one committed snapshot without its centroid
// payload, for version-history listings.
type RegistryVersionInfo struct {
	RunID          string `json:"run_id"`
	ModelVersion   string `json:"model_version"`
	Version        int64  `json:"version"`
	Dimensions     int    `json:"dimensions"`
	FamilyCount    int    `json:"family_count"`
	CreatedAtEpoch int64  `json:"created_at_epoch"`
}
