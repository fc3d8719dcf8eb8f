package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunKind distinguishes the two scheduled pipeline tiers.
type RunKind string

const (
	RunKindBatch       RunKind = "batch"
	RunKindIncremental RunKind = "incremental"
)

// RunStatus represents the outcome of a processing run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// BatchStats is the report a batch run returns to callers.
// FamiliesContinued is only nonzero when family id continuity is enabled.
type BatchStats struct {
	Processed         int `json:"processed"`
	Skipped           int `json:"skipped"`
	Failed            int `json:"failed"`
	FamiliesCreated   int `json:"families_created"`
	FamiliesContinued int `json:"families_continued,omitempty"`
}

// IncrementalStats is the report an incremental run returns to callers.
type IncrementalStats struct {
	Processed   int `json:"processed"`
	Assigned    int `json:"assigned"`
	Flagged     int `json:"flagged"`
	Unclustered int `json:"unclustered"`
	Failed      int `json:"failed"`
}

// ProcessingRun records one execution of either pipeline tier. StatsJSON
// holds the marshaled BatchStats or IncrementalStats for the run kind.
type ProcessingRun struct {
	RunID           string         `db:"run_id" json:"run_id"`
	Kind            RunKind        `db:"kind" json:"kind"`
	Status          RunStatus      `db:"status" json:"status"`
	StatsJSON       string         `db:"stats" json:"stats,omitempty"`
	Error           sql.NullString `db:"error" json:"error,omitempty"`
	RegistryVersion sql.NullInt64  `db:"registry_version" json:"registry_version,omitempty"`
	ID              int64          `db:"id" json:"id"`
	StartedAtEpoch  int64          `db:"started_at_epoch" json:"started_at_epoch"`
	FinishedAtEpoch sql.NullInt64  `db:"finished_at_epoch" json:"finished_at_epoch,omitempty"`
}

// ProcessingRunJSON is the flat API shape for ProcessingRun. Stats carries
// the run's BatchStats or IncrementalStats as structured JSON.
type ProcessingRunJSON struct {
	RunID           string          `json:"run_id"`
	Kind            RunKind         `json:"kind"`
	Status          RunStatus       `json:"status"`
	Stats           json.RawMessage `json:"stats,omitempty"`
	Error           string          `json:"error,omitempty"`
	RegistryVersion int64           `json:"registry_version,omitempty"`
	ID              int64           `json:"id"`
	StartedAtEpoch  int64           `json:"started_at_epoch"`
	FinishedAtEpoch int64           `json:"finished_at_epoch,omitempty"`
}

// MarshalJSON implements json.Marshaler for ProcessingRun.
func (r *ProcessingRun) MarshalJSON() ([]byte, error) {
	j := ProcessingRunJSON{
		ID:             r.ID,
		RunID:          r.RunID,
		Kind:           r.Kind,
		Status:         r.Status,
		StartedAtEpoch: r.StartedAtEpoch,
	}
	if r.StatsJSON != "" {
		j.Stats = json.RawMessage(r.StatsJSON)
	}
	if r.Error.Valid {
		j.Error = r.Error.String
	}
	if r.RegistryVersion.Valid {
		j.RegistryVersion = r.RegistryVersion.Int64
	}
	if r.FinishedAtEpoch.Valid {
		j.FinishedAtEpoch = r.FinishedAtEpoch.Int64
	}
	return json.Marshal(&j)
}

// NewProcessingRun starts a run record in the running state.
func NewProcessingRun(kind RunKind) *ProcessingRun {
	return &ProcessingRun{
		RunID:          uuid.NewString(),
		Kind:           kind,
		Status:         RunStatusRunning,
		StartedAtEpoch: time.Now().UnixMilli(),
	}
}

// Complete marks the run finished with its stats payload.
func (r *ProcessingRun) Complete(statsJSON string, registryVersion int64) {
	r.Status = RunStatusCompleted
	r.StatsJSON = statsJSON
	if registryVersion > 0 {
		r.RegistryVersion = sql.NullInt64{Int64: registryVersion, Valid: true}
	}
	r.FinishedAtEpoch = sql.NullInt64{Int64: time.Now().UnixMilli(), Valid: true}
}

// Fail marks the run failed with an error message. Partial stats may still be
// attached so operators can see how far the run got.
func (r *ProcessingRun) Fail(errMsg, statsJSON string) {
	r.Status = RunStatusFailed
	r.Error = sql.NullString{String: errMsg, Valid: errMsg != ""}
	r.StatsJSON = statsJSON
	r.FinishedAtEpoch = sql.NullInt64{Int64: time.Now().UnixMilli(), Valid: true}
}

// Duration returns the wall-clock duration of a finished run, or zero while
// the run is still in flight.
func (r *ProcessingRun) Duration() time.Duration {
	if !r.FinishedAtEpoch.Valid {
		return 0
	}
	return time.Duration(r.FinishedAtEpoch.Int64-r.StartedAtEpoch) * time.Millisecond
}
