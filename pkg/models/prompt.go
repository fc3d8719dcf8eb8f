// Package models contains domain models for taxon.
package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PromptState represents where a prompt sits in the classification lifecycle.
// Every prompt starts pending; an incremental run moves it to one of the
// terminal-per-epoch states, and the next full batch run resets all of them.
type PromptState string

const (
	PromptStatePending     PromptState = "pending"
	PromptStateAssigned    PromptState = "assigned"
	PromptStateFlagged     PromptState = "flagged"
	PromptStateUnclustered PromptState = "unclustered"
)

// PromptSource identifies where a prompt record entered the system.
type PromptSource string

const (
	SourceAPI      PromptSource = "api"
	SourceJSONL    PromptSource = "jsonl"
	SourceTemplate PromptSource = "template"
)

// JSONFloat32Slice is a custom type for handling JSON float arrays in SQLite.
type JSONFloat32Slice []float32

// Scan implements sql.Scanner for JSONFloat32Slice.
func (j *JSONFloat32Slice) Scan(src interface{}) error {
	if src == nil {
		*j = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("JSONFloat32Slice: unsupported type %T", src)
	}

	if len(data) == 0 {
		*j = nil
		return nil
	}

	return json.Unmarshal(data, j)
}

// Value implements driver.Valuer for JSONFloat32Slice.
func (j JSONFloat32Slice) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// JSONStringMap is a custom type for handling JSON string maps in SQLite.
type JSONStringMap map[string]string

// Scan implements sql.Scanner for JSONStringMap.
func (j *JSONStringMap) Scan(src interface{}) error {
	if src == nil {
		*j = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("JSONStringMap: unsupported type %T", src)
	}

	if len(data) == 0 {
		*j = nil
		return nil
	}

	return json.Unmarshal(data, j)
}

// Value implements driver.Valuer for JSONStringMap.
func (j JSONStringMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Prompt represents one normalized free-text prompt record.
//
// Text holds the normalized form (lowercased, whitespace-collapsed, secrets
// redacted) used for embedding and dedup; RawText preserves the original.
type Prompt struct {
	Metadata       JSONStringMap    `db:"metadata" json:"metadata,omitempty"`
	RecordID       string           `db:"record_id" json:"record_id"`
	Text           string           `db:"text" json:"text"`
	DedupHash      string           `db:"dedup_hash" json:"dedup_hash"`
	Source         PromptSource     `db:"source" json:"source"`
	State          PromptState      `db:"state" json:"state"`
	ModelVersion   string           `db:"model_version" json:"model_version,omitempty"`
	CreatedAt      string           `db:"created_at" json:"created_at"`
	RawText        sql.NullString   `db:"raw_text" json:"raw_text,omitempty"`
	FamilyID       sql.NullString   `db:"family_id" json:"family_id,omitempty"`
	Tier           sql.NullString   `db:"tier" json:"tier,omitempty"`
	Similarity     sql.NullFloat64  `db:"similarity" json:"similarity,omitempty"`
	Embedding      JSONFloat32Slice `db:"embedding" json:"-"`
	ID             int64            `db:"id" json:"id"`
	SimHash        uint64           `db:"simhash" json:"simhash"`
	CreatedAtEpoch int64            `db:"created_at_epoch" json:"created_at_epoch"`
	UpdatedAtEpoch int64            `db:"updated_at_epoch" json:"updated_at_epoch"`
}

// NewPrompt creates a pending prompt record with a fresh record id.
// The caller supplies the already-normalized text plus its dedup fingerprints.
func NewPrompt(rawText, normalizedText, dedupHash string, simhash uint64, source PromptSource) *Prompt {
	now := time.Now()
	return &Prompt{
		RecordID:       uuid.NewString(),
		Text:           normalizedText,
		RawText:        sql.NullString{String: rawText, Valid: rawText != "" && rawText != normalizedText},
		DedupHash:      dedupHash,
		SimHash:        simhash,
		Source:         source,
		State:          PromptStatePending,
		CreatedAt:      now.Format(time.RFC3339),
		CreatedAtEpoch: now.UnixMilli(),
		UpdatedAtEpoch: now.UnixMilli(),
	}
}

// PromptJSON is a JSON-friendly representation of Prompt.
// It converts sql.Null fields to plain values for clean JSON output.
type PromptJSON struct {
	Metadata       map[string]string `json:"metadata,omitempty"`
	RecordID       string            `json:"record_id"`
	Text           string            `json:"text"`
	RawText        string            `json:"raw_text,omitempty"`
	DedupHash      string            `json:"dedup_hash"`
	Source         PromptSource      `json:"source"`
	State          PromptState       `json:"state"`
	FamilyID       string            `json:"family_id,omitempty"`
	Tier           string            `json:"tier,omitempty"`
	ModelVersion   string            `json:"model_version,omitempty"`
	CreatedAt      string            `json:"created_at"`
	ID             int64             `json:"id"`
	SimHash        uint64            `json:"simhash"`
	Similarity     float64           `json:"similarity,omitempty"`
	CreatedAtEpoch int64             `json:"created_at_epoch"`
	UpdatedAtEpoch int64             `json:"updated_at_epoch"`
}

// MarshalJSON implements json.Marshaler for Prompt.
func (p *Prompt) MarshalJSON() ([]byte, error) {
	j := PromptJSON{
		ID:             p.ID,
		RecordID:       p.RecordID,
		Text:           p.Text,
		DedupHash:      p.DedupHash,
		SimHash:        p.SimHash,
		Source:         p.Source,
		State:          p.State,
		ModelVersion:   p.ModelVersion,
		Metadata:       p.Metadata,
		CreatedAt:      p.CreatedAt,
		CreatedAtEpoch: p.CreatedAtEpoch,
		UpdatedAtEpoch: p.UpdatedAtEpoch,
	}
	if p.RawText.Valid {
		j.RawText = p.RawText.String
	}
	if p.FamilyID.Valid {
		j.FamilyID = p.FamilyID.String
	}
	if p.Tier.Valid {
		j.Tier = p.Tier.String
	}
	if p.Similarity.Valid {
		j.Similarity = p.Similarity.Float64
	}
	return json.Marshal(j)
}

// Touch updates the modification timestamp.
func (p *Prompt) Touch() {
	p.UpdatedAtEpoch = time.Now().UnixMilli()
}
