package worker

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/thebtf/taxon/internal/embedding"
	"github.com/thebtf/taxon/internal/ingest"
	"github.com/thebtf/taxon/pkg/models"
)

// IngestRecord is one raw prompt in an ingestion request.
type IngestRecord struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IngestRequest is the request body for POST /api/prompts. Either a single
// text or a batch of records; a batch wins when both are present.
type IngestRequest struct {
	Text     string            `json:"text,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Records  []IngestRecord    `json:"records,omitempty"`
}

// ClassifyRequest is the request body for POST /api/classify.
type ClassifyRequest struct {
	Text string `json:"text"`
}

// handleGetPrompts lists prompt records, newest first. Filterable by
// lifecycle state or family.
//
// @Summary List prompts
// @Tags prompts
// @Produce json
// @Param state query string false "filter by state (pending|assigned|flagged|unclustered)"
// @Param family query string false "filter by family id"
// @Param limit query int false "max results"
// @Success 200 {object} map[string]any
// @Failure 400 {string} string
// @Router /api/prompts [get]
func (s *Service) handleGetPrompts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := parseLimit(r, DefaultPromptsLimit)

	var (
		prompts []*models.Prompt
		err     error
	)
	switch {
	case r.URL.Query().Get("family") != "":
		familyID := r.URL.Query().Get("family")
		if verr := ValidateFamilyID(familyID); verr != nil {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		prompts, err = s.store.GetPromptsByFamily(ctx, familyID, limit)
	case r.URL.Query().Get("state") != "":
		state := models.PromptState(r.URL.Query().Get("state"))
		switch state {
		case models.PromptStatePending, models.PromptStateAssigned,
			models.PromptStateFlagged, models.PromptStateUnclustered:
		default:
			http.Error(w, "invalid state filter", http.StatusBadRequest)
			return
		}
		prompts, err = s.store.GetPromptsByState(ctx, state, limit)
	default:
		prompts, err = s.store.GetRecentPrompts(ctx, limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"prompts": prompts,
		"count":   len(prompts),
	})
}

// handleIngestPrompts accepts one prompt or a batch of them. Records are
// normalized, deduplicated and stored pending; classification happens on the
// next incremental run.
//
// @Summary Ingest prompts
// @Tags prompts
// @Accept json
// @Produce json
// @Param request body IngestRequest true "single text or batch of records"
// @Success 200 {object} ingest.Report
// @Success 201 {object} ingest.Result
// @Failure 400 {string} string
// @Router /api/prompts [post]
func (s *Service) handleIngestPrompts(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if len(req.Records) > 0 {
		records := make([]ingest.Record, len(req.Records))
		for i, rec := range req.Records {
			records[i] = ingest.Record{Text: rec.Text, Metadata: rec.Metadata}
		}
		report, err := s.ingestor.IngestBatch(r.Context(), records, models.SourceAPI)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, report)
		return
	}

	result, err := s.ingestor.IngestText(r.Context(), req.Text, models.SourceAPI, req.Metadata)
	if err != nil {
		if errors.Is(err, ingest.ErrEmptyPrompt) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if result.Created {
		writeJSONStatus(w, http.StatusCreated, result)
		return
	}
	writeJSON(w, result)
}

// handleClassify scores a prompt against the active registry without
// persisting anything. The same thresholds the incremental pipeline uses
// decide the tier, so the response predicts what an ingest would do.
//
// @Summary Classify text (dry run)
// @Tags classify
// @Accept json
// @Produce json
// @Param request body ClassifyRequest true "text to classify"
// @Success 200 {object} map[string]any
// @Failure 400 {string} string
// @Router /api/classify [post]
func (s *Service) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	vec, err := s.embedder.Embed(r.Context(), req.Text)
	if err != nil {
		if errors.Is(err, embedding.ErrEmptyText) || errors.Is(err, embedding.ErrTextTooLong) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// One immutable view for the whole request; a concurrent registry swap
	// cannot mix versions mid-decision.
	view := s.classifier.View()
	decision, err := view.Classify(vec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.metrics.RecordDecision(r.Context(), string(decision.Tier))

	response := map[string]any{"decision": decision}
	if id := decision.FamilyID; id != "" {
		if fam, ferr := s.store.GetFamilyByID(r.Context(), id); ferr == nil && fam != nil {
			response["family"] = fam
		}
	} else if id := decision.NearestFamilyID; id != "" {
		if fam, ferr := s.store.GetFamilyByID(r.Context(), id); ferr == nil && fam != nil {
			response["nearest_family"] = fam
		}
	}
	writeJSON(w, response)
}
