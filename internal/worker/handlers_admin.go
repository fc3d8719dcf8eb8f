package worker

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/taxon/internal/pipeline"
	"github.com/thebtf/taxon/pkg/models"
)

// handleRunBatch triggers a full batch reclustering run. The run executes in
// the background; poll /api/runs or watch /api/events for the outcome. A
// manual trigger skips the scheduler's pending-count gate but never overlaps
// a run already in flight.
//
// @Summary Trigger batch run
// @Tags admin
// @Produce json
// @Success 202 {object} map[string]string
// @Failure 409 {string} string
// @Router /api/admin/run/batch [post]
func (s *Service) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	if s.pipeline.Running(models.RunKindBatch) {
		http.Error(w, "batch run already in progress", http.StatusConflict)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.pipeline.RunBatch(s.ctx); err != nil {
			if errors.Is(err, pipeline.ErrAlreadyRunning) {
				log.Debug().Msg("Manual batch trigger lost the start race")
				return
			}
			log.Error().Err(err).Msg("Manual batch run failed")
		}
	}()

	writeJSONStatus(w, http.StatusAccepted, map[string]string{
		"status": "started",
		"kind":   string(models.RunKindBatch),
	})
}

// handleRunIncremental triggers an incremental classification run over
// pending prompts, bypassing the minimum-pending gate.
//
// @Summary Trigger incremental run
// @Tags admin
// @Produce json
// @Success 202 {object} map[string]string
// @Failure 409 {string} string
// @Router /api/admin/run/incremental [post]
func (s *Service) handleRunIncremental(w http.ResponseWriter, r *http.Request) {
	if s.pipeline.Running(models.RunKindIncremental) {
		http.Error(w, "incremental run already in progress", http.StatusConflict)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.pipeline.RunIncremental(s.ctx); err != nil {
			if errors.Is(err, pipeline.ErrAlreadyRunning) {
				log.Debug().Msg("Manual incremental trigger lost the start race")
				return
			}
			log.Error().Err(err).Msg("Manual incremental run failed")
		}
	}()

	writeJSONStatus(w, http.StatusAccepted, map[string]string{
		"status": "started",
		"kind":   string(models.RunKindIncremental),
	})
}

// handleRunMaintenance runs one maintenance pass synchronously and returns
// the maintenance counters.
//
// @Summary Trigger maintenance pass
// @Tags admin
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/admin/maintenance [post]
func (s *Service) handleRunMaintenance(w http.ResponseWriter, r *http.Request) {
	s.maint.RunOnce(r.Context())
	writeJSON(w, s.maint.Stats())
}
