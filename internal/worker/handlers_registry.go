package worker

import (
	"net/http"
	"strconv"

	"github.com/thebtf/taxon/pkg/models"
)

// registrySummary shapes a snapshot for the API without the centroid
// payloads, which run to megabytes on larger family sets.
func registrySummary(snap *models.RegistrySnapshot) map[string]any {
	families := make([]map[string]any, len(snap.Entries))
	for i, e := range snap.Entries {
		families[i] = map[string]any{
			"family_id":    e.FamilyID,
			"name":         e.Name,
			"member_count": e.MemberCount,
		}
	}
	return map[string]any{
		"version":          snap.Version,
		"run_id":           snap.RunID,
		"model_version":    snap.ModelVersion,
		"dimensions":       snap.Dimensions,
		"family_count":     len(snap.Entries),
		"created_at_epoch": snap.CreatedAtEpoch,
		"families":         families,
	}
}

// handleGetRegistry returns the active registry snapshot, or a historical
// one when a version is given. Centroids are omitted.
//
// @Summary Registry snapshot
// @Tags registry
// @Produce json
// @Param version query int false "registry version (default: active)"
// @Success 200 {object} map[string]any
// @Failure 404 {string} string
// @Router /api/registry [get]
func (s *Service) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("version"); raw != "" {
		version, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || version <= 0 {
			http.Error(w, "invalid version", http.StatusBadRequest)
			return
		}
		snap, err := s.store.GetRegistrySnapshot(r.Context(), version)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if snap == nil {
			http.Error(w, "registry version not found", http.StatusNotFound)
			return
		}
		writeJSON(w, registrySummary(snap))
		return
	}

	writeJSON(w, registrySummary(s.registry.Snapshot()))
}

// handleGetRegistryVersions lists committed registry versions, newest first.
//
// @Summary Registry history
// @Tags registry
// @Produce json
// @Param limit query int false "max results"
// @Success 200 {object} map[string]any
// @Router /api/registry/versions [get]
func (s *Service) handleGetRegistryVersions(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, DefaultVersionsLimit)

	versions, err := s.store.ListRegistryVersions(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"versions": versions,
		"count":    len(versions),
		"active":   s.registry.Version(),
	})
}

// handleGetRuns lists recent processing runs. The CLI polls this after
// triggering a manual run.
//
// @Summary List processing runs
// @Tags registry
// @Produce json
// @Param kind query string false "filter by kind (batch|incremental)"
// @Param limit query int false "max results"
// @Success 200 {object} map[string]any
// @Failure 400 {string} string
// @Router /api/runs [get]
func (s *Service) handleGetRuns(w http.ResponseWriter, r *http.Request) {
	kind := models.RunKind(r.URL.Query().Get("kind"))
	switch kind {
	case "", models.RunKindBatch, models.RunKindIncremental:
	default:
		http.Error(w, "invalid kind filter", http.StatusBadRequest)
		return
	}
	limit := parseLimit(r, DefaultRunsLimit)

	runs, err := s.store.GetRecentRuns(r.Context(), kind, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}
