package worker

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/thebtf/taxon/pkg/models"
)

// DefaultFamilyMembers is how many member prompts a family detail includes.
const DefaultFamilyMembers = 20

// handleGetFamilies lists the active family set, or a historical one when a
// registry version is given.
//
// @Summary List families
// @Tags families
// @Produce json
// @Param version query int false "registry version (default: active)"
// @Success 200 {object} map[string]any
// @Failure 400 {string} string
// @Router /api/families [get]
func (s *Service) handleGetFamilies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		families []*models.Family
		err      error
	)
	if raw := r.URL.Query().Get("version"); raw != "" {
		version, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || version <= 0 {
			http.Error(w, "invalid version", http.StatusBadRequest)
			return
		}
		families, err = s.store.GetFamiliesByVersion(ctx, version)
	} else {
		families, err = s.store.GetActiveFamilies(ctx)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"families":         families,
		"count":            len(families),
		"registry_version": s.registry.Version(),
	})
}

// handleGetFamily returns one family with a sample of its member prompts.
//
// @Summary Get family
// @Tags families
// @Produce json
// @Param id path string true "family id"
// @Param limit query int false "max members to include"
// @Success 200 {object} map[string]any
// @Failure 400 {string} string
// @Failure 404 {string} string
// @Router /api/families/{id} [get]
func (s *Service) handleGetFamily(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "id")
	if err := ValidateFamilyID(familyID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fam, err := s.store.GetFamilyByID(r.Context(), familyID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if fam == nil {
		http.Error(w, "family not found", http.StatusNotFound)
		return
	}

	limit := parseLimit(r, DefaultFamilyMembers)
	members, err := s.store.GetPromptsByFamily(r.Context(), familyID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"family":  fam,
		"members": members,
	})
}

// handleGetFamilyLineage returns the ancestry of a family: its direct
// parents and children plus the transitive chain back through superseded
// epochs.
//
// @Summary Family lineage
// @Tags families
// @Produce json
// @Param id path string true "family id"
// @Success 200 {object} map[string]any
// @Failure 400 {string} string
// @Router /api/families/{id}/lineage [get]
func (s *Service) handleGetFamilyLineage(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "id")
	if err := ValidateFamilyID(familyID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	history := s.lineage.History(familyID)

	// Resolve names for the ids the history references. Ids past the
	// retention horizon resolve to nothing and are returned bare.
	names := map[string]string{}
	collect := func(edges []*models.LineageEdge) {
		for _, e := range edges {
			for _, id := range []string{e.ParentFamilyID, e.ChildFamilyID} {
				if _, seen := names[id]; seen {
					continue
				}
				if fam, err := s.store.GetFamilyByID(r.Context(), id); err == nil && fam != nil {
					names[id] = fam.Name
				}
			}
		}
	}
	collect(history.Parents)
	collect(history.Children)
	collect(history.Ancestry)

	writeJSON(w, map[string]any{
		"lineage": history,
		"names":   names,
	})
}

// handleGetFlaggedAssignments returns the review queue: suggest_merge
// assignments from the current registry epoch, most recent first.
//
// @Summary Review queue
// @Tags families
// @Produce json
// @Param limit query int false "max results"
// @Success 200 {object} map[string]any
// @Router /api/assignments/flagged [get]
func (s *Service) handleGetFlaggedAssignments(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, DefaultFlaggedLimit)

	assignments, err := s.store.GetFlaggedAssignments(r.Context(), s.registry.Version(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"assignments":      assignments,
		"count":            len(assignments),
		"registry_version": s.registry.Version(),
	})
}
