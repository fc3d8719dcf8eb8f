package worker

import (
	"net/http"
	"strconv"

	"github.com/thebtf/taxon/internal/search"
)

// handleSearch runs a semantic search over the retrieval index.
//
// @Summary Semantic search
// @Tags search
// @Produce json
// @Param q query string true "query text"
// @Param limit query int false "max results"
// @Param min_similarity query number false "similarity floor, 0..1"
// @Success 200 {object} search.Response
// @Failure 400 {string} string
// @Router /api/search [get]
func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "q parameter is required", http.StatusBadRequest)
		return
	}

	params := search.Params{
		Query: query,
		Limit: parseLimit(r, DefaultSearchLimit),
	}
	if raw := r.URL.Query().Get("min_similarity"); raw != "" {
		min, err := strconv.ParseFloat(raw, 64)
		if err != nil || min < 0 || min > 1 {
			http.Error(w, "invalid min_similarity", http.StatusBadRequest)
			return
		}
		params.MinSimilarity = min
	}

	response, err := s.searcher.Search(r.Context(), params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.metrics.RecordSearch(r.Context(), response.Cached)

	writeJSON(w, response)
}
