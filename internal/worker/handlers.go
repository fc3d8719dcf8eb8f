package worker

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/taxon/pkg/models"
)

// Handler configuration constants
const (
	// DefaultPromptsLimit is the default number of prompts to return.
	DefaultPromptsLimit = 100

	// DefaultSearchLimit is the default number of search results to return.
	DefaultSearchLimit = 20

	// DefaultRunsLimit is the default number of processing runs to return.
	DefaultRunsLimit = 20

	// DefaultFlaggedLimit is the default size of the review queue page.
	DefaultFlaggedLimit = 100

	// DefaultVersionsLimit is the default number of registry versions to list.
	DefaultVersionsLimit = 20

	// MaxListLimit caps every list endpoint.
	MaxListLimit = 1000
)

// writeJSON writes a JSON response with proper error handling.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeJSONStatus writes a JSON response with an explicit status code.
func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// parseLimit reads the limit query parameter with a default and a cap.
func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > MaxListLimit {
		return MaxListLimit
	}
	return n
}

// handleHealth handles health check requests.
// Returns 200 OK immediately (even during init) so orchestrators can probe
// liveness. Use /api/ready for the full readiness check.
//
// @Summary Liveness check
// @Tags system
// @Produce json
// @Success 200 {object} map[string]any
// @Router /health [get]
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	} else if err := s.GetInitError(); err != nil {
		status = "error"
	}
	writeJSON(w, map[string]any{
		"status":  status,
		"version": s.version,
	})
}

// handleVersion returns the worker version.
//
// @Summary Worker version
// @Tags system
// @Produce json
// @Success 200 {object} map[string]string
// @Router /api/version [get]
func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"version": s.version,
	})
}

// handleReady handles readiness check requests.
// Returns 200 only when fully initialized, 503 otherwise.
//
// @Summary Readiness check
// @Tags system
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {string} string
// @Router /api/ready [get]
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		if err := s.GetInitError(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Error(w, "service initializing", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

// requireReady is middleware that returns 503 if service isn't ready.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.GetInitError(); err != nil {
				http.Error(w, "service initialization failed: "+err.Error(), http.StatusInternalServerError)
				return
			}
			http.Error(w, "service initializing", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleGetStats returns worker statistics.
//
// @Summary Worker statistics
// @Tags system
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/stats [get]
func (s *Service) handleGetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	states, err := s.store.GetStateCounts(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	familyCount, _ := s.store.CountActiveFamilies(ctx)
	tiers, _ := s.store.CountAssignmentsByTier(ctx, s.registry.Version())
	snap := s.registry.Snapshot()

	response := map[string]any{
		"uptime":           time.Since(s.startTime).String(),
		"uptimeSeconds":    time.Since(s.startTime).Seconds(),
		"ready":            s.ready.Load(),
		"connectedClients": s.broadcaster.ClientCount(),
		"prompts":          states,
		"families":         familyCount,
		"tiers":            tiers,
		"registry": map[string]any{
			"version":          snap.Version,
			"model_version":    snap.ModelVersion,
			"dimensions":       snap.Dimensions,
			"family_count":     len(snap.Entries),
			"created_at_epoch": snap.CreatedAtEpoch,
		},
		"pipeline": map[string]any{
			"batch_running":       s.pipeline.Running(models.RunKindBatch),
			"incremental_running": s.pipeline.Running(models.RunKindIncremental),
		},
		"search":       s.searcher.MetricsStats(),
		"lineage":      s.lineage.Stats(),
		"maintenance":  s.maint.Stats(),
		"rate_limiter": s.limiter.Stats(),
	}

	// Add memory stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	response["memory"] = map[string]any{
		"alloc_mb":          float64(memStats.Alloc) / 1024 / 1024,
		"total_alloc_mb":    float64(memStats.TotalAlloc) / 1024 / 1024,
		"sys_mb":            float64(memStats.Sys) / 1024 / 1024,
		"heap_alloc_mb":     float64(memStats.HeapAlloc) / 1024 / 1024,
		"heap_inuse_mb":     float64(memStats.HeapInuse) / 1024 / 1024,
		"heap_objects":      memStats.HeapObjects,
		"goroutines":        runtime.NumGoroutine(),
		"gc_cycles":         memStats.NumGC,
		"gc_pause_total_ms": float64(memStats.PauseTotalNs) / 1e6,
	}

	// Add database health
	pingStart := time.Now()
	pingErr := s.store.Ping()
	dbStatus := "ok"
	if pingErr != nil {
		dbStatus = "error"
	}
	response["database"] = map[string]any{
		"backend": s.config.DBBackend,
		"status":  dbStatus,
		"ping_ms": float64(time.Since(pingStart).Microseconds()) / 1000.0,
	}

	// Add embedding model info
	response["embeddingModel"] = map[string]any{
		"name":       s.embedder.Name(),
		"version":    s.embedder.Version(),
		"dimensions": s.embedder.Dimensions(),
	}

	writeJSON(w, response)
}
