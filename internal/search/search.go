// Package search resolves free-text queries against the retrieval index.
//
// A query is embedded with the same deterministic model the corpus was
// embedded with, matched against the vector index, and the hits are hydrated
// into full prompt rows with their family labels. Results are cached with a
// short TTL and concurrent identical queries are coalesced, so a burst of the
// same search costs one embedding and one index scan. The classifier never
// reads this path.
package search

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/taxon/internal/vector"
	"github.com/thebtf/taxon/pkg/models"
	"github.com/thebtf/taxon/pkg/similarity"
)

const (
	defaultLimit = 20
	maxLimit     = 100

	defaultCacheTTL     = 30 * time.Second
	defaultCacheMaxSize = 200

	slowQueryThreshold = 100 * time.Millisecond
)

// ErrEmptyQuery is returned when the query normalizes to nothing.
var ErrEmptyQuery = errors.New("search: empty query")

// Embedder turns query text into a vector in the corpus embedding space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store hydrates index hits into prompt rows and family labels.
type Store interface {
	GetPromptByID(ctx context.Context, id int64) (*models.Prompt, error)
	GetFamilyByID(ctx context.Context, familyID string) (*models.Family, error)
}

// Params describes one search request.
type Params struct {
	Query string `json:"query"`
	// Limit caps the result count. Zero means the default; values above
	// the maximum are clamped.
	Limit int `json:"limit,omitempty"`
	// MinSimilarity drops hits scoring below the floor. Zero keeps all.
	MinSimilarity float64 `json:"min_similarity,omitempty"`
}

// Result is one hydrated search hit.
type Result struct {
	PromptID   int64               `json:"prompt_id"`
	RecordID   string              `json:"record_id"`
	Text       string              `json:"text"`
	Source     models.PromptSource `json:"source"`
	State      models.PromptState  `json:"state"`
	FamilyID   string              `json:"family_id,omitempty"`
	FamilyName string              `json:"family_name,omitempty"`
	Similarity float64             `json:"similarity"`
}

// Response is the full answer to one search request.
type Response struct {
	Query     string   `json:"query"`
	Results   []Result `json:"results"`
	Total     int      `json:"total"`
	LatencyMs int64    `json:"latency_ms"`
	Cached    bool     `json:"cached"`
}

type cachedResponse struct {
	response  *Response
	expiresAt time.Time
}

// Metrics tracks search behavior with atomic counters.
type Metrics struct {
	totalSearches  atomic.Int64
	cacheHits      atomic.Int64
	coalesced      atomic.Int64
	embedErrors    atomic.Int64
	indexErrors    atomic.Int64
	slowQueries    atomic.Int64
	totalLatencyMs atomic.Int64
}

// Stats returns a snapshot of the counters.
func (m *Metrics) Stats() map[string]any {
	total := m.totalSearches.Load()
	stats := map[string]any{
		"total_searches": total,
		"cache_hits":     m.cacheHits.Load(),
		"coalesced":      m.coalesced.Load(),
		"embed_errors":   m.embedErrors.Load(),
		"index_errors":   m.indexErrors.Load(),
		"slow_queries":   m.slowQueries.Load(),
	}
	if total > 0 {
		stats["cache_hit_rate"] = float64(m.cacheHits.Load()) / float64(total)
		stats["avg_latency_ms"] = m.totalLatencyMs.Load() / total
	}
	return stats
}

// Service executes searches over the retrieval index.
type Service struct {
	embedder Embedder
	store    Store
	index    vector.Index
	logger   zerolog.Logger

	cacheMu      sync.RWMutex
	cache        map[string]cachedResponse
	cacheTTL     time.Duration
	cacheMaxSize int

	group   singleflight.Group
	metrics Metrics
}

// NewService wires a search service over the given embedder, store and index.
func NewService(embedder Embedder, store Store, index vector.Index, logger zerolog.Logger) *Service {
	return &Service{
		embedder:     embedder,
		store:        store,
		index:        index,
		logger:       logger.With().Str("component", "search").Logger(),
		cache:        make(map[string]cachedResponse),
		cacheTTL:     defaultCacheTTL,
		cacheMaxSize: defaultCacheMaxSize,
	}
}

// Search answers one query. Identical concurrent queries share a single
// execution, and repeated queries inside the cache TTL are served from memory.
func (s *Service) Search(ctx context.Context, params Params) (*Response, error) {
	start := time.Now()
	s.metrics.totalSearches.Add(1)

	query := similarity.Normalize(params.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	limit := clampLimit(params.Limit)

	key := cacheKey(query, limit, params.MinSimilarity)
	if resp, ok := s.fromCache(key); ok {
		s.metrics.cacheHits.Add(1)
		cached := *resp
		cached.Cached = true
		cached.LatencyMs = time.Since(start).Milliseconds()
		return &cached, nil
	}

	shared := true
	v, err, _ := s.group.Do(key, func() (any, error) {
		shared = false
		return s.execute(ctx, query, limit, params.MinSimilarity)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.metrics.coalesced.Add(1)
	}

	resp := v.(*Response)
	s.putInCache(key, resp)

	elapsed := time.Since(start)
	s.metrics.totalLatencyMs.Add(elapsed.Milliseconds())
	if elapsed > slowQueryThreshold {
		s.metrics.slowQueries.Add(1)
		s.logger.Warn().
			Str("query", truncate(query, 80)).
			Dur("elapsed", elapsed).
			Int("results", resp.Total).
			Msg("slow search query")
	}

	out := *resp
	out.LatencyMs = elapsed.Milliseconds()
	return &out, nil
}

func (s *Service) execute(ctx context.Context, query string, limit int, minSimilarity float64) (*Response, error) {
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.metrics.embedErrors.Add(1)
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := s.index.Search(ctx, embedding, limit)
	if err != nil {
		s.metrics.indexErrors.Add(1)
		return nil, fmt.Errorf("index search: %w", err)
	}

	results := make([]Result, 0, len(matches))
	familyNames := make(map[string]string)
	for _, m := range matches {
		if minSimilarity > 0 && m.Similarity < minSimilarity {
			continue
		}
		prompt, err := s.store.GetPromptByID(ctx, m.PromptID)
		if err != nil || prompt == nil {
			// The index can briefly hold entries for pruned prompts.
			s.logger.Debug().Int64("prompt_id", m.PromptID).Msg("index hit missing from store")
			continue
		}
		r := Result{
			PromptID:   prompt.ID,
			RecordID:   prompt.RecordID,
			Text:       prompt.Text,
			Source:     prompt.Source,
			State:      prompt.State,
			Similarity: m.Similarity,
		}
		if prompt.FamilyID.Valid {
			r.FamilyID = prompt.FamilyID.String
			r.FamilyName = s.familyName(ctx, familyNames, prompt.FamilyID.String)
		}
		results = append(results, r)
	}

	return &Response{
		Query:   query,
		Results: results,
		Total:   len(results),
	}, nil
}

// familyName resolves a family label, memoizing per request so a page of
// hits from one family costs one lookup.
func (s *Service) familyName(ctx context.Context, seen map[string]string, familyID string) string {
	if name, ok := seen[familyID]; ok {
		return name
	}
	name := ""
	if family, err := s.store.GetFamilyByID(ctx, familyID); err == nil && family != nil {
		name = family.Name
	}
	seen[familyID] = name
	return name
}

// Invalidate drops all cached responses. The batch pipeline calls this after
// an epoch commit replaces the registry and reindexes the corpus.
func (s *Service) Invalidate() {
	s.cacheMu.Lock()
	s.cache = make(map[string]cachedResponse)
	s.cacheMu.Unlock()
}

// MetricsStats exposes the counter snapshot for the stats endpoint.
func (s *Service) MetricsStats() map[string]any {
	return s.metrics.Stats()
}

func (s *Service) fromCache(key string) (*Response, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	entry, ok := s.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.response, true
}

func (s *Service) putInCache(key string, resp *Response) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	// Amortized maintenance: clear expired entries once the cache passes
	// 80% of capacity, then fall back to evicting a slice of arbitrary
	// entries if it is still full.
	if len(s.cache) >= s.cacheMaxSize*8/10 {
		now := time.Now()
		for k, entry := range s.cache {
			if now.After(entry.expiresAt) {
				delete(s.cache, k)
			}
		}
	}
	if len(s.cache) >= s.cacheMaxSize {
		evict := s.cacheMaxSize / 10
		if evict < 1 {
			evict = 1
		}
		for k := range s.cache {
			delete(s.cache, k)
			evict--
			if evict == 0 {
				break
			}
		}
	}

	s.cache[key] = cachedResponse{
		response:  resp,
		expiresAt: time.Now().Add(s.cacheTTL),
	}
}

// cacheKey digests the normalized query and knobs into a short stable key.
func cacheKey(query string, limit int, minSimilarity float64) string {
	h := fnv.New64a()
	h.Write([]byte(query))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(limit)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatFloat(minSimilarity, 'f', -1, 64)))
	return strconv.FormatUint(h.Sum64(), 36)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
