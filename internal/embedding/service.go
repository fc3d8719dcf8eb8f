package embedding

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/taxon/internal/config"
)

// Sentinel validation errors. Callers skip and report records that fail with
// these; they never abort a whole run.
var (
	// ErrEmptyText is returned when the input text is empty.
	ErrEmptyText = errors.New("text is empty")
	// ErrTextTooLong is returned when the input exceeds the model token limit.
	ErrTextTooLong = errors.New("text exceeds model token limit")
)

// embedConcurrency bounds parallel model batches during EmbedMany.
const embedConcurrency = 4

// VectorCache caches embeddings keyed by a content digest. Implemented by
// the Redis cache; nil disables caching.
type VectorCache interface {
	Get(key string) ([]float32, bool)
	Put(key string, vec []float32)
}

// Service wraps an embedding model with input validation, optional caching,
// and bounded-concurrency batch embedding with per-item error isolation.
type Service struct {
	model     EmbeddingModel
	codec     tokenizer.Codec
	cache     VectorCache
	maxTokens int
	batchSize int
}

// NewService creates an embedding service from configuration, resolving the
// model through the registry.
func NewService(cfg *config.Config) (*Service, error) {
	version := cfg.EmbeddingModel
	if version == "" {
		version = GetDefaultModel()
	}

	model, err := GetModel(version)
	if err != nil {
		return nil, fmt.Errorf("get model %s: %w", version, err)
	}

	return newService(model, cfg)
}

// NewServiceWithModel creates a service around an explicit model instance.
// Used by tests and callers that manage model lifecycle themselves.
func NewServiceWithModel(model EmbeddingModel, cfg *config.Config) (*Service, error) {
	return newService(model, cfg)
}

func newService(model EmbeddingModel, cfg *config.Config) (*Service, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load cl100k_base tokenizer: %w", err)
	}

	maxTokens := cfg.EmbeddingMaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultEmbeddingMaxTokens
	}
	batchSize := cfg.EmbeddingBatchSize
	if batchSize <= 0 {
		batchSize = config.DefaultEmbeddingBatchSize
	}

	log.Info().
		Str("model", model.Name()).
		Str("version", model.Version()).
		Int("dimensions", model.Dimensions()).
		Int("max_tokens", maxTokens).
		Msg("Embedding service initialized")

	return &Service{
		model:     model,
		codec:     codec,
		maxTokens: maxTokens,
		batchSize: batchSize,
	}, nil
}

// SetCache attaches an embedding cache. Call once during wiring, before the
// service is shared across goroutines.
func (s *Service) SetCache(c VectorCache) {
	s.cache = c
}

// Name returns the human-readable model name.
func (s *Service) Name() string {
	return s.model.Name()
}

// Version returns the model version string stored alongside embeddings.
func (s *Service) Version() string {
	return s.model.Version()
}

// Dimensions returns the embedding vector size.
func (s *Service) Dimensions() int {
	return s.model.Dimensions()
}

// Close releases model resources.
func (s *Service) Close() error {
	return s.model.Close()
}

// ValidateText checks a text against the embedder input contract.
func (s *Service) ValidateText(text string) error {
	if text == "" {
		return ErrEmptyText
	}

	count, err := s.codec.Count(text)
	if err != nil {
		return fmt.Errorf("count tokens: %w", err)
	}
	if count > s.maxTokens {
		return fmt.Errorf("%w: %d tokens, limit %d", ErrTextTooLong, count, s.maxTokens)
	}
	return nil
}

// Embed validates and embeds a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ValidateText(text); err != nil {
		return nil, err
	}

	key := s.cacheKey(text)
	if s.cache != nil {
		if vec, ok := s.cache.Get(key); ok {
			return vec, nil
		}
	}

	vec, err := s.model.Embed(text)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Put(key, vec)
	}
	return vec, nil
}

// EmbedMany embeds a slice of texts with per-item error isolation. Both
// returned slices are index-aligned with the input; a failure for one text
// never aborts the others. Chunks run with bounded concurrency, and a failed
// chunk falls back to per-item embedding so a single bad record cannot
// poison its neighbors.
func (s *Service) EmbedMany(ctx context.Context, texts []string) ([][]float32, []error) {
	results := make([][]float32, len(texts))
	errs := make([]error, len(texts))
	if len(texts) == 0 {
		return results, errs
	}

	// Validation and cache pass; only misses go to the model.
	var misses []int
	for i, text := range texts {
		if err := s.ValidateText(text); err != nil {
			errs[i] = err
			continue
		}
		if s.cache != nil {
			if vec, ok := s.cache.Get(s.cacheKey(text)); ok {
				results[i] = vec
				continue
			}
		}
		misses = append(misses, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for start := 0; start < len(misses); start += s.batchSize {
		end := start + s.batchSize
		if end > len(misses) {
			end = len(misses)
		}
		chunk := misses[start:end]

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				for _, idx := range chunk {
					errs[idx] = err
				}
				return nil
			}

			batch := make([]string, len(chunk))
			for j, idx := range chunk {
				batch[j] = texts[idx]
			}

			vecs, err := s.model.EmbedBatch(batch)
			if err != nil || len(vecs) != len(chunk) {
				// Retry items individually so only the genuinely bad
				// records are reported.
				for _, idx := range chunk {
					vec, itemErr := s.model.Embed(texts[idx])
					if itemErr != nil {
						errs[idx] = itemErr
						continue
					}
					s.store(texts[idx], vec)
					results[idx] = vec
				}
				return nil
			}

			for j, idx := range chunk {
				s.store(texts[idx], vecs[j])
				results[idx] = vecs[j]
			}
			return nil
		})
	}

	// Goroutines report per item and always return nil.
	_ = g.Wait()
	return results, errs
}

func (s *Service) store(text string, vec []float32) {
	if s.cache != nil {
		s.cache.Put(s.cacheKey(text), vec)
	}
}

// cacheKey digests model version and text so cached vectors invalidate
// automatically when the model changes.
func (s *Service) cacheKey(text string) string {
	sum := blake2b.Sum256([]byte(s.model.Version() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}
