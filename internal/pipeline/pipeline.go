// Package pipeline drives the two processing tiers: the full batch run that
// re-clusters the corpus and atomically replaces the family registry, and the
// cheap incremental run that classifies pending prompts against the committed
// registry. The tiers share no state beyond the registry and the prompt
// store; each is serialized by a non-blocking already-running guard, and the
// two kinds exclude each other so a batch rewrite never interleaves with
// incremental assignment writes.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/thebtf/taxon/internal/classify"
	"github.com/thebtf/taxon/internal/cluster"
	"github.com/thebtf/taxon/internal/config"
	"github.com/thebtf/taxon/internal/db"
	"github.com/thebtf/taxon/internal/lineage"
	"github.com/thebtf/taxon/internal/registry"
	"github.com/thebtf/taxon/internal/scoring"
	"github.com/thebtf/taxon/internal/telemetry"
	"github.com/thebtf/taxon/internal/vector"
	"github.com/thebtf/taxon/pkg/models"
)

// ErrAlreadyRunning is returned when a run is requested while another run is
// still in flight. Callers treat it as "try again later", not a failure.
var ErrAlreadyRunning = errors.New("pipeline: a run is already in progress")

// Event names published to the event sink.
const (
	EventRegistrySwapped      = "registry_swapped"
	EventFamilyCreated        = "family_created"
	EventPromptFlagged        = "prompt_flagged"
	EventBatchCompleted       = "batch_completed"
	EventIncrementalCompleted = "incremental_completed"
)

// Store is the database surface the pipeline reads and writes through.
type Store interface {
	db.PromptStore
	db.FamilyStore
	db.AssignmentStore
	db.RunStore
	db.EpochWriter
}

// Embedder produces corpus-space vectors. Implemented by the embedding
// service.
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, []error)
	Version() string
	Dimensions() int
}

// Announcer broadcasts a committed registry version to other processes.
// Implemented by the registry LISTEN/NOTIFY announcer; nil disables it.
type Announcer interface {
	Announce(ctx context.Context, version int64) error
}

// EventSink receives pipeline lifecycle events. Implemented by the worker's
// SSE broadcaster; nil disables publishing.
type EventSink interface {
	Publish(event string, payload any)
}

// Config carries the pipeline's run-shaping knobs.
type Config struct {
	// IncrementalBatchSize caps how many pending prompts one incremental
	// run picks up; the rest stay pending for the next cycle.
	IncrementalBatchSize int

	// FamilyContinuity carries family ids forward across batch runs when a
	// new centroid closely matches an outgoing one. Off by default: each
	// run regenerates ids and lineage edges record the succession instead.
	FamilyContinuity    bool
	ContinuityThreshold float64
}

// ConfigFromApp extracts pipeline settings from app configuration.
func ConfigFromApp(cfg *config.Config) Config {
	return Config{
		IncrementalBatchSize: cfg.IncrementalBatchSize,
		FamilyContinuity:     cfg.FamilyContinuity,
		ContinuityThreshold:  cfg.ContinuityThreshold,
	}
}

// Deps are the collaborators a pipeline service drives. Announcer, Lineage,
// Events and Metrics may be nil.
type Deps struct {
	Store      Store
	Embedder   Embedder
	Clusterer  cluster.Clusterer
	Registry   *registry.Registry
	Classifier *classify.Classifier
	Index      vector.Index
	Quality    *scoring.Calculator
	Lineage    *lineage.Service
	Announcer  Announcer
	Events     EventSink
	Metrics    *telemetry.Metrics
}

// Service runs batch and incremental processing.
type Service struct {
	store      Store
	embedder   Embedder
	clusterer  cluster.Clusterer
	registry   *registry.Registry
	classifier *classify.Classifier
	index      vector.Index
	quality    *scoring.Calculator
	lineage    *lineage.Service
	announcer  Announcer
	events     EventSink
	metrics    *telemetry.Metrics
	config     Config
	logger     zerolog.Logger

	mu        sync.Mutex
	batchBusy bool
	incrBusy  bool
}

// NewService wires a pipeline over its collaborators.
func NewService(deps Deps, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		store:      deps.Store,
		embedder:   deps.Embedder,
		clusterer:  deps.Clusterer,
		registry:   deps.Registry,
		classifier: deps.Classifier,
		index:      deps.Index,
		quality:    deps.Quality,
		lineage:    deps.Lineage,
		announcer:  deps.Announcer,
		events:     deps.Events,
		metrics:    deps.Metrics,
		config:     cfg,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
}

// tryStart claims the run slot for the kind. Batch and incremental also
// exclude each other: both write the same prompt states, and batch output
// must never interleave with decisions made against the outgoing registry.
func (s *Service) tryStart(kind models.RunKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchBusy || s.incrBusy {
		return false
	}
	if kind == models.RunKindBatch {
		s.batchBusy = true
	} else {
		s.incrBusy = true
	}
	return true
}

func (s *Service) finish(kind models.RunKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == models.RunKindBatch {
		s.batchBusy = false
	} else {
		s.incrBusy = false
	}
}

// Running reports whether a run of the given kind is in flight.
func (s *Service) Running(kind models.RunKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == models.RunKindBatch {
		return s.batchBusy
	}
	return s.incrBusy
}

func (s *Service) publish(event string, payload any) {
	if s.events == nil {
		return
	}
	s.events.Publish(event, payload)
}

// PendingCount returns how many prompts are waiting for classification.
func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	return s.store.CountPromptsByState(ctx, models.PromptStatePending)
}
