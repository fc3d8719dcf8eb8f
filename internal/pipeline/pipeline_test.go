package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/taxon/internal/classify"
	"github.com/thebtf/taxon/internal/cluster"
	"github.com/thebtf/taxon/internal/db/sqlite"
	"github.com/thebtf/taxon/internal/lineage"
	"github.com/thebtf/taxon/internal/registry"
	"github.com/thebtf/taxon/internal/scoring"
	"github.com/thebtf/taxon/internal/vector/memory"
	"github.com/thebtf/taxon/pkg/models"
)

// stubEmbedder maps exact prompt text to canned unit vectors. Unknown text
// fails to embed, which lets tests exercise the per-record error paths.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (e *stubEmbedder) EmbedMany(_ context.Context, texts []string) ([][]float32, []error) {
	vecs := make([][]float32, len(texts))
	errs := make([]error, len(texts))
	for i, t := range texts {
		v, ok := e.vectors[t]
		if !ok {
			errs[i] = errors.New("no vector for text")
			continue
		}
		vecs[i] = v
	}
	return vecs, errs
}

func (e *stubEmbedder) Version() string { return "stub-v1" }
func (e *stubEmbedder) Dimensions() int { return 4 }

// captureSink records published events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	name    string
	payload any
}

func (c *captureSink) Publish(event string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{name: event, payload: payload})
}

func (c *captureSink) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.name == name {
			n++
		}
	}
	return n
}

type testEnv struct {
	store    *sqlite.DB
	registry *registry.Registry
	index    *memory.Index
	embedder *stubEmbedder
	events   *captureSink
	service  *Service
}

func newTestEnv(t *testing.T, vectors map[string][]float32) *testEnv {
	t.Helper()
	ctx := context.Background()

	handle, err := sqlite.Open(sqlite.StoreConfig{
		Path: filepath.Join(t.TempDir(), "taxon-pipeline-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })

	reg := registry.New(handle)
	require.NoError(t, reg.Load(ctx))

	embedder := &stubEmbedder{vectors: vectors}
	index := memory.New()
	events := &captureSink{}

	svc := NewService(Deps{
		Store:      handle,
		Embedder:   embedder,
		Clusterer:  cluster.NewHDBSCAN(cluster.Params{MinClusterSize: 2, MinSamples: 1, ClusterSelectionEpsilon: 0.15}),
		Registry:   reg,
		Classifier: classify.New(reg, classify.Thresholds{AutoMerge: 0.85, SuggestMerge: 0.70, NewFamily: 0.50}),
		Index:      index,
		Quality:    scoring.NewCalculator(nil),
		Lineage:    lineage.NewService(handle),
		Events:     events,
	}, Config{IncrementalBatchSize: 500}, zerolog.Nop())

	return &testEnv{
		store:    handle,
		registry: reg,
		index:    index,
		embedder: embedder,
		events:   events,
		service:  svc,
	}
}

// addPending stores one pending prompt keyed by its text.
func (env *testEnv) addPending(t *testing.T, text string) *models.Prompt {
	t.Helper()
	p := models.NewPrompt(text, text, text, uint64(len(text)), models.SourceAPI)
	id, created, err := env.store.SavePrompt(context.Background(), p)
	require.NoError(t, err)
	require.True(t, created)
	p.ID = id
	return p
}
