// Package memory provides an in-process flat retrieval index. Reads are
// lock-free against an immutable snapshot; writes copy on write, so search
// latency never depends on ingest traffic.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/thebtf/taxon/internal/similarity"
	"github.com/thebtf/taxon/internal/vector"
)

// state is the immutable entry set a search scans. Entries are kept sorted
// by prompt id so rebuilds and listings are deterministic.
type state struct {
	entries []vector.Entry
	byID    map[int64]int
}

// Index is a flat, exact, brute-force retrieval index.
type Index struct {
	state   atomic.Pointer[state]
	writeMu sync.Mutex
}

// New creates an empty memory index.
func New() *Index {
	idx := &Index{}
	idx.state.Store(&state{byID: make(map[int64]int)})
	return idx
}

// Insert adds or replaces a single entry.
func (idx *Index) Insert(ctx context.Context, entry vector.Entry) error {
	return idx.InsertBatch(ctx, []vector.Entry{entry})
}

// InsertBatch adds or replaces a batch of entries in one copy.
func (idx *Index) InsertBatch(ctx context.Context, entries []vector.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			return fmt.Errorf("insert prompt %d: empty embedding", e.PromptID)
		}
	}

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	old := idx.state.Load()
	next := cloneState(old)
	for _, e := range entries {
		stored := vector.Entry{
			PromptID:  e.PromptID,
			RecordID:  e.RecordID,
			Embedding: append([]float32(nil), e.Embedding...),
		}
		if pos, ok := next.byID[e.PromptID]; ok {
			next.entries[pos] = stored
		} else {
			next.byID[e.PromptID] = len(next.entries)
			next.entries = append(next.entries, stored)
		}
	}

	idx.state.Store(next)
	return nil
}

// Remove drops entries by prompt id. Unknown ids are ignored.
func (idx *Index) Remove(ctx context.Context, promptIDs []int64) error {
	if len(promptIDs) == 0 {
		return nil
	}

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	drop := make(map[int64]bool, len(promptIDs))
	for _, id := range promptIDs {
		drop[id] = true
	}

	old := idx.state.Load()
	next := &state{
		entries: make([]vector.Entry, 0, len(old.entries)),
		byID:    make(map[int64]int, len(old.entries)),
	}
	for _, e := range old.entries {
		if drop[e.PromptID] {
			continue
		}
		next.byID[e.PromptID] = len(next.entries)
		next.entries = append(next.entries, e)
	}

	idx.state.Store(next)
	return nil
}

// Rebuild replaces the whole index with the given entries. Entries without
// an embedding are skipped.
func (idx *Index) Rebuild(ctx context.Context, entries []vector.Entry) error {
	next := &state{
		entries: make([]vector.Entry, 0, len(entries)),
		byID:    make(map[int64]int, len(entries)),
	}
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			continue
		}
		stored := vector.Entry{
			PromptID:  e.PromptID,
			RecordID:  e.RecordID,
			Embedding: append([]float32(nil), e.Embedding...),
		}
		if pos, ok := next.byID[e.PromptID]; ok {
			next.entries[pos] = stored
			continue
		}
		next.byID[e.PromptID] = len(next.entries)
		next.entries = append(next.entries, stored)
	}
	sort.Slice(next.entries, func(i, j int) bool {
		return next.entries[i].PromptID < next.entries[j].PromptID
	})
	for pos, e := range next.entries {
		next.byID[e.PromptID] = pos
	}

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()
	idx.state.Store(next)
	return nil
}

// Search scans every entry and returns the k most similar, most similar
// first, ties broken by lowest prompt id.
func (idx *Index) Search(ctx context.Context, query []float32, k int) ([]vector.Match, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}
	if k <= 0 {
		return nil, nil
	}

	st := idx.state.Load()
	if len(st.entries) == 0 {
		return nil, nil
	}

	// Min-heap of the best k seen so far: the root is the worst keeper, so
	// each better candidate evicts it in O(log k).
	top := &matchHeap{}
	heap.Init(top)

	for _, e := range st.entries {
		m := vector.Match{
			PromptID:   e.PromptID,
			RecordID:   e.RecordID,
			Similarity: similarity.Cosine(query, e.Embedding),
		}
		if top.Len() < k {
			heap.Push(top, m)
			continue
		}
		if betterMatch(m, (*top)[0]) {
			heap.Pop(top)
			heap.Push(top, m)
		}
	}

	matches := make([]vector.Match, top.Len())
	for i := top.Len() - 1; i >= 0; i-- {
		matches[i] = heap.Pop(top).(vector.Match)
	}
	return matches, nil
}

// Count returns the number of indexed entries.
func (idx *Index) Count(ctx context.Context) (int64, error) {
	return int64(len(idx.state.Load().entries)), nil
}

// Close is a no-op for the memory index.
func (idx *Index) Close() error {
	return nil
}

func cloneState(old *state) *state {
	next := &state{
		entries: append([]vector.Entry(nil), old.entries...),
		byID:    make(map[int64]int, len(old.byID)+1),
	}
	for id, pos := range old.byID {
		next.byID[id] = pos
	}
	return next
}

// betterMatch reports whether a beats b: higher similarity wins, then lower
// prompt id.
func betterMatch(a, b vector.Match) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	return a.PromptID < b.PromptID
}

// matchHeap is a min-heap by match quality: the root is the worst match in
// the heap.
type matchHeap []vector.Match

func (h matchHeap) Len() int            { return len(h) }
func (h matchHeap) Less(i, j int) bool  { return betterMatch(h[j], h[i]) }
func (h matchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x interface{}) { *h = append(*h, x.(vector.Match)) }
func (h *matchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	m := old[n-1]
	*h = old[:n-1]
	return m
}

// Compile-time check: Index must satisfy vector.Index.
var _ vector.Index = (*Index)(nil)
