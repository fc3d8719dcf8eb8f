// Package vector provides the auxiliary retrieval index over prompt
// embeddings. The index serves search and diagnostics; classification
// decisions never read it, so an approximate or momentarily stale index is
// acceptable.
package vector

import "context"

// Entry is one indexed prompt embedding.
type Entry struct {
	PromptID  int64
	RecordID  string
	Embedding []float32
}

// Match is one search hit, scored by cosine similarity.
type Match struct {
	PromptID   int64   `json:"prompt_id"`
	RecordID   string  `json:"record_id"`
	Similarity float64 `json:"similarity"`
}

// Index is the retrieval index contract. Implementations must tolerate
// repeated inserts of the same prompt id (last write wins).
type Index interface {
	// Insert adds or replaces a single entry.
	Insert(ctx context.Context, entry Entry) error
	// InsertBatch adds or replaces a batch of entries.
	InsertBatch(ctx context.Context, entries []Entry) error
	// Remove drops entries by prompt id. Unknown ids are ignored.
	Remove(ctx context.Context, promptIDs []int64) error
	// Search returns the k nearest entries by cosine similarity, most
	// similar first, ties broken by lowest prompt id.
	Search(ctx context.Context, query []float32, k int) ([]Match, error)
	// Rebuild replaces the whole index with the given entries. Batch runs
	// use this after an epoch commit.
	Rebuild(ctx context.Context, entries []Entry) error
	// Count returns the number of indexed entries.
	Count(ctx context.Context) (int64, error)

	Close() error
}

// DistanceToSimilarity converts a cosine distance to a similarity score.
func DistanceToSimilarity(distance float64) float64 {
	return 1.0 - distance
}
