package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/taxon/internal/db/sqlite"
	"github.com/thebtf/taxon/pkg/models"
)

// testService wires the ingest service to a temp sqlite database.
func testService(t *testing.T) (*Service, *sqlite.DB) {
	t.Helper()

	handle, err := sqlite.Open(sqlite.StoreConfig{
		Path: filepath.Join(t.TempDir(), "taxon-ingest-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })

	return NewService(handle), handle
}

func TestService_IngestText_NormalizesAndDedups(t *testing.T) {
	svc, handle := testService(t)
	ctx := context.Background()

	res, err := svc.IngestText(ctx, "  Summarize THIS \n report  ", models.SourceAPI, nil)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.False(t, res.Redacted)

	stored, err := handle.GetPromptByID(ctx, res.PromptID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "summarize this report", stored.Text)
	assert.Equal(t, models.SourceAPI, stored.Source)
	assert.Equal(t, models.PromptStatePending, stored.State)
	assert.NotZero(t, stored.SimHash)

	// A differently-cased, differently-spaced variant is the same record.
	dup, err := svc.IngestText(ctx, "summarize this report", models.SourceAPI, nil)
	require.NoError(t, err)
	assert.False(t, dup.Created)
	assert.Equal(t, res.PromptID, dup.PromptID)
}

func TestService_IngestText_RedactsSecrets(t *testing.T) {
	svc, handle := testService(t)
	ctx := context.Background()

	res, err := svc.IngestText(ctx,
		"debug this call: api_key=abc123def456ghi789jkl012mno345",
		models.SourceAPI,
		map[string]string{"notes": "uses api_key=abc123def456ghi789jkl012mno345"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Redacted)

	stored, err := handle.GetPromptByID(ctx, res.PromptID)
	require.NoError(t, err)
	assert.NotContains(t, stored.Text, "abc123def456")
	assert.Contains(t, stored.Text, "[redacted]", "redaction marker survives normalization")
	assert.NotContains(t, stored.Metadata["notes"], "abc123def456")
}

func TestService_IngestText_EmptyAfterNormalize(t *testing.T) {
	svc, _ := testService(t)

	_, err := svc.IngestText(context.Background(), "  \t\n ", models.SourceAPI, nil)
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestService_IngestText_ReportsNearDuplicate(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	// Same token bag, different order: distinct content hash, identical
	// simhash.
	first, err := svc.IngestText(ctx, "rewrite the onboarding email draft", models.SourceAPI, nil)
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := svc.IngestText(ctx, "draft email onboarding the rewrite", models.SourceAPI, nil)
	require.NoError(t, err)
	require.True(t, second.Created)
	assert.Equal(t, first.PromptID, second.NearDuplicateOf)
}

func TestService_IngestBatch(t *testing.T) {
	svc, handle := testService(t)
	ctx := context.Background()

	records := []Record{
		{Text: "classify these support tickets by urgency"},
		{Text: "Classify these support  tickets by URGENCY"}, // exact dup after normalize
		{Text: "   "}, // empty
		{Text: "tickets urgency these by classify support"},  // near-dup of the first
		{Text: "generate release notes from the changelog", Metadata: map[string]string{"team": "platform"}},
	}

	report, err := svc.IngestBatch(ctx, records, models.SourceJSONL)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Received)
	assert.Equal(t, 3, report.Accepted)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.NearDuplicates)
	require.Len(t, report.Errors, 1)

	count, err := handle.CountPrompts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// Re-running the same batch only produces duplicates.
	again, err := svc.IngestBatch(ctx, records, models.SourceJSONL)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Accepted)
	assert.Equal(t, 4, again.Duplicates)
}

func TestService_IngestBatch_Empty(t *testing.T) {
	svc, _ := testService(t)

	report, err := svc.IngestBatch(context.Background(), nil, models.SourceAPI)
	require.NoError(t, err)
	assert.Zero(t, report.Received)
	assert.Zero(t, report.Accepted)
}
