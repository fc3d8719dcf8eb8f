// Package client provides a Go client for the taxon worker HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/thebtf/taxon/pkg/models"
)

const (
	// DefaultWorkerPort is the default worker port.
	DefaultWorkerPort = 37750

	// DefaultTimeout bounds ordinary API calls.
	DefaultTimeout = 10 * time.Second

	// HealthCheckTimeout is the timeout for health and readiness probes.
	HealthCheckTimeout = 1 * time.Second
)

// ErrRunInProgress is returned by RunBatch and RunIncremental when a run of
// the same kind is already executing.
var ErrRunInProgress = errors.New("run already in progress")

// Client talks to a taxon worker over HTTP.
type Client struct {
	// BaseURL is the worker address, e.g. http://127.0.0.1:37750.
	BaseURL string

	// Token is sent as X-Auth-Token when non-empty.
	Token string

	// HTTPClient overrides the default client when non-nil.
	HTTPClient *http.Client
}

// New creates a client for the given base URL.
func New(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/")}
}

// NewFromEnv creates a client from TAXON_WORKER_URL or TAXON_WORKER_PORT,
// picking up TAXON_API_TOKEN when set.
func NewFromEnv() *Client {
	c := New(BaseURLFromEnv())
	c.Token = os.Getenv("TAXON_API_TOKEN")
	return c
}

// BaseURLFromEnv resolves the worker address from the environment.
func BaseURLFromEnv() string {
	if u := os.Getenv("TAXON_WORKER_URL"); u != "" {
		return u
	}
	port := DefaultWorkerPort
	if p := os.Getenv("TAXON_WORKER_PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			port = n
		}
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: DefaultTimeout}
}

// do executes one request and decodes the JSON response into out when out
// is non-nil. Error responses surface the body text the worker wrote.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("X-Auth-Token", c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return ErrRunInProgress
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = resp.Status
		}
		return fmt.Errorf("worker returned %d: %s", resp.StatusCode, text)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HealthStatus is the /health response.
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Error   string `json:"error,omitempty"`
}

// Health reports the worker lifecycle state. It uses a short timeout so
// probes against a dead worker fail fast.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	probe := &Client{BaseURL: c.BaseURL, Token: c.Token,
		HTTPClient: &http.Client{Timeout: HealthCheckTimeout}}
	var out HealthStatus
	if err := probe.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Version returns the running worker's version, or empty when unreachable.
func (c *Client) Version(ctx context.Context) string {
	h, err := c.Health(ctx)
	if err != nil {
		return ""
	}
	return h.Version
}

// Ready reports whether the worker has finished initialization.
func (c *Client) Ready(ctx context.Context) bool {
	probe := &Client{BaseURL: c.BaseURL, Token: c.Token,
		HTTPClient: &http.Client{Timeout: HealthCheckTimeout}}
	return probe.do(ctx, http.MethodGet, "/api/ready", nil, nil) == nil
}

// WaitReady polls readiness until the worker comes up or the timeout
// elapses.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	backoff := 50 * time.Millisecond
	for time.Now().Before(deadline) {
		if c.Ready(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > 500*time.Millisecond {
			backoff = 500 * time.Millisecond
		}
	}
	return fmt.Errorf("worker not ready after %s", timeout)
}

// IngestRecord is one prompt in a batch ingest request.
type IngestRecord struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IngestResult mirrors the worker's single-ingest response.
type IngestResult struct {
	PromptID        int64  `json:"prompt_id"`
	RecordID        string `json:"record_id"`
	Created         bool   `json:"created"`
	Redacted        bool   `json:"redacted"`
	NearDuplicateOf int64  `json:"near_duplicate_of,omitempty"`
}

// IngestReport mirrors the worker's batch-ingest response.
type IngestReport struct {
	Received       int      `json:"received"`
	Accepted       int      `json:"accepted"`
	Duplicates     int      `json:"duplicates"`
	NearDuplicates int      `json:"near_duplicates"`
	Redacted       int      `json:"redacted"`
	Failed         int      `json:"failed"`
	Errors         []string `json:"errors,omitempty"`
}

// IngestText submits one prompt for ingestion.
func (c *Client) IngestText(ctx context.Context, text string, metadata map[string]string) (*IngestResult, error) {
	req := map[string]any{"text": text}
	if len(metadata) > 0 {
		req["metadata"] = metadata
	}
	var out IngestResult
	if err := c.do(ctx, http.MethodPost, "/api/prompts", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IngestBatch submits a batch of prompts for ingestion.
func (c *Client) IngestBatch(ctx context.Context, records []IngestRecord) (*IngestReport, error) {
	var out IngestReport
	if err := c.do(ctx, http.MethodPost, "/api/prompts", map[string]any{"records": records}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decision mirrors the classifier's decision payload.
type Decision struct {
	Tier            string  `json:"tier"`
	FamilyID        string  `json:"family_id,omitempty"`
	NearestFamilyID string  `json:"nearest_family_id,omitempty"`
	Similarity      float64 `json:"similarity"`
	RegistryVersion int64   `json:"registry_version"`
	Bootstrap       bool    `json:"bootstrap,omitempty"`
}

// ClassifyResult carries the dry-run decision plus resolved family rows
// when the worker could look them up.
type ClassifyResult struct {
	Decision      Decision           `json:"decision"`
	Family        *models.FamilyJSON `json:"family,omitempty"`
	NearestFamily *models.FamilyJSON `json:"nearest_family,omitempty"`
}

// Classify runs a dry-run classification. Nothing is stored.
func (c *Client) Classify(ctx context.Context, text string) (*ClassifyResult, error) {
	var out ClassifyResult
	if err := c.do(ctx, http.MethodPost, "/api/classify", map[string]any{"text": text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PromptFilter narrows a prompt listing.
type PromptFilter struct {
	State    string
	FamilyID string
	Limit    int
}

// PromptList is the /api/prompts response.
type PromptList struct {
	Prompts []*models.PromptJSON `json:"prompts"`
	Count   int                  `json:"count"`
}

// Prompts lists stored prompts, newest first.
func (c *Client) Prompts(ctx context.Context, filter PromptFilter) (*PromptList, error) {
	q := url.Values{}
	if filter.State != "" {
		q.Set("state", filter.State)
	}
	if filter.FamilyID != "" {
		q.Set("family", filter.FamilyID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out PromptList
	if err := c.do(ctx, http.MethodGet, withQuery("/api/prompts", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FamilyList is the /api/families response.
type FamilyList struct {
	Families        []*models.FamilyJSON `json:"families"`
	Count           int                  `json:"count"`
	RegistryVersion int64                `json:"registry_version"`
}

// Families lists families, active ones by default or a historical registry
// version when version > 0.
func (c *Client) Families(ctx context.Context, version int64) (*FamilyList, error) {
	q := url.Values{}
	if version > 0 {
		q.Set("version", strconv.FormatInt(version, 10))
	}
	var out FamilyList
	if err := c.do(ctx, http.MethodGet, withQuery("/api/families", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FamilyDetail is the /api/families/{id} response.
type FamilyDetail struct {
	Family  *models.FamilyJSON   `json:"family"`
	Members []*models.PromptJSON `json:"members"`
}

// Family fetches one family with its most recent members.
func (c *Client) Family(ctx context.Context, id string) (*FamilyDetail, error) {
	var out FamilyDetail
	if err := c.do(ctx, http.MethodGet, "/api/families/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FamilyHistory is a family's lineage: edges to parents, children and the
// full ancestry chain.
type FamilyHistory struct {
	FamilyID string                `json:"family_id"`
	Parents  []*models.LineageEdge `json:"parents"`
	Children []*models.LineageEdge `json:"children"`
	Ancestry []*models.LineageEdge `json:"ancestry"`
}

// LineageResult is the /api/families/{id}/lineage response. Names maps
// family ids appearing in the edges to display names.
type LineageResult struct {
	Lineage FamilyHistory     `json:"lineage"`
	Names   map[string]string `json:"names"`
}

// Lineage fetches a family's mutation history.
func (c *Client) Lineage(ctx context.Context, id string) (*LineageResult, error) {
	var out LineageResult
	if err := c.do(ctx, http.MethodGet, "/api/families/"+url.PathEscape(id)+"/lineage", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegistryFamily is one entry in a registry summary, without the centroid.
type RegistryFamily struct {
	FamilyID    string `json:"family_id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

// RegistrySummary is the /api/registry response.
type RegistrySummary struct {
	Version        int64            `json:"version"`
	RunID          string           `json:"run_id"`
	ModelVersion   string           `json:"model_version"`
	Dimensions     int              `json:"dimensions"`
	FamilyCount    int              `json:"family_count"`
	CreatedAtEpoch int64            `json:"created_at_epoch"`
	Families       []RegistryFamily `json:"families"`
}

// Registry fetches the active registry summary, or a historical version
// when version > 0.
func (c *Client) Registry(ctx context.Context, version int64) (*RegistrySummary, error) {
	q := url.Values{}
	if version > 0 {
		q.Set("version", strconv.FormatInt(version, 10))
	}
	var out RegistrySummary
	if err := c.do(ctx, http.MethodGet, withQuery("/api/registry", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VersionList is the /api/registry/versions response.
type VersionList struct {
	Versions []*models.RegistryVersionInfo `json:"versions"`
	Count    int                           `json:"count"`
	Active   int64                         `json:"active"`
}

// RegistryVersions lists retained registry versions, newest first.
func (c *Client) RegistryVersions(ctx context.Context) (*VersionList, error) {
	var out VersionList
	if err := c.do(ctx, http.MethodGet, "/api/registry/versions", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchResult is one retrieval hit.
type SearchResult struct {
	PromptID   int64   `json:"prompt_id"`
	RecordID   string  `json:"record_id"`
	Text       string  `json:"text"`
	Source     string  `json:"source"`
	State      string  `json:"state"`
	FamilyID   string  `json:"family_id,omitempty"`
	FamilyName string  `json:"family_name,omitempty"`
	Similarity float64 `json:"similarity"`
}

// SearchResponse is the /api/search response.
type SearchResponse struct {
	Query     string         `json:"query"`
	Results   []SearchResult `json:"results"`
	Total     int            `json:"total"`
	LatencyMs int64          `json:"latency_ms"`
	Cached    bool           `json:"cached"`
}

// SearchParams tunes a semantic search.
type SearchParams struct {
	Limit         int
	MinSimilarity float64
}

// Search performs a semantic search over the ingested corpus.
func (c *Client) Search(ctx context.Context, query string, params SearchParams) (*SearchResponse, error) {
	q := url.Values{}
	q.Set("q", query)
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.MinSimilarity > 0 {
		q.Set("min_similarity", strconv.FormatFloat(params.MinSimilarity, 'f', -1, 64))
	}
	var out SearchResponse
	if err := c.do(ctx, http.MethodGet, withQuery("/api/search", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunList is the /api/runs response.
type RunList struct {
	Runs  []*models.ProcessingRunJSON `json:"runs"`
	Count int                         `json:"count"`
}

// Runs lists recent processing runs. Kind filters to "batch" or
// "incremental"; empty means both.
func (c *Client) Runs(ctx context.Context, kind string, limit int) (*RunList, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out RunList
	if err := c.do(ctx, http.MethodGet, withQuery("/api/runs", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FlaggedList is the /api/assignments/flagged response.
type FlaggedList struct {
	Assignments     []*models.AssignmentJSON `json:"assignments"`
	Count           int                      `json:"count"`
	RegistryVersion int64                    `json:"registry_version"`
}

// Flagged lists suggest-merge assignments awaiting review under the active
// registry version.
func (c *Client) Flagged(ctx context.Context, limit int) (*FlaggedList, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out FlaggedList
	if err := c.do(ctx, http.MethodGet, withQuery("/api/assignments/flagged", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats fetches the worker stats document.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunBatch triggers a batch reclustering run. The run executes in the
// background; poll Runs to observe completion. Returns ErrRunInProgress
// when a batch run is already executing.
func (c *Client) RunBatch(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/admin/run/batch", nil, nil)
}

// RunIncremental triggers an incremental classification pass, bypassing
// the min-pending gate. Returns ErrRunInProgress when one is already
// executing.
func (c *Client) RunIncremental(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/admin/run/incremental", nil, nil)
}

// RunMaintenance runs one maintenance sweep synchronously and returns the
// maintenance counters.
func (c *Client) RunMaintenance(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, "/api/admin/maintenance", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
