// Package config provides configuration management for taxon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	// DefaultWorkerPort is the default HTTP port for the worker service.
	DefaultWorkerPort = 37750

	// DefaultEmbeddingModel is the deterministic local hashing model; it needs
	// no network and keeps classification reproducible out of the box.
	DefaultEmbeddingModel = "hashing-v1"

	// DefaultEmbeddingDimensions matches the 384-dim sentence-embedding class
	// of models the remote endpoint typically serves.
	DefaultEmbeddingDimensions = 384

	// DefaultEmbeddingMaxTokens is the per-text token limit enforced before
	// embedding; longer inputs are rejected, not truncated.
	DefaultEmbeddingMaxTokens = 512

	// DefaultEmbeddingBatchSize is the chunk size for batch embedding calls.
	DefaultEmbeddingBatchSize = 64
)

// Database backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Retrieval index backends.
const (
	RetrievalMemory   = "memory"
	RetrievalPgvector = "pgvector"
)

// Clustering algorithms.
const (
	AlgorithmHDBSCAN = "hdbscan"
	AlgorithmKMeans  = "kmeans"
)

// Config holds the application configuration.
type Config struct {
	// Worker settings
	WorkerPort int    `json:"worker_port"`
	APIToken   string `json:"-"` // non-empty enables worker API auth

	// Database settings
	DBBackend   string `json:"db_backend"` // sqlite | postgres
	DBPath      string `json:"db_path"`
	PostgresDSN string `json:"postgres_dsn"`
	MaxConns    int    `json:"max_conns"`

	// Embedding settings
	EmbeddingModel      string `json:"embedding_model"`
	EmbeddingDimensions int    `json:"embedding_dimensions"`
	EmbeddingEndpoint   string `json:"embedding_endpoint"` // OpenAI-compatible /embeddings URL
	EmbeddingAPIKey     string `json:"-"`
	EmbeddingMaxTokens  int    `json:"embedding_max_tokens"`
	EmbeddingBatchSize  int    `json:"embedding_batch_size"`

	// Redis embedding cache (optional; empty addr disables)
	RedisAddr     string `json:"redis_addr"`
	RedisTTLHours int    `json:"redis_ttl_hours"`

	// Clustering settings
	ClusterAlgorithm        string  `json:"cluster_algorithm"` // hdbscan | kmeans
	MinClusterSize          int     `json:"min_cluster_size"`
	MinSamples              int     `json:"min_samples"`
	ClusterSelectionEpsilon float64 `json:"cluster_selection_epsilon"`
	KMeansClusters          int     `json:"kmeans_clusters"` // 0 = sqrt(n/2) heuristic

	// Family id continuity across batch runs. Off by default: each full run
	// regenerates ids, matching the authoritative-rerun policy. When on,
	// clusters whose centroid matches a previous family above the threshold
	// reuse that family's id.
	FamilyContinuity    bool    `json:"family_continuity"`
	ContinuityThreshold float64 `json:"continuity_threshold"`

	// Incremental decision thresholds. Must be strictly ordered:
	// auto_merge > suggest_merge > new_family > 0.
	AutoMergeThreshold    float64 `json:"auto_merge_threshold"`
	SuggestMergeThreshold float64 `json:"suggest_merge_threshold"`
	NewFamilyThreshold    float64 `json:"new_family_threshold"`

	// Scheduler settings
	BatchIntervalHours         int `json:"batch_interval_hours"`
	IncrementalIntervalMinutes int `json:"incremental_interval_minutes"`
	IncrementalBatchSize       int `json:"incremental_batch_size"`
	MinPendingCount            int `json:"min_pending_count"`

	// Ingestion settings
	IngestWatchDirs  []string `json:"ingest_watch_dirs"`
	RedactSecrets    bool     `json:"redact_secrets"`
	SimHashThreshold int      `json:"simhash_threshold"` // max Hamming distance for near-duplicates

	// Retrieval index settings
	RetrievalBackend string `json:"retrieval_backend"` // memory | pgvector
	RetrievalTopK    int    `json:"retrieval_top_k"`

	// Lineage graph mirror (optional; empty addr disables)
	FalkorAddr     string `json:"falkor_addr"`
	FalkorGraph    string `json:"falkor_graph"`
	FalkorPassword string `json:"-"`

	// Maintenance settings
	MaintenanceIntervalHours int `json:"maintenance_interval_hours"`
	RunRetentionDays         int `json:"run_retention_days"`
	SnapshotRetention        int `json:"snapshot_retention"` // committed registry versions to keep
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.taxon).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".taxon")
}

// DBPath returns the default SQLite database file path.
func DBPath() string {
	return filepath.Join(DataDir(), "taxon.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings creates a default settings file if it doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	defaultSettings := `{
  "TAXON_WORKER_PORT": 37750,
  "TAXON_DB_BACKEND": "sqlite",
  "TAXON_EMBEDDING_MODEL": "hashing-v1",
  "TAXON_INCREMENTAL_INTERVAL_MINUTES": 10,
  "TAXON_BATCH_INTERVAL_HOURS": 168,
  "TAXON_MIN_PENDING_COUNT": 50
}
`
	return os.WriteFile(path, []byte(defaultSettings), 0600)
}

// EnsureAll ensures all required directories and files exist.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Default returns a Config with default values. Threshold and clustering
// defaults mirror the production tuning the system shipped with.
func Default() *Config {
	return &Config{
		WorkerPort:  DefaultWorkerPort,
		DBBackend:   BackendSQLite,
		DBPath:      DBPath(),
		PostgresDSN: "",
		MaxConns:    4,

		EmbeddingModel:      DefaultEmbeddingModel,
		EmbeddingDimensions: DefaultEmbeddingDimensions,
		EmbeddingMaxTokens:  DefaultEmbeddingMaxTokens,
		EmbeddingBatchSize:  DefaultEmbeddingBatchSize,

		RedisTTLHours: 24,

		ClusterAlgorithm:        AlgorithmHDBSCAN,
		MinClusterSize:          2,
		MinSamples:              1,
		ClusterSelectionEpsilon: 0.15,

		FamilyContinuity:    false,
		ContinuityThreshold: 0.90,

		AutoMergeThreshold:    0.85,
		SuggestMergeThreshold: 0.70,
		NewFamilyThreshold:    0.50,

		BatchIntervalHours:         168, // weekly full reclustering
		IncrementalIntervalMinutes: 10,
		IncrementalBatchSize:       500,
		MinPendingCount:            50,

		RedactSecrets:    true,
		SimHashThreshold: 3,

		RetrievalBackend: RetrievalMemory,
		RetrievalTopK:    10,

		FalkorGraph: "taxon",

		MaintenanceIntervalHours: 24,
		RunRetentionDays:         30,
		SnapshotRetention:        5,
	}
}

// Load loads configuration from the settings file, merging with defaults,
// then applies TAXON_* environment overrides (env wins over file).
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err == nil {
		// Load settings into a map to preserve unknown fields
		var settings map[string]interface{}
		if jsonErr := json.Unmarshal(data, &settings); jsonErr == nil {
			applySettings(cfg, settings)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applySettings maps the flat settings file keys onto the config.
func applySettings(cfg *Config, settings map[string]interface{}) {
	setInt(settings, "TAXON_WORKER_PORT", &cfg.WorkerPort)
	setString(settings, "TAXON_DB_BACKEND", &cfg.DBBackend)
	setString(settings, "TAXON_DB_PATH", &cfg.DBPath)
	setString(settings, "TAXON_POSTGRES_DSN", &cfg.PostgresDSN)
	setInt(settings, "TAXON_MAX_CONNS", &cfg.MaxConns)

	setString(settings, "TAXON_EMBEDDING_MODEL", &cfg.EmbeddingModel)
	setInt(settings, "TAXON_EMBEDDING_DIMENSIONS", &cfg.EmbeddingDimensions)
	setString(settings, "TAXON_EMBEDDING_ENDPOINT", &cfg.EmbeddingEndpoint)
	setInt(settings, "TAXON_EMBEDDING_MAX_TOKENS", &cfg.EmbeddingMaxTokens)
	setInt(settings, "TAXON_EMBEDDING_BATCH_SIZE", &cfg.EmbeddingBatchSize)

	setString(settings, "TAXON_REDIS_ADDR", &cfg.RedisAddr)
	setInt(settings, "TAXON_REDIS_TTL_HOURS", &cfg.RedisTTLHours)

	setString(settings, "TAXON_CLUSTER_ALGORITHM", &cfg.ClusterAlgorithm)
	setInt(settings, "TAXON_MIN_CLUSTER_SIZE", &cfg.MinClusterSize)
	setInt(settings, "TAXON_MIN_SAMPLES", &cfg.MinSamples)
	setFloat(settings, "TAXON_CLUSTER_SELECTION_EPSILON", &cfg.ClusterSelectionEpsilon)
	setInt(settings, "TAXON_KMEANS_CLUSTERS", &cfg.KMeansClusters)

	setBool(settings, "TAXON_FAMILY_CONTINUITY", &cfg.FamilyContinuity)
	setFloat(settings, "TAXON_CONTINUITY_THRESHOLD", &cfg.ContinuityThreshold)

	setFloat(settings, "TAXON_AUTO_MERGE_THRESHOLD", &cfg.AutoMergeThreshold)
	setFloat(settings, "TAXON_SUGGEST_MERGE_THRESHOLD", &cfg.SuggestMergeThreshold)
	setFloat(settings, "TAXON_NEW_FAMILY_THRESHOLD", &cfg.NewFamilyThreshold)

	setInt(settings, "TAXON_BATCH_INTERVAL_HOURS", &cfg.BatchIntervalHours)
	setInt(settings, "TAXON_INCREMENTAL_INTERVAL_MINUTES", &cfg.IncrementalIntervalMinutes)
	setInt(settings, "TAXON_INCREMENTAL_BATCH_SIZE", &cfg.IncrementalBatchSize)
	setInt(settings, "TAXON_MIN_PENDING_COUNT", &cfg.MinPendingCount)

	if v, ok := settings["TAXON_INGEST_WATCH_DIRS"].(string); ok && v != "" {
		cfg.IngestWatchDirs = splitTrim(v)
	}
	setBool(settings, "TAXON_REDACT_SECRETS", &cfg.RedactSecrets)
	setInt(settings, "TAXON_SIMHASH_THRESHOLD", &cfg.SimHashThreshold)

	setString(settings, "TAXON_RETRIEVAL_BACKEND", &cfg.RetrievalBackend)
	setInt(settings, "TAXON_RETRIEVAL_TOP_K", &cfg.RetrievalTopK)

	setString(settings, "TAXON_FALKOR_ADDR", &cfg.FalkorAddr)
	setString(settings, "TAXON_FALKOR_GRAPH", &cfg.FalkorGraph)

	setInt(settings, "TAXON_MAINTENANCE_INTERVAL_HOURS", &cfg.MaintenanceIntervalHours)
	setInt(settings, "TAXON_RUN_RETENTION_DAYS", &cfg.RunRetentionDays)
	setInt(settings, "TAXON_SNAPSHOT_RETENTION", &cfg.SnapshotRetention)
}

// applyEnv applies TAXON_* environment variables over the loaded config.
func applyEnv(cfg *Config) {
	envInt("TAXON_WORKER_PORT", &cfg.WorkerPort)
	envString("TAXON_API_TOKEN", &cfg.APIToken)
	envString("TAXON_DB_BACKEND", &cfg.DBBackend)
	envString("TAXON_DB_PATH", &cfg.DBPath)
	envString("TAXON_POSTGRES_DSN", &cfg.PostgresDSN)
	envInt("TAXON_MAX_CONNS", &cfg.MaxConns)

	envString("TAXON_EMBEDDING_MODEL", &cfg.EmbeddingModel)
	envInt("TAXON_EMBEDDING_DIMENSIONS", &cfg.EmbeddingDimensions)
	envString("TAXON_EMBEDDING_ENDPOINT", &cfg.EmbeddingEndpoint)
	envString("TAXON_EMBEDDING_API_KEY", &cfg.EmbeddingAPIKey)
	envInt("TAXON_EMBEDDING_MAX_TOKENS", &cfg.EmbeddingMaxTokens)
	envInt("TAXON_EMBEDDING_BATCH_SIZE", &cfg.EmbeddingBatchSize)

	envString("TAXON_REDIS_ADDR", &cfg.RedisAddr)
	envInt("TAXON_REDIS_TTL_HOURS", &cfg.RedisTTLHours)

	envString("TAXON_CLUSTER_ALGORITHM", &cfg.ClusterAlgorithm)
	envInt("TAXON_MIN_CLUSTER_SIZE", &cfg.MinClusterSize)
	envInt("TAXON_MIN_SAMPLES", &cfg.MinSamples)
	envFloat("TAXON_CLUSTER_SELECTION_EPSILON", &cfg.ClusterSelectionEpsilon)
	envInt("TAXON_KMEANS_CLUSTERS", &cfg.KMeansClusters)

	envBool("TAXON_FAMILY_CONTINUITY", &cfg.FamilyContinuity)
	envFloat("TAXON_CONTINUITY_THRESHOLD", &cfg.ContinuityThreshold)

	envFloat("TAXON_AUTO_MERGE_THRESHOLD", &cfg.AutoMergeThreshold)
	envFloat("TAXON_SUGGEST_MERGE_THRESHOLD", &cfg.SuggestMergeThreshold)
	envFloat("TAXON_NEW_FAMILY_THRESHOLD", &cfg.NewFamilyThreshold)

	envInt("TAXON_BATCH_INTERVAL_HOURS", &cfg.BatchIntervalHours)
	envInt("TAXON_INCREMENTAL_INTERVAL_MINUTES", &cfg.IncrementalIntervalMinutes)
	envInt("TAXON_INCREMENTAL_BATCH_SIZE", &cfg.IncrementalBatchSize)
	envInt("TAXON_MIN_PENDING_COUNT", &cfg.MinPendingCount)

	if v := os.Getenv("TAXON_INGEST_WATCH_DIRS"); v != "" {
		cfg.IngestWatchDirs = splitTrim(v)
	}
	envBool("TAXON_REDACT_SECRETS", &cfg.RedactSecrets)
	envInt("TAXON_SIMHASH_THRESHOLD", &cfg.SimHashThreshold)

	envString("TAXON_RETRIEVAL_BACKEND", &cfg.RetrievalBackend)
	envInt("TAXON_RETRIEVAL_TOP_K", &cfg.RetrievalTopK)

	envString("TAXON_FALKOR_ADDR", &cfg.FalkorAddr)
	envString("TAXON_FALKOR_GRAPH", &cfg.FalkorGraph)
	envString("TAXON_FALKOR_PASSWORD", &cfg.FalkorPassword)
}

// Validate checks the configuration at startup. Any error here is fatal:
// a misordered threshold ladder must never surface mid-run.
func (c *Config) Validate() error {
	if c.AutoMergeThreshold <= c.SuggestMergeThreshold {
		return fmt.Errorf("config: auto_merge threshold (%.2f) must be greater than suggest_merge (%.2f)",
			c.AutoMergeThreshold, c.SuggestMergeThreshold)
	}
	if c.SuggestMergeThreshold <= c.NewFamilyThreshold {
		return fmt.Errorf("config: suggest_merge threshold (%.2f) must be greater than new_family (%.2f)",
			c.SuggestMergeThreshold, c.NewFamilyThreshold)
	}
	if c.NewFamilyThreshold <= 0 || c.AutoMergeThreshold > 1 {
		return fmt.Errorf("config: thresholds must lie in (0, 1], got new_family=%.2f auto_merge=%.2f",
			c.NewFamilyThreshold, c.AutoMergeThreshold)
	}

	if c.MinClusterSize < 2 {
		return fmt.Errorf("config: min_cluster_size must be at least 2, got %d", c.MinClusterSize)
	}
	if c.MinSamples < 1 {
		return fmt.Errorf("config: min_samples must be at least 1, got %d", c.MinSamples)
	}
	if c.ClusterSelectionEpsilon < 0 {
		return fmt.Errorf("config: cluster_selection_epsilon must be non-negative, got %.3f", c.ClusterSelectionEpsilon)
	}

	switch c.ClusterAlgorithm {
	case AlgorithmHDBSCAN, AlgorithmKMeans:
	default:
		return fmt.Errorf("config: unknown cluster_algorithm %q", c.ClusterAlgorithm)
	}

	switch c.DBBackend {
	case BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("config: unknown db_backend %q", c.DBBackend)
	}
	if c.DBBackend == BackendPostgres && c.PostgresDSN == "" {
		return fmt.Errorf("config: postgres backend requires postgres_dsn")
	}

	switch c.RetrievalBackend {
	case RetrievalMemory, RetrievalPgvector:
	default:
		return fmt.Errorf("config: unknown retrieval_backend %q", c.RetrievalBackend)
	}
	if c.RetrievalBackend == RetrievalPgvector && c.PostgresDSN == "" {
		return fmt.Errorf("config: pgvector retrieval requires postgres_dsn")
	}

	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: embedding_dimensions must be positive, got %d", c.EmbeddingDimensions)
	}
	if c.FamilyContinuity && (c.ContinuityThreshold <= 0 || c.ContinuityThreshold > 1) {
		return fmt.Errorf("config: continuity_threshold must lie in (0, 1], got %.2f", c.ContinuityThreshold)
	}
	if c.IncrementalBatchSize <= 0 {
		return fmt.Errorf("config: incremental_batch_size must be positive, got %d", c.IncrementalBatchSize)
	}
	if c.MinPendingCount < 0 {
		return fmt.Errorf("config: min_pending_count must be non-negative, got %d", c.MinPendingCount)
	}

	return nil
}

// splitTrim splits a comma-separated string and trims whitespace.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func setString(settings map[string]interface{}, key string, dst *string) {
	if v, ok := settings[key].(string); ok && v != "" {
		*dst = v
	}
}

func setInt(settings map[string]interface{}, key string, dst *int) {
	if v, ok := settings[key].(float64); ok {
		*dst = int(v)
	}
}

func setFloat(settings map[string]interface{}, key string, dst *float64) {
	if v, ok := settings[key].(float64); ok {
		*dst = v
	}
}

func setBool(settings map[string]interface{}, key string, dst *bool) {
	if v, ok := settings[key].(bool); ok {
		*dst = v
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Get returns the global configuration, loading it if necessary.
// A broken settings file falls back to defaults; validation errors from
// explicit Load calls still surface to main.
func Get() *Config {
	configOnce.Do(func() {
		var err error
		globalConfig, err = Load()
		if err != nil {
			globalConfig = Default()
		}
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// GetWorkerPort returns the worker port from environment or config.
func GetWorkerPort() int {
	if port := os.Getenv("TAXON_WORKER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			return p
		}
	}
	return Get().WorkerPort
}

// BatchThresholds returns the decision ladder bounds in descending order.
func (c *Config) BatchThresholds() (auto, suggest, newFamily float64) {
	return c.AutoMergeThreshold, c.SuggestMergeThreshold, c.NewFamilyThreshold
}
