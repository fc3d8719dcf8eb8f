package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.85, cfg.AutoMergeThreshold)
	assert.Equal(t, 0.70, cfg.SuggestMergeThreshold)
	assert.Equal(t, 0.50, cfg.NewFamilyThreshold)
	assert.Equal(t, 2, cfg.MinClusterSize)
	assert.Equal(t, 1, cfg.MinSamples)
	assert.Equal(t, 0.15, cfg.ClusterSelectionEpsilon)
	assert.Equal(t, AlgorithmHDBSCAN, cfg.ClusterAlgorithm)
	assert.False(t, cfg.FamilyContinuity)
}

func TestValidate_ThresholdOrdering(t *testing.T) {
	tests := []struct {
		name                string
		auto, suggest, newf float64
		wantErr             bool
	}{
		{"default ordering", 0.85, 0.70, 0.50, false},
		{"tight but ordered", 0.90, 0.89, 0.88, false},
		{"auto equals suggest", 0.70, 0.70, 0.50, true},
		{"auto below suggest", 0.60, 0.70, 0.50, true},
		{"suggest equals new", 0.85, 0.50, 0.50, true},
		{"new family at zero", 0.85, 0.70, 0, true},
		{"auto above one", 1.5, 0.70, 0.50, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.AutoMergeThreshold = tt.auto
			cfg.SuggestMergeThreshold = tt.suggest
			cfg.NewFamilyThreshold = tt.newf

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_ClusteringParams(t *testing.T) {
	cfg := Default()
	cfg.MinClusterSize = 1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MinSamples = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.ClusterSelectionEpsilon = -0.1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.ClusterAlgorithm = "dbscan"
	assert.Error(t, cfg.Validate())
}

func TestValidate_BackendRequirements(t *testing.T) {
	cfg := Default()
	cfg.DBBackend = BackendPostgres
	assert.Error(t, cfg.Validate(), "postgres backend without DSN must fail")

	cfg.PostgresDSN = "postgres://localhost/taxon"
	assert.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.RetrievalBackend = RetrievalPgvector
	assert.Error(t, cfg.Validate(), "pgvector retrieval without DSN must fail")

	cfg = Default()
	cfg.DBBackend = "mysql"
	assert.Error(t, cfg.Validate())
}

func TestValidate_ContinuityThreshold(t *testing.T) {
	cfg := Default()
	cfg.FamilyContinuity = true
	cfg.ContinuityThreshold = 0
	assert.Error(t, cfg.Validate())

	cfg.ContinuityThreshold = 0.9
	assert.NoError(t, cfg.Validate())

	// threshold ignored when continuity is off
	cfg.FamilyContinuity = false
	cfg.ContinuityThreshold = 0
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("TAXON_WORKER_PORT", "40000")
	t.Setenv("TAXON_AUTO_MERGE_THRESHOLD", "0.95")
	t.Setenv("TAXON_FAMILY_CONTINUITY", "true")
	t.Setenv("TAXON_INGEST_WATCH_DIRS", "/tmp/a, /tmp/b")

	cfg := Default()
	applyEnv(cfg)

	assert.Equal(t, 40000, cfg.WorkerPort)
	assert.Equal(t, 0.95, cfg.AutoMergeThreshold)
	assert.True(t, cfg.FamilyContinuity)
	assert.Equal(t, []string{"/tmp/a", "/tmp/b"}, cfg.IngestWatchDirs)
}

func TestApplyEnv_IgnoresMalformedValues(t *testing.T) {
	t.Setenv("TAXON_WORKER_PORT", "not-a-number")
	t.Setenv("TAXON_AUTO_MERGE_THRESHOLD", "high")

	cfg := Default()
	applyEnv(cfg)

	assert.Equal(t, DefaultWorkerPort, cfg.WorkerPort)
	assert.Equal(t, 0.85, cfg.AutoMergeThreshold)
}

func TestApplySettings(t *testing.T) {
	cfg := Default()
	applySettings(cfg, map[string]interface{}{
		"TAXON_MIN_CLUSTER_SIZE":          float64(5),
		"TAXON_CLUSTER_SELECTION_EPSILON": 0.2,
		"TAXON_DB_BACKEND":                "postgres",
		"TAXON_REDACT_SECRETS":            false,
		"TAXON_INGEST_WATCH_DIRS":         "/var/prompts",
	})

	assert.Equal(t, 5, cfg.MinClusterSize)
	assert.Equal(t, 0.2, cfg.ClusterSelectionEpsilon)
	assert.Equal(t, BackendPostgres, cfg.DBBackend)
	assert.False(t, cfg.RedactSecrets)
	assert.Equal(t, []string{"/var/prompts"}, cfg.IngestWatchDirs)
}

func TestSplitTrim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitTrim(" a , b ,"))
	assert.Empty(t, splitTrim(" , "))
}
