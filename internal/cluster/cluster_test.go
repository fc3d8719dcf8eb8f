package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/taxon/internal/config"
)

// TestNew verifies the factory maps configuration to the right algorithm.
func TestNew(t *testing.T) {
	cfg := config.Default()

	c, err := New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &HDBSCAN{}, c)

	cfg.ClusterAlgorithm = config.AlgorithmKMeans
	c, err = New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &KMeans{}, c)

	cfg.ClusterAlgorithm = "spectral"
	_, err = New(cfg)
	assert.Error(t, err)
}

// TestParamsFromConfig verifies parameter extraction.
func TestParamsFromConfig(t *testing.T) {
	cfg := config.Default()
	params := ParamsFromConfig(cfg)

	assert.Equal(t, 2, params.MinClusterSize)
	assert.Equal(t, 1, params.MinSamples)
	assert.InDelta(t, 0.15, params.ClusterSelectionEpsilon, 1e-9)
}
