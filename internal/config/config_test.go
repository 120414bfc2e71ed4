package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_RejectsBadDimension(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VectorIndex.Dimension = 0
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsLimitOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Search.DefaultLimit = cfg.Search.MaxLimit + 1
	require.Error(t, cfg.Validate())
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	os.Setenv("MEMCORE_VECTOR_DIMENSION", "768")
	os.Setenv("MEMCORE_CACHE_TTL", "1m")
	os.Setenv("MEMCORE_CACHE_ENABLED", "false")
	defer os.Unsetenv("MEMCORE_VECTOR_DIMENSION")
	defer os.Unsetenv("MEMCORE_CACHE_TTL")
	defer os.Unsetenv("MEMCORE_CACHE_ENABLED")

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	assert.Equal(t, 768, cfg.VectorIndex.Dimension)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.False(t, cfg.Cache.Enabled)
}
