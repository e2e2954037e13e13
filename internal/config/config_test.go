package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/simcache/pkg/cache"
	"github.com/liliang-cn/simcache/pkg/core"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	want := Default()
	assert.Equal(t, want.Index, cfg.Index)
	assert.Equal(t, want.Cache, cfg.Cache)
	assert.Equal(t, want.Log, cfg.Log)
	assert.Equal(t, want.Metrics, cfg.Metrics)
	assert.Equal(t, "default", cfg.Snapshot.Name)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeFile(t, "simcache.yaml", `
index:
  num_tables: 5
  hash_functions: 4
  dimension: 128
  seed: 7
cache:
  max_entries: 500
  ttl: 30m
  eviction_policy: Adaptive
  similarity_threshold: 0.65
  cleanup_interval: 10s
snapshot:
  path: /tmp/simcache.db
  name: nightly
  restore_on_start: true
log:
  level: debug
  format: JSON
metrics:
  enabled: true
  addr: ":9999"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Index.NumTables)
	assert.Equal(t, 4, cfg.Index.HashFunctions)
	assert.Equal(t, 128, cfg.Index.Dimension)
	assert.Equal(t, int64(7), cfg.Index.Seed)

	assert.Equal(t, 500, cfg.Cache.MaxEntries)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, cache.PolicyAdaptive, cfg.Cache.EvictionPolicy)
	assert.InDelta(t, 0.65, cfg.Cache.SimilarityThreshold, 1e-6)
	assert.Equal(t, 10*time.Second, cfg.Cache.CleanupInterval)

	assert.Equal(t, "/tmp/simcache.db", cfg.Snapshot.Path)
	assert.Equal(t, "nightly", cfg.Snapshot.Name)
	assert.True(t, cfg.Snapshot.RestoreOnStart)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9999", cfg.Metrics.Addr)
	assert.Equal(t, "simcache", cfg.Metrics.Component)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, "simcache.yaml", "cache:\n  max_entries: 500\n")
	t.Setenv("SIMCACHE_CACHE_MAX_ENTRIES", "42")
	t.Setenv("SIMCACHE_CACHE_TTL", "2h")
	t.Setenv("SIMCACHE_INDEX_DIMENSION", "64")
	t.Setenv("SIMCACHE_CACHE_EVICTION_POLICY", "fifo")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Cache.MaxEntries)
	assert.Equal(t, 2*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 64, cfg.Index.Dimension)
	assert.Equal(t, cache.PolicyFIFO, cfg.Cache.EvictionPolicy)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	for name, content := range map[string]string{
		"policy":     "cache:\n  eviction_policy: random\n",
		"capacity":   "cache:\n  max_entries: 0\n",
		"dimension":  "index:\n  dimension: 0\n",
		"log format": "log:\n  format: xml\n",
		"restore":    "snapshot:\n  restore_on_start: true\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "simcache.yaml", content))
			assert.ErrorIs(t, err, core.ErrInvalidConfig)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLogConfigNewLogger(t *testing.T) {
	assert.NotNil(t, LogConfig{Level: "debug", Format: "json"}.NewLogger())
	assert.NotNil(t, LogConfig{Level: "warn", Format: "console"}.NewLogger())
}
