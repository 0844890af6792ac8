package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devctx/contextcache/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
name: my-cache
version: "1.2.0"
cache:
  memory_limit: 134217728
  disk_limit: 536870912
  ttl: 30m
  max_entries: 500
  similarity_threshold: 0.8
  preload_patterns:
    - "proj:api-*"
server:
  enabled: true
  port: 9000
`)

	cfg, err := NewLoader().LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "my-cache", cfg.Name)
	assert.Equal(t, "1.2.0", cfg.Version)
	assert.Equal(t, int64(134217728), cfg.Cache.MemoryLimit)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 500, cfg.Cache.MaxEntries)
	assert.Equal(t, 0.8, cfg.Cache.SimilarityThreshold)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, 9000, cfg.Server.Port)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `name: defaults-only`)

	cfg, err := NewLoader().LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, int64(256<<20), cfg.Cache.MemoryLimit)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 10000, cfg.Cache.MaxEntries)
	assert.Equal(t, 0.7, cfg.Cache.SimilarityThreshold)
	assert.Equal(t, "@every 1m", cfg.Maintenance.Spec)
	assert.Equal(t, "file", cfg.Persistence.Type)
	assert.Equal(t, 8717, cfg.Server.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewLoader().LoadFromFile(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)

	_, err = NewLoader().LoadFromFile("")
	assert.ErrorIs(t, err, types.ErrConfigNotFound)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "cache: [not: a: mapping")

	_, err := NewLoader().LoadFromFile(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadLimits(t *testing.T) {
	loader := NewLoader()

	cases := []struct {
		name   string
		mutate func(*types.Config)
	}{
		{"negative memory limit", func(c *types.Config) { c.Cache.MemoryLimit = -1 }},
		{"zero ttl", func(c *types.Config) { c.Cache.TTL = 0 }},
		{"zero max entries", func(c *types.Config) { c.Cache.MaxEntries = 0 }},
		{"threshold above one", func(c *types.Config) { c.Cache.SimilarityThreshold = 1.2 }},
		{"threshold zero", func(c *types.Config) { c.Cache.SimilarityThreshold = 0 }},
		{"bad persistence type", func(c *types.Config) { c.Persistence.Type = "carrier-pigeon" }},
		{"port out of range", func(c *types.Config) { c.Server.Port = 70000 }},
		{"missing name", func(c *types.Config) { c.Name = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := loader.Defaults()
			tc.mutate(cfg)
			assert.Error(t, loader.Validate(cfg))
		})
	}
}

func TestValidateRejectsBadPreloadPattern(t *testing.T) {
	loader := NewLoader()
	cfg := loader.Defaults()
	cfg.Cache.PreloadPatterns = []string{"proj:*", "[broken"}

	err := loader.Validate(cfg)
	assert.True(t, types.IsError(err, types.ErrConfigPatternInvalid))
}

func TestValidateDefaults(t *testing.T) {
	loader := NewLoader()
	assert.NoError(t, loader.Validate(loader.Defaults()))
}
