package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "pairwise", cfg.Gate.OverlapLevel)
	assert.Equal(t, "canonical", cfg.Gate.NormalizerID)
	assert.Equal(t, "world-main", cfg.Gate.WorldID)
	assert.True(t, cfg.Store.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
gate:
  overlap_level: higher_cech
  max_refine_steps: 2
memory:
  lease_ttl: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "higher_cech", cfg.Gate.OverlapLevel)
	assert.Equal(t, 2, cfg.Gate.MaxRefineSteps)
	assert.Equal(t, 5*time.Minute, cfg.GetLeaseTTL())
	// Untouched sections keep their defaults.
	assert.Equal(t, "canonical", cfg.Gate.NormalizerID)
	assert.True(t, cfg.Memory.WatchPolicy)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GLUEGATE_WORKSPACE", "/tmp/ws")
	t.Setenv("GLUEGATE_MAX_REFINE_STEPS", "3")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/ws", cfg.Store.Workspace)
	assert.Equal(t, 3, cfg.Gate.MaxRefineSteps)
}

func TestGetLeaseTTLFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.LeaseTTL = "not-a-duration"
	assert.Equal(t, 15*time.Minute, cfg.GetLeaseTTL())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "higher_cech", mutate: func(c *Config) { c.Gate.OverlapLevel = "higher_cech" }},
		{name: "unknown_level", mutate: func(c *Config) { c.Gate.OverlapLevel = "triplewise" }, wantErr: true},
		{name: "missing_normalizer", mutate: func(c *Config) { c.Gate.NormalizerID = "" }, wantErr: true},
		{name: "negative_steps", mutate: func(c *Config) { c.Gate.MaxRefineSteps = -1 }, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultConfig()
	cfg.Gate.MaxRefineSteps = 4
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Gate.MaxRefineSteps)
}
