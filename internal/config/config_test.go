package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		DBPath:           "sync.db",
		Huly:             TrackerConfig{URL: "http://huly.local"},
		Vibe:             TrackerConfig{URL: "http://vibe.local"},
		SyncInterval:     time.Minute,
		MaxWorkers:       5,
		BreakerThreshold: 3,
		DeletePolicy:     DeleteSoft,
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultSyncInterval, cfg.SyncInterval)
	assert.Equal(t, DefaultAPIDelay, cfg.APIDelay)
	assert.Equal(t, DefaultMaxWorkers, cfg.MaxWorkers)
	assert.Equal(t, DefaultBreakerFailures, cfg.BreakerThreshold)
	assert.Equal(t, DefaultBreakerCooldown, cfg.BreakerCooldown)
	assert.Equal(t, DeleteSoft, cfg.DeletePolicy)
	assert.Equal(t, DefaultBeadsBin, cfg.BeadsBin)
	assert.False(t, cfg.DryRun)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "120000")
	t.Setenv("API_DELAY", "25")
	t.Setenv("MAX_WORKERS", "9")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("CIRCUIT_BREAKER_THRESHOLD", "7")
	t.Setenv("CIRCUIT_BREAKER_COOLDOWN_MS", "60000")
	t.Setenv("HULY_URL", "http://huly.example")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 25*time.Millisecond, cfg.APIDelay)
	assert.Equal(t, 9, cfg.MaxWorkers)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, 7, cfg.BreakerThreshold)
	assert.Equal(t, time.Minute, cfg.BreakerCooldown)
	assert.Equal(t, "http://huly.example", cfg.Huly.URL)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hvs.yaml")
	content := `
huly:
  url: http://huly.file
  token: secret
vibe:
  url: http://vibe.file
repos:
  - project: PROJ
    path: /srv/proj
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://huly.file", cfg.Huly.URL)
	assert.Equal(t, "secret", cfg.Huly.Token)
	require.Len(t, cfg.Repos, 1)
	assert.Equal(t, "PROJ", cfg.Repos[0].Project)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing huly", func(c *Config) { c.Huly.URL = "" }, "huly URL"},
		{"missing vibe", func(c *Config) { c.Vibe.URL = "" }, "vibe URL"},
		{"missing db", func(c *Config) { c.DBPath = "" }, "database path"},
		{"interval too small", func(c *Config) { c.SyncInterval = time.Millisecond }, "sync interval"},
		{"zero workers", func(c *Config) { c.MaxWorkers = 0 }, "max workers"},
		{"bad delete policy", func(c *Config) { c.DeletePolicy = "purge" }, "delete_policy"},
		{"repo missing path", func(c *Config) { c.Repos = []RepoConfig{{Project: "P"}} }, "project and path"},
		{"duplicate repo", func(c *Config) {
			c.Repos = []RepoConfig{{Project: "P", Path: "/a"}, {Project: "P", Path: "/b"}}
		}, "duplicate repo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func TestRepoFor(t *testing.T) {
	cfg := validConfig()
	cfg.Repos = []RepoConfig{{Project: "PROJ", Path: "/srv/proj"}}

	assert.NotNil(t, cfg.RepoFor("PROJ"))
	assert.NotNil(t, cfg.RepoFor("proj"))
	assert.Nil(t, cfg.RepoFor("OTHER"))
}
