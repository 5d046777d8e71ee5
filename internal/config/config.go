// Package config loads engine configuration from environment variables and
// an optional YAML config file, in that precedence order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults.
const (
	DefaultSyncInterval    = 60 * time.Second
	DefaultAPIDelay        = 10 * time.Millisecond
	DefaultMaxWorkers      = 5
	DefaultBreakerFailures = 3
	DefaultBreakerCooldown = 5 * time.Minute
	DefaultRatePerSecond   = 20
	DefaultRateMaxWait     = 30 * time.Second
	DefaultCacheExpiry     = 10 * time.Minute
	DefaultWebhookAddr     = ":8745"
	DefaultBeadsBin        = "bd"
	DefaultDBPath          = ".hvs/sync.db"
)

// DeletePolicy controls what happens to counterparts when Huly reports a
// deletion.
type DeletePolicy string

const (
	// DeleteSoft flags the mapping and leaves counterparts untouched.
	DeleteSoft DeletePolicy = "soft"
	// DeleteCascade also deletes the Vibe and Beads counterparts.
	DeleteCascade DeletePolicy = "cascade"
)

// TrackerConfig holds connection settings for one HTTP tracker.
type TrackerConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// RepoConfig maps a project identifier to a local Beads repository.
type RepoConfig struct {
	Project string `mapstructure:"project"`
	Path    string `mapstructure:"path"`
	GitURL  string `mapstructure:"git_url"`
}

// Config is the full engine configuration.
type Config struct {
	DBPath string `mapstructure:"db_path"`

	Huly TrackerConfig `mapstructure:"huly"`
	Vibe TrackerConfig `mapstructure:"vibe"`

	BeadsBin string       `mapstructure:"beads_bin"`
	Repos    []RepoConfig `mapstructure:"repos"`

	SyncInterval time.Duration `mapstructure:"sync_interval"`
	APIDelay     time.Duration `mapstructure:"api_delay"`
	MaxWorkers   int           `mapstructure:"max_workers"`
	CacheExpiry  time.Duration `mapstructure:"cache_expiry"`

	SkipEmptyProjects bool `mapstructure:"skip_empty_projects"`
	DryRun            bool `mapstructure:"dry_run"`
	ParallelSync      bool `mapstructure:"parallel_sync"`

	BreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"circuit_breaker_cooldown"`
	RatePerSecond    float64       `mapstructure:"rate_per_second"`
	RateMaxWait      time.Duration `mapstructure:"rate_max_wait"`

	WebhookAddr string `mapstructure:"webhook_addr"`

	DeletePolicy DeletePolicy `mapstructure:"delete_policy"`

	LettaURL string `mapstructure:"letta_url"`
	GraphURL string `mapstructure:"graph_url"`
}

// Load reads configuration from the optional config file path and the
// environment. Env vars use the documented uppercase names (SYNC_INTERVAL,
// API_DELAY, ...) with millisecond values for the *_MS / interval settings.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", DefaultDBPath)
	v.SetDefault("beads_bin", DefaultBeadsBin)
	v.SetDefault("sync_interval_ms", DefaultSyncInterval.Milliseconds())
	v.SetDefault("api_delay_ms", DefaultAPIDelay.Milliseconds())
	v.SetDefault("max_workers", DefaultMaxWorkers)
	v.SetDefault("cache_expiry_ms", DefaultCacheExpiry.Milliseconds())
	v.SetDefault("circuit_breaker_threshold", DefaultBreakerFailures)
	v.SetDefault("circuit_breaker_cooldown_ms", DefaultBreakerCooldown.Milliseconds())
	v.SetDefault("rate_per_second", DefaultRatePerSecond)
	v.SetDefault("rate_max_wait_ms", DefaultRateMaxWait.Milliseconds())
	v.SetDefault("webhook_addr", DefaultWebhookAddr)
	v.SetDefault("delete_policy", string(DeleteSoft))
	// Defaults registered for every env-bound key so Unmarshal sees the
	// key even when only the environment provides a value.
	v.SetDefault("skip_empty_projects", false)
	v.SetDefault("dry_run", false)
	v.SetDefault("parallel_sync", false)
	v.SetDefault("huly.url", "")
	v.SetDefault("huly.token", "")
	v.SetDefault("vibe.url", "")
	v.SetDefault("vibe.token", "")
	v.SetDefault("letta_url", "")
	v.SetDefault("graph_url", "")

	// Documented environment variables.
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindings := map[string]string{
		"sync_interval_ms":            "SYNC_INTERVAL",
		"api_delay_ms":                "API_DELAY",
		"max_workers":                 "MAX_WORKERS",
		"skip_empty_projects":         "SKIP_EMPTY_PROJECTS",
		"dry_run":                     "DRY_RUN",
		"parallel_sync":               "PARALLEL_SYNC",
		"circuit_breaker_threshold":   "CIRCUIT_BREAKER_THRESHOLD",
		"circuit_breaker_cooldown_ms": "CIRCUIT_BREAKER_COOLDOWN_MS",
		"db_path":                     "HVS_DB_PATH",
		"beads_bin":                   "BEADS_BIN",
		"webhook_addr":                "WEBHOOK_ADDR",
		"delete_policy":               "DELETE_POLICY",
		"huly.url":                    "HULY_URL",
		"huly.token":                  "HULY_TOKEN",
		"vibe.url":                    "VIBE_URL",
		"vibe.token":                  "VIBE_TOKEN",
		"letta_url":                   "LETTA_URL",
		"graph_url":                   "GRAPH_URL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Scalars are read through viper's typed getters: environment values
	// arrive as strings, and the getters coerce them where a plain
	// unmarshal would not.
	cfg.DBPath = v.GetString("db_path")
	cfg.BeadsBin = v.GetString("beads_bin")
	cfg.WebhookAddr = v.GetString("webhook_addr")
	cfg.DeletePolicy = DeletePolicy(strings.ToLower(v.GetString("delete_policy")))
	cfg.LettaURL = v.GetString("letta_url")
	cfg.GraphURL = v.GetString("graph_url")
	cfg.Huly.URL = v.GetString("huly.url")
	cfg.Huly.Token = v.GetString("huly.token")
	cfg.Vibe.URL = v.GetString("vibe.url")
	cfg.Vibe.Token = v.GetString("vibe.token")
	cfg.MaxWorkers = v.GetInt("max_workers")
	cfg.BreakerThreshold = v.GetInt("circuit_breaker_threshold")
	cfg.RatePerSecond = v.GetFloat64("rate_per_second")
	cfg.SkipEmptyProjects = v.GetBool("skip_empty_projects")
	cfg.DryRun = v.GetBool("dry_run")
	cfg.ParallelSync = v.GetBool("parallel_sync")

	// Millisecond-valued settings come in as integers.
	cfg.SyncInterval = time.Duration(v.GetInt64("sync_interval_ms")) * time.Millisecond
	cfg.APIDelay = time.Duration(v.GetInt64("api_delay_ms")) * time.Millisecond
	cfg.CacheExpiry = time.Duration(v.GetInt64("cache_expiry_ms")) * time.Millisecond
	cfg.BreakerCooldown = time.Duration(v.GetInt64("circuit_breaker_cooldown_ms")) * time.Millisecond
	cfg.RateMaxWait = time.Duration(v.GetInt64("rate_max_wait_ms")) * time.Millisecond

	return &cfg, nil
}

// Validate checks the configuration for startup. Errors here are the
// exit-code-2 class: the process should not start.
func (c *Config) Validate() error {
	if c.Huly.URL == "" {
		return fmt.Errorf("huly URL is required (set HULY_URL)")
	}
	if c.Vibe.URL == "" {
		return fmt.Errorf("vibe URL is required (set VIBE_URL)")
	}
	if c.DBPath == "" {
		return fmt.Errorf("database path is required")
	}
	if c.SyncInterval < time.Second {
		return fmt.Errorf("sync interval must be at least 1s, got %s", c.SyncInterval)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("circuit breaker threshold must be at least 1, got %d", c.BreakerThreshold)
	}
	switch c.DeletePolicy {
	case DeleteSoft, DeleteCascade:
	default:
		return fmt.Errorf("invalid delete_policy %q (valid: soft, cascade)", c.DeletePolicy)
	}
	seen := make(map[string]bool)
	for _, r := range c.Repos {
		if r.Project == "" || r.Path == "" {
			return fmt.Errorf("repo config requires both project and path")
		}
		if seen[r.Project] {
			return fmt.Errorf("duplicate repo config for project %s", r.Project)
		}
		seen[r.Project] = true
	}
	return nil
}

// RepoFor returns the repo config for a project identifier, or nil.
func (c *Config) RepoFor(project string) *RepoConfig {
	for i := range c.Repos {
		if strings.EqualFold(c.Repos[i].Project, project) {
			return &c.Repos[i]
		}
	}
	return nil
}
