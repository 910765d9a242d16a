// Package config loads memgov settings from a YAML file, environment
// variables, and built-in defaults, in that order of increasing precedence
// for the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/memgov/internal/apperr"
	"github.com/rcliao/memgov/internal/compose"
	"github.com/rcliao/memgov/internal/embedding"
	"github.com/rcliao/memgov/internal/maintenance"
	"github.com/rcliao/memgov/internal/resolve"
	"github.com/rcliao/memgov/internal/tasks"
)

// Budget policy names.
const (
	BudgetReservedShare  = "reserved_share"
	BudgetDecisionsFirst = "decisions_first"
)

// Importance clamp policy names.
const (
	ClampFinal = "final"
	ClampNone  = "none"
)

// Config is the full set of settings.
type Config struct {
	DB          string            `yaml:"db"`
	LogFormat   string            `yaml:"log_format"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Compose     ComposeConfig     `yaml:"compose"`
	Resolve     ResolveConfig     `yaml:"resolve"`
	Tasks       TasksConfig       `yaml:"tasks"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// EmbeddingConfig selects the provider for semantic search. An empty
// provider disables the vector index.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	Dims     int    `yaml:"dims"`
}

type ComposeConfig struct {
	MinTokens      int     `yaml:"min_tokens"`
	MaxTokens      int     `yaml:"max_tokens"`
	HalfLifeDays   float64 `yaml:"half_life_days"`
	CandidateLimit int     `yaml:"candidate_limit"`
	BudgetPolicy   string  `yaml:"budget_policy"`
	DecisionShare  float64 `yaml:"decision_share"`
}

type ResolveConfig struct {
	ClampImportance string `yaml:"clamp_importance"`
	CacheSize       int64  `yaml:"cache_size"`
}

type TasksConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

type MaintenanceConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	StaleAfter  time.Duration `yaml:"stale_after"`
	Retention   time.Duration `yaml:"retention"`
}

// Default returns the built-in settings.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DB:        filepath.Join(home, ".memgov", "memgov.db"),
		LogFormat: "console",
		Compose: ComposeConfig{
			MinTokens:      compose.DefaultMinTokens,
			MaxTokens:      compose.DefaultMaxTokens,
			HalfLifeDays:   compose.DefaultHalfLifeDays,
			CandidateLimit: compose.DefaultCandidateLimit,
			BudgetPolicy:   BudgetReservedShare,
			DecisionShare:  0.25,
		},
		Resolve: ResolveConfig{
			ClampImportance: ClampFinal,
			CacheSize:       10000,
		},
		Tasks: TasksConfig{MaxDepth: tasks.DefaultMaxDepth},
		Maintenance: MaintenanceConfig{
			Interval:    maintenance.DefaultInterval,
			MaxAttempts: maintenance.DefaultMaxAttempts,
			Backoff:     maintenance.DefaultBackoff,
			StaleAfter:  maintenance.DefaultStaleAfter,
			Retention:   maintenance.DefaultRetention,
		},
	}
}

// DefaultPath is where Load looks when no file is named.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memgov", "config.yaml")
}

// Load reads settings. path falls back to $MEMGOV_CONFIG and then
// DefaultPath; only a file named explicitly must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := true
	if path == "" {
		path = os.Getenv("MEMGOV_CONFIG")
	}
	if path == "" {
		path = DefaultPath()
		explicit = false
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := []struct {
		env  string
		dest *string
	}{
		{"MEMGOV_DB", &c.DB},
		{"MEMGOV_LOG_FORMAT", &c.LogFormat},
		{"MEMGOV_EMBED_PROVIDER", &c.Embedding.Provider},
		{"MEMGOV_EMBED_MODEL", &c.Embedding.Model},
		{"MEMGOV_EMBED_URL", &c.Embedding.URL},
		{"OPENAI_API_KEY", &c.Embedding.APIKey},
		{"MEMGOV_BUDGET_POLICY", &c.Compose.BudgetPolicy},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dest = v
		}
	}

	if v := os.Getenv("MEMGOV_EMBED_DIMS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperr.Validation("MEMGOV_EMBED_DIMS", "must be an integer")
		}
		c.Embedding.Dims = n
	}
	if v := os.Getenv("MEMGOV_MAINTENANCE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return apperr.Validation("MEMGOV_MAINTENANCE_INTERVAL", "must be a duration like 30s or 5m")
		}
		c.Maintenance.Interval = d
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	errs := apperr.Fields{}
	if c.DB == "" {
		errs.Add("db", "must not be empty")
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs.Add("log_format", "must be console or json, got %q", c.LogFormat)
	}
	if c.Compose.MinTokens <= 0 || c.Compose.MinTokens > c.Compose.MaxTokens {
		errs.Add("compose.min_tokens", "must be positive and at most max_tokens")
	}
	if c.Compose.HalfLifeDays <= 0 {
		errs.Add("compose.half_life_days", "must be positive")
	}
	switch c.Compose.BudgetPolicy {
	case BudgetReservedShare:
		if c.Compose.DecisionShare < 0 || c.Compose.DecisionShare > 1 {
			errs.Add("compose.decision_share", "must be in [0,1], got %v", c.Compose.DecisionShare)
		}
	case BudgetDecisionsFirst:
	default:
		errs.Add("compose.budget_policy", "unknown policy %q", c.Compose.BudgetPolicy)
	}
	if c.Resolve.ClampImportance != ClampFinal && c.Resolve.ClampImportance != ClampNone {
		errs.Add("resolve.clamp_importance", "must be final or none, got %q", c.Resolve.ClampImportance)
	}
	if c.Tasks.MaxDepth <= 0 {
		errs.Add("tasks.max_depth", "must be positive")
	}
	if c.Maintenance.MaxAttempts <= 0 {
		errs.Add("maintenance.max_attempts", "must be positive")
	}
	return errs.Err()
}

// ComposeOptions converts the compose settings.
func (c *Config) ComposeOptions() compose.Options {
	var budget compose.BudgetPolicy = compose.ReservedShare{Share: c.Compose.DecisionShare}
	if c.Compose.BudgetPolicy == BudgetDecisionsFirst {
		budget = compose.DecisionsFirst{}
	}
	return compose.Options{
		MinTokens:      c.Compose.MinTokens,
		MaxTokens:      c.Compose.MaxTokens,
		HalfLifeDays:   c.Compose.HalfLifeDays,
		CandidateLimit: c.Compose.CandidateLimit,
		Budget:         budget,
	}
}

// ImportancePolicy converts the clamp setting.
func (c *Config) ImportancePolicy() resolve.ImportancePolicy {
	if c.Resolve.ClampImportance == ClampNone {
		return resolve.Unclamped
	}
	return resolve.ClampFinal
}

// EmbeddingOptions converts the embedding settings.
func (c *Config) EmbeddingOptions() embedding.Options {
	return embedding.Options{
		Provider: c.Embedding.Provider,
		Model:    c.Embedding.Model,
		URL:      c.Embedding.URL,
		APIKey:   c.Embedding.APIKey,
		Dims:     c.Embedding.Dims,
	}
}

// MaintenanceOptions converts the maintenance settings.
func (c *Config) MaintenanceOptions() maintenance.Options {
	return maintenance.Options{
		Interval:    c.Maintenance.Interval,
		MaxAttempts: c.Maintenance.MaxAttempts,
		Backoff:     c.Maintenance.Backoff,
		StaleAfter:  c.Maintenance.StaleAfter,
		Retention:   c.Maintenance.Retention,
	}
}

// VectorPath is where the vector index for the configured database lives.
func (c *Config) VectorPath() string {
	return c.DB + ".vectors"
}
