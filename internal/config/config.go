package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all helix configuration.
type Config struct {
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`

	Compiler CompilerConfig `yaml:"compiler"`
	Loader   LoaderConfig   `yaml:"loader"`
	Review   ReviewConfig   `yaml:"review"`
	Approval ApprovalConfig `yaml:"approval"`
	Rollback RollbackConfig `yaml:"rollback"`
	Audit    AuditConfig    `yaml:"audit"`
	Inbox    InboxConfig    `yaml:"inbox"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// CompilerConfig configures skill builds.
type CompilerConfig struct {
	ArtifactsDir      string `yaml:"artifacts_dir"`
	Toolchain         string `yaml:"toolchain"` // cargo, cc
	CargoPath         string `yaml:"cargo_path"`
	CCPath            string `yaml:"cc_path"`
	Timeout           string `yaml:"timeout"`
	MaxParallelBuilds int    `yaml:"max_parallel_builds"`
	Offline           bool   `yaml:"offline"`
	KeepScratch       bool   `yaml:"keep_scratch"`
}

// LoaderConfig names the exported ABI symbols.
type LoaderConfig struct {
	ExecuteSymbol     string `yaml:"execute_symbol"`
	FreeSymbol        string `yaml:"free_symbol"`
	RequireOwnSymbols bool   `yaml:"require_own_symbols"`
}

// ReviewConfig configures the consensus gate.
type ReviewConfig struct {
	Timeout      string           `yaml:"timeout"`
	MinResponses int              `yaml:"min_responses"`
	PolicyPath   string           `yaml:"policy_path"` // optional Mangle severity policy override
	Reviewers    []ReviewerConfig `yaml:"reviewers"`
}

// ReviewerConfig configures one independent reviewer.
type ReviewerConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // gemini, openai, static
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	RateLimit       float64 `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst           int     `yaml:"burst"`
	MaxAttempts     uint    `yaml:"max_attempts"`
	BreakerFailures uint32  `yaml:"breaker_failures"`
	BreakerCooldown string  `yaml:"breaker_cooldown"`
}

// ApprovalConfig is the severity policy layered over consensus.
type ApprovalConfig struct {
	RequireOverrideAt string `yaml:"require_override_at"` // low, medium, high, critical
	AllowHighOverride bool   `yaml:"allow_high_override"`
	OverrideSecret    string `yaml:"override_secret"`
	OverrideTTL       string `yaml:"override_ttl"`
}

// RollbackConfig configures version history and the bake monitor.
type RollbackConfig struct {
	DatabasePath         string  `yaml:"database_path"`
	BakePeriod           string  `yaml:"bake_period"`
	AutoRollback         bool    `yaml:"auto_rollback"`
	MinCalls             int64   `yaml:"min_calls"`
	MaxErrorRateIncrease float64 `yaml:"max_error_rate_increase"`
	MaxLatencyIncrease   float64 `yaml:"max_latency_increase"` // ratio, 0.5 = +50%
}

// AuditConfig configures where security decisions are recorded.
type AuditConfig struct {
	BufferSize int               `yaml:"buffer_size"`
	Sinks      []AuditSinkConfig `yaml:"sinks"`
}

// AuditSinkConfig configures one audit sink.
type AuditSinkConfig struct {
	Kind string `yaml:"kind"` // sqlite, redis, postgres, file
	DSN  string `yaml:"dsn"`  // path for sqlite/file, URL for redis/postgres
}

// InboxConfig configures the drop-directory watcher.
type InboxConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Debounce string `yaml:"debounce"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "helix",
		DataDir: ".helix",

		Compiler: CompilerConfig{
			ArtifactsDir:      ".helix/artifacts",
			Toolchain:         "cargo",
			CargoPath:         "cargo",
			CCPath:            "cc",
			Timeout:           "5m",
			MaxParallelBuilds: 2,
			Offline:           true,
		},

		Loader: LoaderConfig{
			ExecuteSymbol:     "execute",
			FreeSymbol:        "free",
			RequireOwnSymbols: true,
		},

		Review: ReviewConfig{
			Timeout:      "90s",
			MinResponses: 1,
			Reviewers: []ReviewerConfig{
				{Name: "static", Kind: "static"},
			},
		},

		Approval: ApprovalConfig{
			RequireOverrideAt: "critical",
			AllowHighOverride: true,
			OverrideTTL:       "1h",
		},

		Rollback: RollbackConfig{
			DatabasePath:         ".helix/versions.db",
			BakePeriod:           "10m",
			AutoRollback:         true,
			MinCalls:             20,
			MaxErrorRateIncrease: 0.05,
			MaxLatencyIncrease:   0.5,
		},

		Audit: AuditConfig{
			BufferSize: 256,
			Sinks: []AuditSinkConfig{
				{Kind: "sqlite", DSN: ".helix/knowledge.db"},
			},
		},

		Inbox: InboxConfig{
			Dir:      ".helix/inbox",
			Debounce: "500ms",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	for i := range c.Review.Reviewers {
		r := &c.Review.Reviewers[i]
		if r.APIKey != "" {
			continue
		}
		switch r.Kind {
		case "gemini":
			r.APIKey = os.Getenv("GEMINI_API_KEY")
		case "openai":
			r.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}

	if secret := os.Getenv("HELIX_OVERRIDE_SECRET"); secret != "" {
		c.Approval.OverrideSecret = secret
	}
	if dir := os.Getenv("HELIX_ARTIFACTS_DIR"); dir != "" {
		c.Compiler.ArtifactsDir = dir
	}
	if path := os.Getenv("HELIX_DB"); path != "" {
		c.Rollback.DatabasePath = path
	}
	if tc := os.Getenv("HELIX_TOOLCHAIN"); tc != "" {
		c.Compiler.Toolchain = tc
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetCompileTimeout returns the build timeout as a duration.
func (c *Config) GetCompileTimeout() time.Duration {
	return parseDuration(c.Compiler.Timeout, 5*time.Minute)
}

// GetReviewTimeout returns the per-reviewer timeout as a duration.
func (c *Config) GetReviewTimeout() time.Duration {
	return parseDuration(c.Review.Timeout, 90*time.Second)
}

// GetOverrideTTL returns the default lifetime of minted override tokens.
func (c *Config) GetOverrideTTL() time.Duration {
	return parseDuration(c.Approval.OverrideTTL, time.Hour)
}

// GetBakePeriod returns the observation window after promotion.
func (c *Config) GetBakePeriod() time.Duration {
	return parseDuration(c.Rollback.BakePeriod, 10*time.Minute)
}

// GetInboxDebounce returns the inbox debounce window.
func (c *Config) GetInboxDebounce() time.Duration {
	return parseDuration(c.Inbox.Debounce, 500*time.Millisecond)
}

// GetBreakerCooldown returns how long an open breaker stays open.
func (r ReviewerConfig) GetBreakerCooldown() time.Duration {
	return parseDuration(r.BreakerCooldown, 30*time.Second)
}

// ValidToolchains lists the supported build toolchains.
var ValidToolchains = []string{"cargo", "cc"}

// ValidReviewerKinds lists the supported reviewer backends.
var ValidReviewerKinds = []string{"gemini", "openai", "static"}

// ValidSeverities lists the accepted override thresholds.
var ValidSeverities = []string{"low", "medium", "high", "critical"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !contains(ValidToolchains, c.Compiler.Toolchain) {
		return fmt.Errorf("invalid toolchain: %s (valid: %v)", c.Compiler.Toolchain, ValidToolchains)
	}
	if c.Compiler.MaxParallelBuilds < 1 {
		return fmt.Errorf("compiler.max_parallel_builds must be at least 1")
	}
	if c.Loader.ExecuteSymbol == "" || c.Loader.FreeSymbol == "" {
		return fmt.Errorf("loader symbols must not be empty")
	}
	if c.Loader.ExecuteSymbol == c.Loader.FreeSymbol {
		return fmt.Errorf("loader execute and free symbols must differ")
	}
	if len(c.Review.Reviewers) == 0 {
		return fmt.Errorf("at least one reviewer must be configured")
	}
	if c.Review.MinResponses < 1 || c.Review.MinResponses > len(c.Review.Reviewers) {
		return fmt.Errorf("review.min_responses must be between 1 and %d", len(c.Review.Reviewers))
	}
	for _, r := range c.Review.Reviewers {
		if !contains(ValidReviewerKinds, r.Kind) {
			return fmt.Errorf("invalid reviewer kind for %q: %s (valid: %v)", r.Name, r.Kind, ValidReviewerKinds)
		}
		if r.Kind != "static" && r.APIKey == "" {
			return fmt.Errorf("reviewer %q has no API key (set GEMINI_API_KEY or OPENAI_API_KEY)", r.Name)
		}
	}
	if !contains(ValidSeverities, c.Approval.RequireOverrideAt) {
		return fmt.Errorf("invalid approval.require_override_at: %s (valid: %v)", c.Approval.RequireOverrideAt, ValidSeverities)
	}
	if c.Rollback.DatabasePath == "" {
		return fmt.Errorf("rollback.database_path is required")
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
