// Package config loads and validates the dispatch.yaml configuration:
// YAML with {{.ENV_VAR}} template expansion, built-in defaults merged
// underneath user values, and a validation pass before anything runs.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the umbrella configuration object returned by Initialize
// and passed explicitly to every component.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Liveness     LivenessConfig     `yaml:"liveness"`
	Review       ReviewConfig       `yaml:"review"`
	Retention    RetentionConfig    `yaml:"retention"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Events       EventsConfig       `yaml:"events"`
	Forge        ForgeConfig        `yaml:"forge"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	AllowedWSOrigins []string      `yaml:"allowed_ws_origins"`
}

// Addr returns the host:port pair the server binds to.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig holds API key authentication settings. Keys come from the
// DISPATCH_API_KEYS environment variable (comma-separated) or, less
// commonly, from YAML. An empty key set disables authentication, which
// is only sensible in development.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// RateLimitConfig holds the per-API-key token bucket settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LivenessConfig holds the liveness monitor cadence and thresholds.
type LivenessConfig struct {
	Interval         time.Duration `yaml:"interval"`
	SessionThreshold time.Duration `yaml:"session_threshold"`
	MachineThreshold time.Duration `yaml:"machine_threshold"`
}

// ReviewConfig selects and tunes the review queue backend.
type ReviewConfig struct {
	// Backend is "postgres" or "file".
	Backend string `yaml:"backend"`
	// Dir is the workspace directory for the file backend.
	Dir          string        `yaml:"dir"`
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
}

// RetentionConfig holds the housekeeping TTLs. Archived sessions are
// exempt from expiry.
type RetentionConfig struct {
	SessionRetention       time.Duration `yaml:"session_retention"`
	ReviewRetention        time.Duration `yaml:"review_retention"`
	ClaimRetention         time.Duration `yaml:"claim_retention"`
	WorkspaceIdleRetention time.Duration `yaml:"workspace_idle_retention"`
	Interval               time.Duration `yaml:"interval"`
}

// OrchestratorConfig tunes the per-workspace worker loops.
type OrchestratorConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval"`
	StopGrace     time.Duration `yaml:"stop_grace"`
	RestartCap    int           `yaml:"restart_cap"`
	RestartWindow time.Duration `yaml:"restart_window"`
	MaxWorkers    int           `yaml:"max_workers"`
	// Provider selects the worker command builder: claude-code, codex
	// or bonsai.
	Provider     string `yaml:"provider"`
	WorkspaceDir string `yaml:"workspace_dir"`
}

// EventsConfig tunes the in-process event bus.
type EventsConfig struct {
	BufferSize   int           `yaml:"buffer_size"`
	ReplaySize   int           `yaml:"replay_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ForgeConfig holds the source-forge adapter settings.
type ForgeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	APIURL   string `yaml:"api_url"`
	TokenEnv string `yaml:"token_env"`
	Owner    string `yaml:"owner"`
	Repo     string `yaml:"repo"`
}

// Initialize loads, merges, and validates configuration. path == ""
// falls back to DISPATCH_CONFIG, then the default location; a missing
// file is not an error — defaults apply.
func Initialize(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("DISPATCH_CONFIG")
	}
	if path == "" {
		path = "config/dispatch.yaml"
	}
	log := slog.With("config_path", path)

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Info("Configuration file not found, using defaults")
	case err != nil:
		return nil, NewLoadError(path, err)
	default:
		user := &Config{}
		if err := yaml.Unmarshal(ExpandEnv(data), user); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}
		// User values override defaults field by field; zero values in
		// the file leave the default in place.
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
		log.Info("Configuration loaded")
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"addr", cfg.Server.Addr(),
		"review_backend", cfg.Review.Backend,
		"provider", cfg.Orchestrator.Provider,
		"auth_enabled", len(cfg.Auth.APIKeys) > 0,
		"forge_enabled", cfg.Forge.Enabled)
	return cfg, nil
}

// applyEnvOverrides layers environment variables that win over YAML.
func applyEnvOverrides(cfg *Config) {
	if keys := os.Getenv("DISPATCH_API_KEYS"); keys != "" {
		cfg.Auth.APIKeys = nil
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.Auth.APIKeys = append(cfg.Auth.APIKeys, k)
			}
		}
	}
}
