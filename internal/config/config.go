// Package config loads Warden's YAML configuration from $WARDEN_HOME.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/warden/internal/otel"
)

// AgentEntry defines one executor that can run task attempts.
type AgentEntry struct {
	AgentID   string   `yaml:"agent_id"`
	Kind      string   `yaml:"kind"`       // CLI family, e.g. "claude", "aider"
	Command   string   `yaml:"command"`    // executable invoked inside the container
	ConfigDir string   `yaml:"config_dir"` // host dir mounted as the agent's config
	Flags     []string `yaml:"flags"`
	Fallback  string   `yaml:"fallback"` // agent id to try next when this one fails
}

// DockerConfig holds container runtime settings.
type DockerConfig struct {
	Image       string `yaml:"image"`
	NetworkMode string `yaml:"network_mode"`
	MemoryMB    int64  `yaml:"memory_mb"`
}

// RetryConfig is the per-agent retry knob. Disabled by default: a failed
// attempt falls back immediately with no same-agent retry.
type RetryConfig struct {
	Enabled        bool `yaml:"enabled"`
	MaxRetries     int  `yaml:"max_retries"`
	BackoffSeconds int  `yaml:"backoff_seconds"`
}

// ScheduleEntry defines a cron-triggered task template.
type ScheduleEntry struct {
	Name     string `yaml:"name"`
	CronExpr string `yaml:"cron_expr"`
	AgentID  string `yaml:"agent_id"`
	Workdir  string `yaml:"workdir"`
	Prompt   string `yaml:"prompt"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel    string `yaml:"log_level"`
	WorkerCount int    `yaml:"worker_count"`

	// StagingDir is the host directory bind-mounted into every attempt
	// container; completion markers and collected artifacts live under it.
	StagingDir string `yaml:"staging_dir"`

	CooldownSeconds         int `yaml:"cooldown_seconds"`
	RecoveryIntervalSeconds int `yaml:"recovery_interval_seconds"`
	ArtifactTimeoutSeconds  int `yaml:"artifact_timeout_seconds"`

	DefaultAgent string       `yaml:"default_agent"`
	Agents       []AgentEntry `yaml:"agents"`

	Docker DockerConfig `yaml:"docker"`
	Retry  RetryConfig  `yaml:"retry"`

	Schedules []ScheduleEntry `yaml:"schedules"`

	OTel otel.Config `yaml:"otel"`
}

// HomeDir resolves the Warden data directory: $WARDEN_HOME or ~/.warden.
func HomeDir() string {
	if v := os.Getenv("WARDEN_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warden")
}

func Load() (Config, error) {
	cfg := Config{}
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create warden home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WARDEN_DOCKER_IMAGE"); v != "" {
		cfg.Docker.Image = v
	}
	if v := os.Getenv("WARDEN_STAGING_DIR"); v != "" {
		cfg.StagingDir = v
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if strings.TrimSpace(cfg.StagingDir) == "" {
		cfg.StagingDir = filepath.Join(cfg.HomeDir, "staging")
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = int(time.Hour.Seconds())
	}
	if cfg.RecoveryIntervalSeconds <= 0 {
		cfg.RecoveryIntervalSeconds = 5
	}
	if cfg.ArtifactTimeoutSeconds <= 0 {
		cfg.ArtifactTimeoutSeconds = 30
	}
	if cfg.Docker.Image == "" {
		cfg.Docker.Image = "warden-agent:latest"
	}
	if cfg.Docker.NetworkMode == "" {
		cfg.Docker.NetworkMode = "bridge"
	}
	if cfg.Docker.MemoryMB <= 0 {
		cfg.Docker.MemoryMB = 2048
	}
	if cfg.Retry.Enabled {
		if cfg.Retry.MaxRetries <= 0 {
			cfg.Retry.MaxRetries = 1
		}
		if cfg.Retry.BackoffSeconds <= 0 {
			cfg.Retry.BackoffSeconds = 10
		}
	}
	if cfg.DefaultAgent == "" && len(cfg.Agents) > 0 {
		cfg.DefaultAgent = cfg.Agents[0].AgentID
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if strings.TrimSpace(a.AgentID) == "" {
			return fmt.Errorf("agent with empty agent_id")
		}
		if seen[a.AgentID] {
			return fmt.Errorf("duplicate agent_id %q", a.AgentID)
		}
		seen[a.AgentID] = true
	}
	for _, a := range cfg.Agents {
		if a.Fallback != "" && !seen[a.Fallback] {
			return fmt.Errorf("agent %q names unknown fallback %q", a.AgentID, a.Fallback)
		}
	}
	if cfg.DefaultAgent != "" && len(cfg.Agents) > 0 && !seen[cfg.DefaultAgent] {
		return fmt.Errorf("default_agent %q is not a configured agent", cfg.DefaultAgent)
	}
	for _, s := range cfg.Schedules {
		if strings.TrimSpace(s.CronExpr) == "" {
			return fmt.Errorf("schedule %q has empty cron_expr", s.Name)
		}
	}
	return nil
}

// FallbackMap derives the agent-id -> next-agent-id mapping from the
// configured agent entries.
func (c Config) FallbackMap() map[string]string {
	out := make(map[string]string)
	for _, a := range c.Agents {
		if a.Fallback != "" {
			out[a.AgentID] = a.Fallback
		}
	}
	return out
}

// AgentByID returns the configured agent entry with the given id.
func (c Config) AgentByID(id string) (AgentEntry, bool) {
	for _, a := range c.Agents {
		if a.AgentID == id {
			return a, true
		}
	}
	return AgentEntry{}, false
}

// CooldownTTL returns the configured cooldown duration.
func (c Config) CooldownTTL() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// RecoveryInterval returns the reconciler tick interval.
func (c Config) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSeconds) * time.Second
}

// ArtifactTimeout returns the artifact collection timeout.
func (c Config) ArtifactTimeout() time.Duration {
	return time.Duration(c.ArtifactTimeoutSeconds) * time.Second
}
