package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WARDEN_HOME", home)
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WARDEN_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HomeDir != home {
		t.Errorf("home dir = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.CooldownTTL() != time.Hour {
		t.Errorf("cooldown = %v, want 1h", cfg.CooldownTTL())
	}
	if cfg.RecoveryInterval() != 5*time.Second {
		t.Errorf("recovery interval = %v, want 5s", cfg.RecoveryInterval())
	}
	if cfg.ArtifactTimeout() != 30*time.Second {
		t.Errorf("artifact timeout = %v, want 30s", cfg.ArtifactTimeout())
	}
	if cfg.StagingDir != filepath.Join(home, "staging") {
		t.Errorf("staging dir = %q", cfg.StagingDir)
	}
	if cfg.Retry.Enabled {
		t.Error("retry knob should default to disabled (immediate fallback)")
	}
}

func TestLoadAgentsAndFallbacks(t *testing.T) {
	writeConfig(t, `
agents:
  - agent_id: claude
    kind: claude
    command: claude
    config_dir: /data/claude
    flags: ["-p", "--dangerously-skip-permissions"]
    fallback: aider
  - agent_id: aider
    kind: aider
    command: aider
default_agent: claude
`)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(cfg.Agents))
	}
	fm := cfg.FallbackMap()
	if fm["claude"] != "aider" {
		t.Errorf("fallback map = %v", fm)
	}
	if _, ok := fm["aider"]; ok {
		t.Error("aider should have no fallback")
	}
	a, ok := cfg.AgentByID("claude")
	if !ok || a.ConfigDir != "/data/claude" {
		t.Errorf("AgentByID(claude) = %+v, %v", a, ok)
	}
}

func TestLoadRejectsUnknownFallback(t *testing.T) {
	writeConfig(t, `
agents:
  - agent_id: claude
    fallback: ghost
`)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown fallback target")
	}
}

func TestLoadRejectsDuplicateAgentID(t *testing.T) {
	writeConfig(t, `
agents:
  - agent_id: claude
  - agent_id: claude
`)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for duplicate agent_id")
	}
}

func TestDefaultAgentFallsBackToFirstEntry(t *testing.T) {
	writeConfig(t, `
agents:
  - agent_id: aider
  - agent_id: claude
`)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultAgent != "aider" {
		t.Errorf("default agent = %q, want aider", cfg.DefaultAgent)
	}
}

func TestEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WARDEN_HOME", home)
	t.Setenv("WARDEN_DOCKER_IMAGE", "warden-agent:test")
	t.Setenv("WARDEN_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Docker.Image != "warden-agent:test" {
		t.Errorf("docker image = %q", cfg.Docker.Image)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestRetryKnobNormalization(t *testing.T) {
	writeConfig(t, `
retry:
  enabled: true
`)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Retry.Enabled || cfg.Retry.MaxRetries != 1 || cfg.Retry.BackoffSeconds != 10 {
		t.Errorf("retry = %+v", cfg.Retry)
	}
}

func TestScheduleValidation(t *testing.T) {
	writeConfig(t, `
schedules:
  - name: nightly
    cron_expr: ""
`)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for empty cron_expr")
	}
}
