package offline

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseConfigMergesOverDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
origin: https://app.test
version: v7
precache:
  - /
  - /app.js
cacheable_patterns:
  - ^/api/jobs
fetch_timeout: 5s
queue:
  max_replay_attempts: 4
  replay_backoff: 10s
sync:
  enabled: true
  interval: 5m
  critical_endpoints:
    - /api/dashboard
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if cfg.Origin != "https://app.test" || cfg.Version != "v7" {
		t.Errorf("unexpected identity fields %q %q", cfg.Origin, cfg.Version)
	}
	if cfg.FetchTimeout != 5*time.Second {
		t.Errorf("expected 5s fetch timeout, got %v", cfg.FetchTimeout)
	}
	if cfg.Queue.MaxReplayAttempts != 4 {
		t.Errorf("expected 4 replay attempts, got %d", cfg.Queue.MaxReplayAttempts)
	}
	if cfg.Queue.ReplayBackoff != 10*time.Second {
		t.Errorf("expected 10s replay backoff, got %v", cfg.Queue.ReplayBackoff)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("expected 5m sync interval, got %v", cfg.Sync.Interval)
	}
	if len(cfg.Sync.CriticalEndpoints) != 1 {
		t.Errorf("unexpected critical endpoints %v", cfg.Sync.CriticalEndpoints)
	}

	// Unset fields keep their defaults.
	if cfg.OfflineFallbackPath != "/offline" {
		t.Errorf("expected default fallback path, got %q", cfg.OfflineFallbackPath)
	}
	if cfg.Queue.MaxReplayBackoff != time.Hour {
		t.Errorf("expected default max replay backoff, got %v", cfg.Queue.MaxReplayBackoff)
	}
	if len(cfg.Queue.Categories) != 3 {
		t.Errorf("expected default categories, got %v", cfg.Queue.Categories)
	}
}

func TestParseConfigOptionalSections(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
origin: https://app.test
push:
  enabled: true
  url: wss://push.app.test/socket
  ping_interval: 10s
telemetry:
  enabled: true
  endpoint: https://metrics.app.test/api/v1/write
  labels:
    env: prod
encryption:
  enabled: true
  key_password: secret
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if cfg.Push == nil || !cfg.Push.Enabled || cfg.Push.URL != "wss://push.app.test/socket" {
		t.Fatalf("unexpected push config %+v", cfg.Push)
	}
	if cfg.Push.PingInterval != 10*time.Second {
		t.Errorf("expected 10s ping interval, got %v", cfg.Push.PingInterval)
	}
	if cfg.Push.ReadTimeout != 90*time.Second {
		t.Errorf("expected default read timeout, got %v", cfg.Push.ReadTimeout)
	}

	if cfg.Telemetry == nil || !cfg.Telemetry.Enabled {
		t.Fatalf("unexpected telemetry config %+v", cfg.Telemetry)
	}
	if cfg.Telemetry.Labels["env"] != "prod" {
		t.Errorf("unexpected telemetry labels %v", cfg.Telemetry.Labels)
	}

	if cfg.Encryption == nil || !cfg.Encryption.Enabled || cfg.Encryption.KeyPassword != "secret" {
		t.Fatalf("unexpected encryption config %+v", cfg.Encryption)
	}
}

func TestParseConfigInvalidDuration(t *testing.T) {
	_, err := ParseConfig([]byte("fetch_timeout: sometimes"))
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestParseConfigInvalidYAML(t *testing.T) {
	_, err := ParseConfig([]byte("origin: [unclosed"))
	if err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte("origin: https://app.test\nversion: v3\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Origin != "https://app.test" || cfg.Version != "v3" {
		t.Errorf("unexpected config %+v", cfg)
	}

	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
