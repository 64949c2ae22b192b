package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if cfg.Session.MaxTurns != 20 {
		t.Errorf("MaxTurns = %d, want 20", cfg.Session.MaxTurns)
	}
	if cfg.Session.IdleTimeout.Std() != 30*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.Session.IdleTimeout.Std())
	}
	if cfg.Retrieval.MaxCandidates != 5 || cfg.Retrieval.ExtractCharLimit != 150 {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_addr: ":9090"
session:
  max_turns: 10
  idle_timeout: 10m
  confirm_window: 2m
  min_compress_turns: 3
  snapshot:
    backend: redis
    redis_addr: localhost:6379
auxiliary:
  model: deepseek-chat
  base_url: https://api.deepseek.com
  max_tokens: 512
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ANTHROPIC_API_KEY", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Session.MaxTurns != 10 {
		t.Errorf("MaxTurns = %d, want 10", cfg.Session.MaxTurns)
	}
	if cfg.Session.IdleTimeout.Std() != 10*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.Session.IdleTimeout.Std())
	}
	if cfg.Session.Snapshot.Backend != "redis" {
		t.Errorf("Snapshot.Backend = %q", cfg.Session.Snapshot.Backend)
	}
	if cfg.Primary.APIKey != "from-env" {
		t.Errorf("Primary.APIKey = %q, want env override", cfg.Primary.APIKey)
	}
}

func TestLoadValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
session:
  max_turns: 20
  idle_timeout: 1m
  confirm_window: 5m
  snapshot:
    backend: file
    path: s.json
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("confirm_window >= idle_timeout must be rejected")
	}
}
