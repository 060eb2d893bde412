package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Orchestrator.Workers != 5 {
		t.Errorf("Workers = %d, want 5", cfg.Orchestrator.Workers)
	}
	if cfg.Bus.Capacity != 1000 {
		t.Errorf("Bus.Capacity = %d, want 1000", cfg.Bus.Capacity)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Store.Path == "" {
		t.Error("Store.Path is empty")
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
store:
  path: /tmp/test-tasks.db
  cleanup_age: 24h
orchestrator:
  workers: 8
  queue_size: 50
  agent_timeout: 30s
bus:
  capacity: 500
scheduler:
  drain_interval: 10s
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Store.Path != "/tmp/test-tasks.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Store.CleanupAge != 24*time.Hour {
		t.Errorf("CleanupAge = %v, want 24h", cfg.Store.CleanupAge)
	}
	if cfg.Orchestrator.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Orchestrator.Workers)
	}
	if cfg.Orchestrator.AgentTimeout != 30*time.Second {
		t.Errorf("AgentTimeout = %v, want 30s", cfg.Orchestrator.AgentTimeout)
	}
	if cfg.Bus.Capacity != 500 {
		t.Errorf("Bus.Capacity = %d, want 500", cfg.Bus.Capacity)
	}
	if cfg.Scheduler.DrainInterval != 10*time.Second {
		t.Errorf("DrainInterval = %v, want 10s", cfg.Scheduler.DrainInterval)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestLoadFromPathDefaultsFillGaps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: warn\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}
	if cfg.Orchestrator.Workers != 5 {
		t.Errorf("Workers = %d, want default 5", cfg.Orchestrator.Workers)
	}
	if cfg.Scheduler.DrainInterval != 30*time.Second {
		t.Errorf("DrainInterval = %v, want default 30s", cfg.Scheduler.DrainInterval)
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	if _, err := LoadFromPath("/nonexistent/config.yaml"); err == nil {
		t.Error("LoadFromPath of missing file succeeded")
	}
}

func TestLoadFromPathExpandsEnv(t *testing.T) {
	t.Setenv("CONDUCTOR_TEST_DATA", "/data/conductor")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  path: ${CONDUCTOR_TEST_DATA}/tasks.db\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Store.Path != "/data/conductor/tasks.db" {
		t.Errorf("Store.Path = %q, want expanded", cfg.Store.Path)
	}
}
