package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AGENT_SWEEP_INTERVAL", "30s")
	t.Setenv("LOG_JSON", "off")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.Agent.SweepInterval != 30*time.Second {
		t.Errorf("expected sweep interval 30s, got %v", cfg.Agent.SweepInterval)
	}
	if cfg.Log.JSON {
		t.Error("expected LOG_JSON=off to disable JSON logs")
	}
	if cfg.EngineKind() != "echo" {
		t.Errorf("expected echo engine without address, got %s", cfg.EngineKind())
	}
}

func TestLoad_YAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
port: "7070"
agent:
  engine_addr: "localhost:50051"
  heartbeat_interval: 5s
rate_limit:
  requests_per_second: 2
  burst: 4
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "7070" {
		t.Errorf("expected overlay port, got %s", cfg.Port)
	}
	if cfg.EngineKind() != "grpc" {
		t.Errorf("expected grpc engine, got %s", cfg.EngineKind())
	}
	if cfg.Agent.HeartbeatInterval != 5*time.Second {
		t.Errorf("expected 5s heartbeat, got %v", cfg.Agent.HeartbeatInterval)
	}
	if cfg.Sync.SendQueueSize != 64 {
		t.Errorf("env default should survive overlay, got %d", cfg.Sync.SendQueueSize)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{Port: "8080", DBPath: "x.db"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected zero-valued limits to fail validation")
	}
}
