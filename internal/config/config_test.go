package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_WithDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}

	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want 8090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
	if cfg.Queue.Backend != "nats" {
		t.Errorf("Queue.Backend = %q, want %q", cfg.Queue.Backend, "nats")
	}
	if cfg.Queue.NATS.URL != "nats://localhost:4222" {
		t.Errorf("Queue.NATS.URL = %q, want %q", cfg.Queue.NATS.URL, "nats://localhost:4222")
	}
	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("Delivery.MaxAttempts = %d, want 5", cfg.Delivery.MaxAttempts)
	}
	if cfg.Delivery.BaseDelay != 500*time.Millisecond {
		t.Errorf("Delivery.BaseDelay = %v, want 500ms", cfg.Delivery.BaseDelay)
	}
	if cfg.Delivery.Multiplier != 2.0 {
		t.Errorf("Delivery.Multiplier = %v, want 2.0", cfg.Delivery.Multiplier)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("Breaker.FailureThreshold = %d, want 5", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.Cooldown != 15*time.Second {
		t.Errorf("Breaker.Cooldown = %v, want 15s", cfg.Breaker.Cooldown)
	}
	if cfg.DLQ.Backend != "jetstream" {
		t.Errorf("DLQ.Backend = %q, want %q", cfg.DLQ.Backend, "jetstream")
	}
	if cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled should be false by default")
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
server:
  port: 9999
queue:
  backend: memory
delivery:
  max_attempts: 3
providers:
  github:
    secret: "topsecret"
breaker:
  failure_threshold: 2
  cooldown: 100ms
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Queue.Backend != "memory" {
		t.Errorf("Queue.Backend = %q, want %q", cfg.Queue.Backend, "memory")
	}
	if cfg.Delivery.MaxAttempts != 3 {
		t.Errorf("Delivery.MaxAttempts = %d, want 3", cfg.Delivery.MaxAttempts)
	}
	if got := cfg.Providers["github"].Secret; got != "topsecret" {
		t.Errorf("Providers[github].Secret = %q, want %q", got, "topsecret")
	}
	if cfg.Breaker.FailureThreshold != 2 {
		t.Errorf("Breaker.FailureThreshold = %d, want 2", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.Cooldown != 100*time.Millisecond {
		t.Errorf("Breaker.Cooldown = %v, want 100ms", cfg.Breaker.Cooldown)
	}

	// Unset values still fall back to defaults.
	if cfg.Delivery.Multiplier != 2.0 {
		t.Errorf("Delivery.Multiplier = %v, want default 2.0", cfg.Delivery.Multiplier)
	}
}

func TestLoad_BadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed config file")
	}
}
