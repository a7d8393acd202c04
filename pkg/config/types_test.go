package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultServiceConfig(t *testing.T) {
	cfg := DefaultServiceConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Engine.Workers != 10 {
		t.Errorf("expected 10 workers, got %d", cfg.Engine.Workers)
	}
	if cfg.Engine.QueueSize != 100 {
		t.Errorf("expected queue size 100, got %d", cfg.Engine.QueueSize)
	}
	if cfg.Engine.RollbackRetention != 24*time.Hour {
		t.Errorf("expected 24h rollback retention, got %v", cfg.Engine.RollbackRetention)
	}
	if len(cfg.Rollout.Stages) != 3 || cfg.Rollout.Stages[2] != 100 {
		t.Errorf("expected stages ending at 100, got %v", cfg.Rollout.Stages)
	}
	if cfg.Rollout.HealthThreshold != 0.9 {
		t.Errorf("expected health threshold 0.9, got %f", cfg.Rollout.HealthThreshold)
	}
	if cfg.Approval.Window != 24*time.Hour {
		t.Errorf("expected 24h approval window, got %v", cfg.Approval.Window)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
server:
  listen_addr: ":9999"
database:
  path: /tmp/costpilot-test.db
engine:
  workers: 4
  queue_size: 16
rollout:
  stages: [25, 100]
  health_threshold: 0.8
  monitor_window: 30s
approval:
  window: 1h
  auto_approve: true
telemetry:
  log_level: debug
  log_format: json
  environment: staging
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("expected listen addr :9999, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Engine.Workers != 4 || cfg.Engine.QueueSize != 16 {
		t.Errorf("unexpected engine config: %+v", cfg.Engine)
	}
	if len(cfg.Rollout.Stages) != 2 || cfg.Rollout.Stages[0] != 25 {
		t.Errorf("unexpected stages: %v", cfg.Rollout.Stages)
	}
	if cfg.Rollout.MonitorWindow != 30*time.Second {
		t.Errorf("expected 30s monitor window, got %v", cfg.Rollout.MonitorWindow)
	}
	if !cfg.Approval.AutoApprove {
		t.Error("expected auto_approve true")
	}

	// Unset fields keep their defaults.
	if cfg.Rollout.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", cfg.Rollout.MaxRetries)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected default shutdown timeout, got %v", cfg.Server.ShutdownTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidateRejectsBadStages(t *testing.T) {
	cases := []struct {
		name   string
		stages []int
	}{
		{"not increasing", []int{50, 10, 100}},
		{"repeated", []int{10, 10, 100}},
		{"not ending at 100", []int{10, 50}},
		{"over 100", []int{10, 150}},
		{"empty", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultServiceConfig()
			cfg.Rollout.Stages = tc.stages
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for stages %v", tc.stages)
			}
		})
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.Engine.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero workers")
	}

	cfg = DefaultServiceConfig()
	cfg.Rollout.HealthThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for threshold above 1")
	}

	cfg = DefaultServiceConfig()
	cfg.Telemetry.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unknown log level")
	}

	cfg = DefaultServiceConfig()
	cfg.Risk.HookScript = "/nonexistent/hook.star"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing hook script")
	}
}

func TestToTelemetryConfig(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.Telemetry.LogLevel = "warn"
	cfg.Telemetry.LogFormat = "json"
	cfg.Telemetry.MetricsEnabled = false
	cfg.Telemetry.TracingEnabled = true
	cfg.Telemetry.TracingExporter = "otlp"
	cfg.Telemetry.TracingEndpoint = "collector:4317"
	cfg.Telemetry.Environment = "production"

	tel := cfg.ToTelemetryConfig("1.2.3")

	if tel.ServiceVersion != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %s", tel.ServiceVersion)
	}
	if tel.Environment != "production" {
		t.Errorf("expected production environment, got %s", tel.Environment)
	}
	if tel.Logging.Level != "warn" || tel.Logging.Format != "json" {
		t.Errorf("unexpected logging config: %+v", tel.Logging)
	}
	if tel.Metrics.Enabled {
		t.Error("expected metrics disabled")
	}
	if !tel.Tracing.Enabled || tel.Tracing.Exporter != "otlp" || tel.Tracing.Endpoint != "collector:4317" {
		t.Errorf("unexpected tracing config: %+v", tel.Tracing)
	}
	if err := tel.Validate(); err != nil {
		t.Errorf("mapped telemetry config should validate: %v", err)
	}
}
