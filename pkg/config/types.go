package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/costpilot/costpilot/pkg/telemetry"
)

// ServiceConfig is the top-level configuration for the CostPilot service,
// loaded from YAML.
type ServiceConfig struct {
	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server"`

	// Database configures the SQLite state store.
	Database DatabaseConfig `yaml:"database"`

	// Engine configures the execution engine worker pool and queue.
	Engine EngineConfig `yaml:"engine"`

	// Rollout configures staged rollout behavior.
	Rollout RolloutConfig `yaml:"rollout"`

	// Approval configures the approval gate.
	Approval ApprovalConfig `yaml:"approval"`

	// Policy configures permission policy loading.
	Policy PolicyConfig `yaml:"policy"`

	// Risk configures the optional Starlark risk-scoring hook.
	Risk RiskConfig `yaml:"risk"`

	// Telemetry configures logging, tracing, metrics, and events.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// ListenAddr is the address the API server binds to.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// ReadTimeout bounds request reads.
	ReadTimeout time.Duration `yaml:"read_timeout" validate:"gte=0"`

	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// DatabaseConfig configures the SQLite state store.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" validate:"required"`

	// MaxOpenConns caps open connections.
	MaxOpenConns int `yaml:"max_open_conns" validate:"gte=0"`

	// MaxIdleConns caps idle connections.
	MaxIdleConns int `yaml:"max_idle_conns" validate:"gte=0"`

	// ConnMaxLifetime recycles connections after this duration.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// EngineConfig configures the execution engine.
type EngineConfig struct {
	// Workers is the size of the worker pool.
	Workers int `yaml:"workers" validate:"gte=1,lte=256"`

	// QueueSize is the bounded submission queue capacity. Submissions
	// beyond this are rejected fast rather than buffered.
	QueueSize int `yaml:"queue_size" validate:"gte=1"`

	// RollbackRetention bounds how long after completion a completed
	// execution can still be manually rolled back. Zero means no limit.
	RollbackRetention time.Duration `yaml:"rollback_retention" validate:"gte=0"`
}

// RolloutConfig configures staged rollout behavior.
type RolloutConfig struct {
	// Stages are the rollout percentages, strictly increasing, ending at 100.
	Stages []int `yaml:"stages" validate:"required,min=1,dive,gt=0,lte=100"`

	// HealthThreshold is the minimum post-stage health score in (0, 1].
	HealthThreshold float64 `yaml:"health_threshold" validate:"gt=0,lte=1"`

	// MonitorWindow is how long each stage is observed before the
	// post-stage health sample.
	MonitorWindow time.Duration `yaml:"monitor_window" validate:"gt=0"`

	// MaxRetries caps retries of transient stage failures.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=10"`
}

// ApprovalConfig configures the approval gate.
type ApprovalConfig struct {
	// Window is how long an execution waits for a decision before timing out.
	Window time.Duration `yaml:"window" validate:"gt=0"`

	// AutoApprove resolves every approval immediately. Development only.
	AutoApprove bool `yaml:"auto_approve"`
}

// PolicyConfig configures permission policy loading.
type PolicyConfig struct {
	// Paths lists .rego or .json policy files and directories.
	Paths []string `yaml:"paths"`

	// Watch reloads policies when files under Paths change.
	Watch bool `yaml:"watch"`
}

// RiskConfig configures the optional Starlark risk-scoring hook.
type RiskConfig struct {
	// HookScript is the path to a Starlark script that may raise the
	// assessed risk level of a request. Empty disables the hook.
	HookScript string `yaml:"hook_script"`

	// Timeout bounds hook execution.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// TelemetryConfig configures observability.
type TelemetryConfig struct {
	// LogLevel sets the minimum log level.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// LogFormat selects console or json output.
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`

	// MetricsEnabled exposes Prometheus metrics.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// MetricsAddr is the metrics endpoint listen address.
	MetricsAddr string `yaml:"metrics_addr"`

	// TracingEnabled turns on OpenTelemetry tracing.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// TracingExporter selects the exporter (otlp, stdout, none).
	TracingExporter string `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`

	// TracingEndpoint is the OTLP collector endpoint.
	TracingEndpoint string `yaml:"tracing_endpoint"`

	// Environment tags telemetry with the deployment environment.
	Environment string `yaml:"environment"`
}

// DefaultServiceConfig returns a configuration suitable for local development.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:            "costpilot.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Engine: EngineConfig{
			Workers:           10,
			QueueSize:         100,
			RollbackRetention: 24 * time.Hour,
		},
		Rollout: RolloutConfig{
			Stages:          []int{10, 50, 100},
			HealthThreshold: 0.9,
			MonitorWindow:   2 * time.Minute,
			MaxRetries:      3,
		},
		Approval: ApprovalConfig{
			Window: 24 * time.Hour,
		},
		Risk: RiskConfig{
			Timeout: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsEnabled:  true,
			MetricsAddr:     ":9090",
			TracingEnabled:  false,
			TracingExporter: "none",
			Environment:     "development",
		},
	}
}

// Load reads a YAML service configuration from path, applies defaults for
// unset fields, and validates the result.
func Load(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultServiceConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks structural and semantic validity.
func (c *ServiceConfig) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	// Stages must be strictly increasing and end at full rollout.
	if !sort.IntsAreSorted(c.Rollout.Stages) {
		return fmt.Errorf("rollout stages must be increasing: %v", c.Rollout.Stages)
	}
	for i := 1; i < len(c.Rollout.Stages); i++ {
		if c.Rollout.Stages[i] == c.Rollout.Stages[i-1] {
			return fmt.Errorf("rollout stages must not repeat: %v", c.Rollout.Stages)
		}
	}
	if c.Rollout.Stages[len(c.Rollout.Stages)-1] != 100 {
		return fmt.Errorf("rollout stages must end at 100, got %v", c.Rollout.Stages)
	}

	if c.Risk.HookScript != "" {
		if _, err := os.Stat(c.Risk.HookScript); err != nil {
			return fmt.Errorf("risk hook script not readable: %w", err)
		}
	}

	return nil
}

// ToTelemetryConfig maps the service telemetry section onto the telemetry
// package's configuration.
func (c *ServiceConfig) ToTelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if c.Telemetry.Environment != "" {
		cfg.Environment = c.Telemetry.Environment
	}
	if c.Telemetry.LogLevel != "" {
		cfg.Logging.Level = c.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat != "" {
		cfg.Logging.Format = c.Telemetry.LogFormat
	}
	cfg.Metrics.Enabled = c.Telemetry.MetricsEnabled
	if c.Telemetry.MetricsAddr != "" {
		cfg.Metrics.ListenAddress = c.Telemetry.MetricsAddr
	}
	cfg.Tracing.Enabled = c.Telemetry.TracingEnabled
	if c.Telemetry.TracingExporter != "" {
		cfg.Tracing.Exporter = c.Telemetry.TracingExporter
	}
	if c.Telemetry.TracingEndpoint != "" {
		cfg.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	}
	return cfg
}

// StarlarkResult represents the result of executing a Starlark hook.
type StarlarkResult struct {
	// Output is the global bindings produced by the script.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
