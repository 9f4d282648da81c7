package config

import (
	"encoding/json"
	"time"

	"github.com/harun/drillops/pkg/cron"
)

// Config represents the main drillops configuration
type Config struct {
	// Data directory (PID file, default sqlite database, logs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Gateway     GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Store       StoreConfig       `json:"store" mapstructure:"store"`
	Executor    ExecutorConfig    `json:"executor" mapstructure:"executor"`
	TestRun     TestRunConfig     `json:"test_run" mapstructure:"test_run"`
	Catalog     CatalogConfig     `json:"catalog" mapstructure:"catalog"`
	Schedules   []cron.Schedule   `json:"schedules" mapstructure:"schedules"`
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`
	Archive     ArchiveConfig     `json:"archive" mapstructure:"archive"`
	Tracing     TracingConfig     `json:"tracing" mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port                int      `json:"port" mapstructure:"port"`
	Host                string   `json:"host" mapstructure:"host"`
	AllowedOrigins      []string `json:"allowed_origins" mapstructure:"allowed_origins"`
	SharedSecret        string   `json:"shared_secret" mapstructure:"shared_secret"`
	WriteTimeoutSeconds int      `json:"write_timeout_seconds" mapstructure:"write_timeout_seconds"`
	RateLimitPerMinute  int      `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// StoreConfig selects the state store backend
type StoreConfig struct {
	Driver       string `json:"driver" mapstructure:"driver"` // sqlite3, pgx, memory
	DSN          string `json:"dsn" mapstructure:"dsn"`
	MaxOpenConns int    `json:"max_open_conns" mapstructure:"max_open_conns"`
}

// ExecutorConfig configures remote step execution
type ExecutorConfig struct {
	SSHBinary              string   `json:"ssh_binary" mapstructure:"ssh_binary"`
	SSHOptions             []string `json:"ssh_options" mapstructure:"ssh_options"`
	FallbackTimeoutSeconds int      `json:"fallback_timeout_seconds" mapstructure:"fallback_timeout_seconds"`
	PersistRetries         int      `json:"persist_retries" mapstructure:"persist_retries"`
}

// TestRunConfig configures dry-run scenario tests
type TestRunConfig struct {
	StepTimeoutSeconds int `json:"step_timeout_seconds" mapstructure:"step_timeout_seconds"`
	RunTimeoutSeconds  int `json:"run_timeout_seconds" mapstructure:"run_timeout_seconds"`
	CloseGraceMS       int `json:"close_grace_ms" mapstructure:"close_grace_ms"`
}

// CatalogConfig points at the scenario catalog file
type CatalogConfig struct {
	Path string `json:"path" mapstructure:"path"`
	// Watch reloads the catalog when the file changes
	Watch bool `json:"watch" mapstructure:"watch"`
}

// MaintenanceConfig holds periodic housekeeping settings
type MaintenanceConfig struct {
	SweepCron string `json:"sweep_cron" mapstructure:"sweep_cron"`
}

// ArchiveConfig holds S3-compatible report archive settings
type ArchiveConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint  string `json:"endpoint" mapstructure:"endpoint"`
	AccessKey string `json:"access_key" mapstructure:"access_key"`
	SecretKey string `json:"secret_key" mapstructure:"secret_key"`
	Bucket    string `json:"bucket" mapstructure:"bucket"`
	Region    string `json:"region" mapstructure:"region"`
	UseSSL    bool   `json:"use_ssl" mapstructure:"use_ssl"`
}

// TracingConfig toggles the OpenTelemetry tracer provider
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port:                8080,
			Host:                "0.0.0.0",
			WriteTimeoutSeconds: 10,
			RateLimitPerMinute:  30,
		},
		Store: StoreConfig{
			Driver:       "sqlite3",
			MaxOpenConns: 1,
		},
		Executor: ExecutorConfig{
			SSHBinary:              "ssh",
			SSHOptions:             []string{"-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new"},
			FallbackTimeoutSeconds: 300,
			PersistRetries:         3,
		},
		TestRun: TestRunConfig{
			StepTimeoutSeconds: 120,
			RunTimeoutSeconds:  900,
			CloseGraceMS:       500,
		},
		Catalog: CatalogConfig{
			Watch: true,
		},
		Maintenance: MaintenanceConfig{
			SweepCron: cron.DefaultSweepExpr,
		},
		Tracing: TracingConfig{
			ServiceName: "drillops",
		},
	}
}

// FallbackTimeout returns the executor's fallback step timeout.
func (e ExecutorConfig) FallbackTimeout() time.Duration {
	return time.Duration(e.FallbackTimeoutSeconds) * time.Second
}

func (t TestRunConfig) StepTimeout() time.Duration {
	return time.Duration(t.StepTimeoutSeconds) * time.Second
}

func (t TestRunConfig) RunTimeout() time.Duration {
	return time.Duration(t.RunTimeoutSeconds) * time.Second
}

func (t TestRunConfig) CloseGrace() time.Duration {
	return time.Duration(t.CloseGraceMS) * time.Millisecond
}

// WriteTimeout returns the per-message websocket write deadline.
func (g GatewayConfig) WriteTimeout() time.Duration {
	return time.Duration(g.WriteTimeoutSeconds) * time.Second
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "********"
	}
	if masked.Archive.SecretKey != "" {
		masked.Archive.SecretKey = "********"
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}
