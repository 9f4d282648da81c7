package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DRILLOPS_GATEWAY_PORT.
const EnvPrefix = "DRILLOPS"

// Loader handles configuration loading
type Loader struct {
	configPath string
	envFile    string
}

// NewLoader creates a new config loader. An empty path selects
// $HOME/.drillops/drillops.yaml.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envFile:    ".env",
	}
}

// WithEnvFile sets the dotenv file read before the environment is consulted.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// Load reads the dotenv file, the config file and DRILLOPS_* overrides on top
// of DefaultConfig. A missing config file is not an error.
func (l *Loader) Load() (*Config, error) {
	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", l.envFile, err)
		}
	}

	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to get home directory")
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType(configType(configPath))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyPathDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".drillops", "drillops.yaml")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}

// setDefaults registers every scalar key so AutomaticEnv can override keys
// that are absent from the config file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.audit_file", cfg.Logging.AuditFile)

	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.allowed_origins", cfg.Gateway.AllowedOrigins)
	v.SetDefault("gateway.shared_secret", cfg.Gateway.SharedSecret)
	v.SetDefault("gateway.write_timeout_seconds", cfg.Gateway.WriteTimeoutSeconds)
	v.SetDefault("gateway.rate_limit_per_minute", cfg.Gateway.RateLimitPerMinute)

	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.dsn", cfg.Store.DSN)
	v.SetDefault("store.max_open_conns", cfg.Store.MaxOpenConns)

	v.SetDefault("executor.ssh_binary", cfg.Executor.SSHBinary)
	v.SetDefault("executor.ssh_options", cfg.Executor.SSHOptions)
	v.SetDefault("executor.fallback_timeout_seconds", cfg.Executor.FallbackTimeoutSeconds)
	v.SetDefault("executor.persist_retries", cfg.Executor.PersistRetries)

	v.SetDefault("test_run.step_timeout_seconds", cfg.TestRun.StepTimeoutSeconds)
	v.SetDefault("test_run.run_timeout_seconds", cfg.TestRun.RunTimeoutSeconds)
	v.SetDefault("test_run.close_grace_ms", cfg.TestRun.CloseGraceMS)

	v.SetDefault("catalog.path", cfg.Catalog.Path)
	v.SetDefault("catalog.watch", cfg.Catalog.Watch)
	v.SetDefault("maintenance.sweep_cron", cfg.Maintenance.SweepCron)

	v.SetDefault("archive.enabled", cfg.Archive.Enabled)
	v.SetDefault("archive.endpoint", cfg.Archive.Endpoint)
	v.SetDefault("archive.access_key", cfg.Archive.AccessKey)
	v.SetDefault("archive.secret_key", cfg.Archive.SecretKey)
	v.SetDefault("archive.bucket", cfg.Archive.Bucket)
	v.SetDefault("archive.region", cfg.Archive.Region)
	v.SetDefault("archive.use_ssl", cfg.Archive.UseSSL)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
}

func applyPathDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".drillops")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "drillops.log")
	}
	if cfg.Store.Driver == "sqlite3" && cfg.Store.DSN == "" {
		cfg.Store.DSN = filepath.Join(cfg.DataDir, "drillops.db")
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = filepath.Join(cfg.DataDir, "scenarios.yaml")
	}
	return nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}
