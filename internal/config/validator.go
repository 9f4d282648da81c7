package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/harun/drillops/pkg/cron"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePort validates a TCP port number
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d (must be 1-65535)", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateStore validates the state store driver and dsn
func (v *Validator) ValidateStore(cfg StoreConfig) error {
	switch cfg.Driver {
	case "memory":
		return nil
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("invalid store driver: %s (must be one of: sqlite3, pgx, memory)", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return fmt.Errorf("store dsn is required for driver %s", cfg.Driver)
	}
	if cfg.MaxOpenConns < 0 {
		return fmt.Errorf("store max_open_conns must be >= 0, got %d", cfg.MaxOpenConns)
	}
	return nil
}

// ValidatePositive validates a timeout or limit that must be greater than zero
func (v *Validator) ValidatePositive(name string, value int) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, value)
	}
	return nil
}

// ValidateCron validates a cron expression or descriptor
func (v *Validator) ValidateCron(name, expr string) error {
	if _, err := cron.Parse(expr); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// ValidateSchedules checks names, scenario ids and cron expressions
func (v *Validator) ValidateSchedules(schedules []cron.Schedule) []error {
	var errs []error
	seen := make(map[string]bool, len(schedules))
	for i, s := range schedules {
		label := s.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("schedule %s: name is required", label))
		case s.Name == cron.SweepJobName:
			errs = append(errs, fmt.Errorf("schedule %s: name is reserved", label))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("schedule %s: duplicate name", label))
		}
		seen[s.Name] = true
		if s.ScenarioID == "" {
			errs = append(errs, fmt.Errorf("schedule %s: scenario_id is required", label))
		}
		if err := v.ValidateCron("schedule "+label, s.Expr); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// ValidateArchive validates object storage settings when archiving is enabled
func (v *Validator) ValidateArchive(cfg ArchiveConfig) error {
	if !cfg.Enabled {
		return nil
	}
	var missing []string
	if cfg.Endpoint == "" {
		missing = append(missing, "endpoint")
	}
	if cfg.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if cfg.AccessKey == "" {
		missing = append(missing, "access_key")
	}
	if cfg.SecretKey == "" {
		missing = append(missing, "secret_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("archive enabled but missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))
	add(v.ValidatePort(cfg.Gateway.Port))
	add(v.ValidatePositive("gateway.write_timeout_seconds", cfg.Gateway.WriteTimeoutSeconds))
	add(v.ValidatePositive("gateway.rate_limit_per_minute", cfg.Gateway.RateLimitPerMinute))
	add(v.ValidateStore(cfg.Store))

	if cfg.Executor.SSHBinary == "" {
		add(errors.New("executor.ssh_binary is required"))
	}
	add(v.ValidatePositive("executor.fallback_timeout_seconds", cfg.Executor.FallbackTimeoutSeconds))
	if cfg.Executor.PersistRetries < 0 {
		add(fmt.Errorf("executor.persist_retries must be >= 0, got %d", cfg.Executor.PersistRetries))
	}

	add(v.ValidatePositive("test_run.step_timeout_seconds", cfg.TestRun.StepTimeoutSeconds))
	add(v.ValidatePositive("test_run.run_timeout_seconds", cfg.TestRun.RunTimeoutSeconds))
	add(v.ValidatePositive("test_run.close_grace_ms", cfg.TestRun.CloseGraceMS))

	if cfg.Catalog.Path == "" {
		add(errors.New("catalog.path is required"))
	}
	errs = append(errs, v.ValidateSchedules(cfg.Schedules)...)
	if cfg.Maintenance.SweepCron != "" {
		add(v.ValidateCron("maintenance.sweep_cron", cfg.Maintenance.SweepCron))
	}
	add(v.ValidateArchive(cfg.Archive))

	return errs
}

// Validate joins every problem ValidateConfig finds into one error
func (v *Validator) Validate(cfg *Config) error {
	return errors.Join(v.ValidateConfig(cfg)...)
}
