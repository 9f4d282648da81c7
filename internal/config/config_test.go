package config

import (
	"testing"
	"time"

	"github.com/harun/drillops/pkg/cron"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/drillops"
	cfg.Store.DSN = "/var/lib/drillops/drillops.db"
	cfg.Catalog.Path = "/etc/drillops/scenarios.yaml"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Equal(t, 30, cfg.Gateway.RateLimitPerMinute)
	assert.Equal(t, "sqlite3", cfg.Store.Driver)
	assert.Equal(t, "ssh", cfg.Executor.SSHBinary)
	assert.Equal(t, 3, cfg.Executor.PersistRetries)
	assert.Equal(t, cron.DefaultSweepExpr, cfg.Maintenance.SweepCron)
	assert.True(t, cfg.Catalog.Watch)
	assert.False(t, cfg.Archive.Enabled)
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5*time.Minute, cfg.Executor.FallbackTimeout())
	assert.Equal(t, 2*time.Minute, cfg.TestRun.StepTimeout())
	assert.Equal(t, 15*time.Minute, cfg.TestRun.RunTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.TestRun.CloseGrace())
	assert.Equal(t, 10*time.Second, cfg.Gateway.WriteTimeout())
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gateway.Port = 0
		cfg.Store.Driver = "mongo"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid port 0")
		assert.Contains(t, err.Error(), "invalid store driver: mongo")
	})
}

func TestConfigString(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.SharedSecret = "s3cr3t"
	cfg.Archive.SecretKey = "minio-secret"

	out := cfg.String()
	assert.NotContains(t, out, "s3cr3t")
	assert.NotContains(t, out, "minio-secret")
	assert.Contains(t, out, `"driver": "sqlite3"`)
	assert.Equal(t, "s3cr3t", cfg.Gateway.SharedSecret)
}
