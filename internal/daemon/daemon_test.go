package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/drillops/internal/config"
	"github.com/harun/drillops/internal/logger"
	"github.com/harun/drillops/pkg/cron"
	"github.com/harun/drillops/pkg/drill"
	"github.com/harun/drillops/pkg/remote"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
scenarios:
  - id: smoke
    name: Smoke drill
    steps:
      - id: prepare
        command: echo preparing
        host: localhost
        user: ops
      - id: verify
        command: echo verified
        host: localhost
        user: ops
        depends_on: [prepare]
criteria:
  - id: rto
    name: Recovery under 15 minutes
`

type memoryPutter struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryPutter) PutObject(_ context.Context, bucket, key string, reader io.Reader, size int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func (m *memoryPutter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// createTestDaemon builds a daemon on the memory store, an ephemeral port and
// a local shell in place of ssh.
func createTestDaemon(t *testing.T, mutate func(*config.Config), opts ...Option) (*Daemon, *logger.Logger) {
	t.Helper()
	tmpDir := t.TempDir()

	catalogPath := filepath.Join(tmpDir, "scenarios.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0o644))

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Store.Driver = "memory"
	cfg.Catalog.Path = catalogPath
	if mutate != nil {
		mutate(cfg)
	}

	log, err := logger.New(logger.Config{
		Level: "error",
		File:  filepath.Join(tmpDir, "drillops.log"),
	})
	require.NoError(t, err)

	opts = append([]Option{WithCommandBuilder(remote.LocalShell())}, opts...)
	d, err := New(context.Background(), cfg, log, opts...)
	require.NoError(t, err)

	return d, log
}

func TestNew(t *testing.T) {
	d, log := createTestDaemon(t, nil)
	defer log.Close()

	assert.NotNil(t, d.GetScheduler())
	assert.NotNil(t, d.GetTestRuns())
	assert.NotNil(t, d.GetStore())
	assert.NotNil(t, d.GetHub())
	assert.NotNil(t, d.GetGatewayServer())
	assert.NotNil(t, d.GetCronService())
	assert.NotNil(t, d.GetLifecycle())
	assert.Nil(t, d.archiver)
}

func TestNewErrors(t *testing.T) {
	t.Run("missing catalog", func(t *testing.T) {
		log, err := logger.New(logger.Config{Level: "error", File: filepath.Join(t.TempDir(), "x.log")})
		require.NoError(t, err)
		defer log.Close()

		cfg := config.DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.Store.Driver = "memory"
		cfg.Catalog.Path = filepath.Join(cfg.DataDir, "missing.yaml")

		_, err = New(context.Background(), cfg, log)
		assert.ErrorContains(t, err, "failed to load catalog")
	})

	t.Run("schedule for unknown scenario", func(t *testing.T) {
		tmpDir := t.TempDir()
		catalogPath := filepath.Join(tmpDir, "scenarios.yaml")
		require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0o644))

		log, err := logger.New(logger.Config{Level: "error", File: filepath.Join(tmpDir, "x.log")})
		require.NoError(t, err)
		defer log.Close()

		cfg := config.DefaultConfig()
		cfg.DataDir = tmpDir
		cfg.Store.Driver = "memory"
		cfg.Catalog.Path = catalogPath
		cfg.Schedules = []cron.Schedule{{Name: "nightly", ScenarioID: "nope", Expr: "@daily"}}

		_, err = New(context.Background(), cfg, log)
		assert.ErrorContains(t, err, "schedule nightly")
	})
}

func TestDaemonStartStop(t *testing.T) {
	d, log := createTestDaemon(t, nil)
	defer log.Close()

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	status := d.Status()
	assert.True(t, status.Running)

	_, err := os.Stat(d.GetLifecycle().PIDFile())
	require.NoError(t, err)

	assert.Error(t, d.Start(ctx))

	require.NoError(t, d.Stop(ctx))
	assert.False(t, d.Status().Running)

	_, err = os.Stat(d.GetLifecycle().PIDFile())
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, d.Stop(ctx))
}

func TestDaemonReloadsCatalog(t *testing.T) {
	d, log := createTestDaemon(t, nil)
	defer log.Close()

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	defer func() { _ = d.Stop(ctx) }()

	updated := `
scenarios:
  - id: smoke
    steps:
      - id: prepare
        command: echo preparing
        host: localhost
        user: ops
  - id: rollback
    steps:
      - id: undo
        command: echo undo
        host: localhost
        user: ops
`
	require.NoError(t, os.WriteFile(d.GetConfig().Catalog.Path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		_, ok := d.GetCatalog().Current().Scenario("rollback")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemonStatus(t *testing.T) {
	d, log := createTestDaemon(t, nil)
	defer log.Close()

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	time.Sleep(20 * time.Millisecond)
	status = d.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
	assert.Empty(t, status.ActiveDrills)
}

func TestDaemonRunsDrillEndToEnd(t *testing.T) {
	putter := &memoryPutter{objects: make(map[string][]byte)}
	d, log := createTestDaemon(t, func(cfg *config.Config) {
		cfg.Archive = config.ArchiveConfig{Enabled: true, Bucket: "drill-reports"}
	}, WithArchiveClient(putter))
	defer log.Close()

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)

	base := "http://" + d.GetGatewayServer().Addr()
	body, _ := json.Marshal(map[string]any{"scenario_id": "smoke"})
	resp, err := http.Post(base+"/api/drills/d-1/execute", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		records, err := d.GetStore().ListStepRecords(ctx, "d-1")
		if err != nil || len(records) != 2 {
			return false
		}
		for _, rec := range records {
			if rec.Status != drill.StatusSuccess {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { return putter.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	resp, err = http.Get(base + "/api/drills/d-1/steps")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
