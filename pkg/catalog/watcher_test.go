package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const single = `
scenarios:
  - id: cache-flush
    steps:
      - id: flush
        command: redis-cli flushall
        host: cache1
        user: ops
`

func newLive(t *testing.T, content string, onReload func(*Catalog, error)) (*Live, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	live, err := NewLive(LiveConfig{
		Path:     path,
		Settle:   20 * time.Millisecond,
		OnReload: onReload,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = live.Stop() })
	return live, path
}

func TestNewLiveRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scenarios: [{steps: [{}]}]"), 0o644))

	_, err := NewLive(LiveConfig{Path: path, Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLiveReload(t *testing.T) {
	live, path := newLive(t, sample, nil)

	steps, err := live.ScenarioSteps(context.Background(), "db-failover")
	require.NoError(t, err)
	assert.Len(t, steps, 3)

	require.NoError(t, os.WriteFile(path, []byte(single), 0o644))
	require.NoError(t, live.Reload())

	_, err = live.ScenarioSteps(context.Background(), "db-failover")
	assert.ErrorIs(t, err, ErrUnknownScenario)
	steps, err = live.ScenarioSteps(context.Background(), "cache-flush")
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestLiveReloadKeepsPreviousOnError(t *testing.T) {
	live, path := newLive(t, sample, nil)
	before := live.Current()

	require.NoError(t, os.WriteFile(path, []byte("scenarios: [{id: x, steps: [{id: a, depends_on: [a]}]}]"), 0o644))
	err := live.Reload()
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Same(t, before, live.Current())
}

func TestLiveWatchPicksUpChanges(t *testing.T) {
	var reloads atomic.Int32
	live, path := newLive(t, sample, func(_ *Catalog, _ error) { reloads.Add(1) })
	require.NoError(t, live.Watch())

	require.NoError(t, os.WriteFile(path, []byte(single), 0o644))

	require.Eventually(t, func() bool {
		_, ok := live.Current().Scenario("cache-flush")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, reloads.Load(), int32(1))
}

func TestLiveStopWithoutWatch(t *testing.T) {
	live, _ := newLive(t, sample, nil)
	assert.NoError(t, live.Stop())
	assert.NoError(t, live.Stop())
}
