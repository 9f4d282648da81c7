package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/drillops/internal/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, err := executeCommand(t, "stop", "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "Stop the drillops daemon")
		assert.Contains(t, out, "timeout")
	})

	t.Run("not running removes stale PID file", func(t *testing.T) {
		cfgPath, dataDir := writeConfig(t, "")
		pidFile := filepath.Join(dataDir, daemon.PIDFileName)
		require.NoError(t, os.WriteFile(pidFile, []byte("99999999"), 0o644))

		out, err := executeCommand(t, "stop", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Daemon is not running")

		_, err = os.Stat(pidFile)
		assert.True(t, os.IsNotExist(err))
	})
}
