package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	tmpDir := t.TempDir()

	lm := NewLifecycleManager(tmpDir, zerolog.Nop())
	assert.NotNil(t, lm)
	assert.Equal(t, filepath.Join(tmpDir, PIDFileName), lm.PIDFile())
}

func TestLifecycleManagerStartStop(t *testing.T) {
	lm := NewLifecycleManager(filepath.Join(t.TempDir(), "nested"), zerolog.Nop())

	require.NoError(t, lm.Start())

	_, err := os.Stat(lm.PIDFile())
	assert.NoError(t, err)
	assert.True(t, lm.IsRunning())

	startedAt, err := lm.StartedAt()
	require.NoError(t, err)
	assert.False(t, startedAt.IsZero())

	require.NoError(t, lm.Stop())

	_, err = os.Stat(lm.PIDFile())
	assert.True(t, os.IsNotExist(err))
	assert.False(t, lm.IsRunning())

	// stopping twice is fine
	assert.NoError(t, lm.Stop())
}

func TestLifecycleManagerGetPID(t *testing.T) {
	lm := NewLifecycleManager(t.TempDir(), zerolog.Nop())

	_, err := lm.GetPID()
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestLifecycleManagerInvalidPIDFile(t *testing.T) {
	lm := NewLifecycleManager(t.TempDir(), zerolog.Nop())
	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte("not-a-pid"), 0o644))

	_, err := lm.GetPID()
	assert.ErrorContains(t, err, "invalid PID file")
	assert.False(t, lm.IsRunning())
}

func TestLifecycleManagerRefusesLiveProcess(t *testing.T) {
	lm := NewLifecycleManager(t.TempDir(), zerolog.Nop())

	// The parent of the test binary is alive for the duration of the test.
	ppid := os.Getppid()
	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte(strconv.Itoa(ppid)), 0o644))

	err := lm.Start()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestLifecycleManagerReplacesStalePIDFile(t *testing.T) {
	lm := NewLifecycleManager(t.TempDir(), zerolog.Nop())
	// Larger than the default pid_max, so no such process exists.
	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte("99999999"), 0o644))

	assert.False(t, lm.IsRunning())
	require.NoError(t, lm.RemoveStale())
	_, err := os.Stat(lm.PIDFile())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte("99999999"), 0o644))
	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestLifecycleManagerSignal(t *testing.T) {
	lm := NewLifecycleManager(t.TempDir(), zerolog.Nop())
	require.NoError(t, lm.Start())
	defer lm.Stop()

	// Signal 0 only checks that the process exists.
	assert.NoError(t, lm.Signal(syscall.Signal(0)))
}
