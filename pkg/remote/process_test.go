package remote

import (
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chunkSink struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (s *chunkSink) add(_ Stream, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(b)
}

func (s *chunkSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not reach a terminal state")
	}
}

func TestProcess_ExitZero(t *testing.T) {
	sink := &chunkSink{}
	p, err := Spawn(exec.Command("/bin/sh", "-c", "echo out; echo err >&2"), sink.add, time.Second)
	require.NoError(t, err)
	waitDone(t, p)

	res := p.Result()
	assert.Equal(t, StateExited, res.State)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, sink.String(), "out")
	assert.Contains(t, sink.String(), "err")
}

func TestProcess_ExitNonZero(t *testing.T) {
	p, err := Spawn(exec.Command("/bin/sh", "-c", "exit 7"), nil, time.Second)
	require.NoError(t, err)
	waitDone(t, p)

	assert.Equal(t, StateExited, p.State())
	assert.Equal(t, 7, p.Result().ExitCode)
}

func TestProcess_SpawnFailed(t *testing.T) {
	p, err := Spawn(exec.Command("/nonexistent/drillops-binary"), nil, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawn)
	assert.Equal(t, StateSpawnFailed, p.State())

	select {
	case <-p.Done():
	default:
		t.Fatal("done should be closed after a spawn failure")
	}
	assert.False(t, p.Kill())
}

func TestProcess_KillOnce(t *testing.T) {
	p, err := Spawn(exec.Command("/bin/sh", "-c", "sleep 30"), nil, 100*time.Millisecond)
	require.NoError(t, err)

	assert.True(t, p.Kill())
	assert.False(t, p.Kill())
	waitDone(t, p)

	// The late exit reported by Wait must not replace the kill.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateKilled, p.State())
	assert.Equal(t, -1, p.Result().ExitCode)
}

func TestProcess_KillAfterExitIsNoop(t *testing.T) {
	p, err := Spawn(exec.Command("/bin/sh", "-c", "true"), nil, time.Second)
	require.NoError(t, err)
	waitDone(t, p)

	assert.False(t, p.Kill())
	assert.Equal(t, StateExited, p.State())
}

func TestProcess_NoChunksAfterKill(t *testing.T) {
	sink := &chunkSink{}
	p, err := Spawn(exec.Command("/bin/sh", "-c", "echo first; sleep 0.3; echo second; sleep 30"), sink.add, 100*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return strings.Contains(sink.String(), "first") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateStreaming, p.State())

	p.Kill()
	time.Sleep(500 * time.Millisecond)
	assert.NotContains(t, sink.String(), "second")
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateSpawned.Terminal())
	assert.False(t, StateStreaming.Terminal())
	assert.True(t, StateExited.Terminal())
	assert.True(t, StateKilled.Terminal())
	assert.True(t, StateSpawnFailed.Terminal())
	assert.Equal(t, "spawn_failed", StateSpawnFailed.String())
}

func TestSSHCommand(t *testing.T) {
	cmd := SSHCommand("/usr/bin/ssh", []string{"-o", "BatchMode=yes"})("db1.internal", "ops", "systemctl restart pg")
	assert.Equal(t, "/usr/bin/ssh", cmd.Path)
	assert.Equal(t, []string{"/usr/bin/ssh", "-o", "BatchMode=yes", "-l", "ops", "db1.internal", "systemctl restart pg"}, cmd.Args)

	def := SSHCommand("", nil)("h", "u", "c")
	assert.Equal(t, "ssh", def.Args[0])
	assert.Contains(t, def.Args, "BatchMode=yes")
}
