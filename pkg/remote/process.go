package remote

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// State is a position in the subprocess lifecycle:
// Spawned -> Streaming -> {Exited | Killed | SpawnFailed}.
type State int

const (
	StateIdle State = iota
	StateSpawned
	StateStreaming
	StateExited
	StateKilled
	StateSpawnFailed
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateStreaming:
		return "streaming"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	case StateSpawnFailed:
		return "spawn_failed"
	default:
		return "idle"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateExited || s == StateKilled || s == StateSpawnFailed
}

// Stream identifies the output stream a chunk came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Result is the terminal state of a process. ExitCode is -1 unless State is StateExited.
type Result struct {
	State    State
	ExitCode int
	Err      error
}

// ChunkFunc receives output as it arrives. It may be called concurrently for
// stdout and stderr and is never called after the process reaches a terminal state.
type ChunkFunc func(stream Stream, chunk []byte)

// Process supervises one command. The first terminal transition wins; later
// exit or I/O errors are ignored.
type Process struct {
	cmd     *exec.Cmd
	onChunk ChunkFunc

	mu     sync.Mutex
	state  State
	result Result
	done   chan struct{}
}

// Spawn starts cmd and begins supervising it. waitDelay bounds how long Wait
// keeps output pipes open after the process is gone (children may hold them).
// On failure the returned process is already in StateSpawnFailed.
func Spawn(cmd *exec.Cmd, onChunk ChunkFunc, waitDelay time.Duration) (*Process, error) {
	p := &Process{
		cmd:     cmd,
		onChunk: onChunk,
		done:    make(chan struct{}),
	}

	cmd.Stdout = &chunkWriter{p: p, stream: Stdout}
	cmd.Stderr = &chunkWriter{p: p, stream: Stderr}
	if waitDelay > 0 {
		cmd.WaitDelay = waitDelay
	}

	if err := cmd.Start(); err != nil {
		err = fmt.Errorf("%w: %v", ErrSpawn, err)
		p.transition(Result{State: StateSpawnFailed, ExitCode: -1, Err: err})
		return p, err
	}

	p.mu.Lock()
	if p.state == StateIdle {
		p.state = StateSpawned
	}
	p.mu.Unlock()

	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.transition(Result{State: StateExited, ExitCode: 0})
	case errors.As(err, &exitErr):
		p.transition(Result{State: StateExited, ExitCode: exitErr.ExitCode()})
	case p.cmd.ProcessState != nil && p.cmd.ProcessState.Exited():
		// Pipe teardown after a normal exit (for example exec.ErrWaitDelay).
		p.transition(Result{State: StateExited, ExitCode: p.cmd.ProcessState.ExitCode()})
	default:
		p.transition(Result{State: StateSpawnFailed, ExitCode: -1, Err: fmt.Errorf("%w: %v", ErrSpawn, err)})
	}
}

func (p *Process) transition(r Result) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Terminal() {
		return false
	}
	p.state = r.State
	p.result = r
	close(p.done)
	return true
}

// Kill forcefully terminates the process. It returns true only for the call
// that actually sent the signal; once the process is terminal it is a no-op.
func (p *Process) Kill() bool {
	if !p.transition(Result{State: StateKilled, ExitCode: -1}) {
		return false
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return true
}

// Done is closed when the process reaches a terminal state.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Result returns the terminal result. It is only meaningful after Done is closed.
func (p *Process) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *Process) accept() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Terminal() {
		return false
	}
	if p.state == StateIdle || p.state == StateSpawned {
		p.state = StateStreaming
	}
	return true
}

type chunkWriter struct {
	p      *Process
	stream Stream
}

// Write never fails so the copying goroutine keeps draining the pipe.
func (w *chunkWriter) Write(b []byte) (int, error) {
	if len(b) == 0 || !w.p.accept() || w.p.onChunk == nil {
		return len(b), nil
	}
	chunk := make([]byte, len(b))
	copy(chunk, b)
	w.p.onChunk(w.stream, chunk)
	return len(b), nil
}
