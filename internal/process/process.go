// ABOUTME: Subprocess handle with piped stdin/stdout and a single exit monitor.
// ABOUTME: Spawn waits a grace window so immediate exits surface as launch errors.

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// DefaultGrace is how long Spawn waits before declaring a launch successful.
const DefaultGrace = 500 * time.Millisecond

// ErrLaunch matches every LaunchError via errors.Is.
var ErrLaunch = errors.New("agent launch failed")

// LaunchError reports a process that could not be started or exited during
// the grace window.
type LaunchError struct {
	Command  string
	ExitCode *int
	Err      error
}

func (e *LaunchError) Error() string {
	switch {
	case e.ExitCode != nil:
		return fmt.Sprintf("agent %q exited immediately with code %d", e.Command, *e.ExitCode)
	case e.Err != nil:
		return fmt.Sprintf("failed to start agent %q: %v", e.Command, e.Err)
	default:
		return fmt.Sprintf("failed to start agent %q", e.Command)
	}
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Is reports ErrLaunch as a match.
func (e *LaunchError) Is(target error) bool { return target == ErrLaunch }

// Spec describes the command to spawn.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

// Handle owns one running subprocess. It is exclusively owned by a single
// connection and is dead once Exited reports true.
type Handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	logger *slog.Logger

	waitDone chan struct{}
	exitCode int
	waitErr  error

	killOnce sync.Once
}

// Spawn starts spec and waits up to grace for an early exit. A grace of zero
// uses DefaultGrace. If ctx ends during the grace window the process is killed.
func Spawn(ctx context.Context, spec Spec, grace time.Duration, logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	if spec.Command == "" {
		return nil, &LaunchError{Err: errors.New("empty command")}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}

	// An os.Pipe instead of StdoutPipe so reads don't race cmd.Wait closing it.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}
	stdoutW.Close()

	h := &Handle{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdoutR,
		logger:   logger.With("component", "process", "pid", cmd.Process.Pid),
		waitDone: make(chan struct{}),
		exitCode: -1,
	}
	go h.monitorExit()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.waitDone:
		code := h.exitCode
		h.Kill()
		return nil, &LaunchError{Command: spec.Command, ExitCode: &code, Err: h.waitErr}
	case <-ctx.Done():
		h.Kill()
		return nil, &LaunchError{Command: spec.Command, Err: ctx.Err()}
	case <-timer.C:
	}

	h.logger.Debug("agent process started", "command", spec.Command)
	return h, nil
}

// monitorExit is the only caller of cmd.Wait.
func (h *Handle) monitorExit() {
	err := h.cmd.Wait()
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	}
	h.waitErr = err
	close(h.waitDone)
	h.logger.Debug("agent process exited", "exit_code", h.exitCode)
}

// Stdin is the agent's standard input.
func (h *Handle) Stdin() io.WriteCloser { return h.stdin }

// Stdout is the agent's standard output.
func (h *Handle) Stdout() io.ReadCloser { return h.stdout }

// Pid returns the OS process id.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.waitDone }

// Exited reports whether the exit status has been observed.
func (h *Handle) Exited() bool {
	select {
	case <-h.waitDone:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, or -1 while the process is running or
// when it was terminated by a signal.
func (h *Handle) ExitCode() int {
	if !h.Exited() {
		return -1
	}
	return h.exitCode
}

// Kill terminates the process if it is still running and closes the pipes.
// Safe to call any number of times.
func (h *Handle) Kill() {
	h.killOnce.Do(func() {
		h.stdin.Close()
		if !h.Exited() {
			if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				h.logger.Debug("kill failed", "error", err)
			}
		}
		h.stdout.Close()
	})
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
