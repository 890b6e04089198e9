// ABOUTME: In-process stand-in for an agent subprocess.
// ABOUTME: Connects an Agent to the host through a pair of io.Pipes.

package acptest

import (
	"io"
	"sync"
	"sync/atomic"
)

var pidCounter atomic.Int64

// Process runs an Agent behind pipes and exposes the same stdio surface as
// a spawned subprocess.
type Process struct {
	agent *Agent

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	pid      int
	killOnce sync.Once
	killed   atomic.Bool
	done     chan struct{}
}

// Start serves agent on a fresh pipe pair.
func Start(agent *Agent) *Process {
	p := &Process{
		agent: agent,
		pid:   int(pidCounter.Add(1)) + 100000,
		done:  make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()

	go func() {
		defer close(p.done)
		agent.Serve(p.stdinR, p.stdoutW, p.Kill)
		p.stdoutW.Close()
	}()
	return p
}

func (p *Process) Stdin() io.WriteCloser { return p.stdinW }

func (p *Process) Stdout() io.ReadCloser { return p.stdoutR }

func (p *Process) Pid() int { return p.pid }

// Done is closed after the agent's serve loop returns.
func (p *Process) Done() <-chan struct{} { return p.done }

// Kill drops both pipes, as if the process died.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		p.killed.Store(true)
		p.stdinR.CloseWithError(io.EOF)
		p.stdoutW.Close()
	})
}

// Killed reports whether Kill has run.
func (p *Process) Killed() bool { return p.killed.Load() }
