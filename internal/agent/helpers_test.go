// ABOUTME: Shared fixtures for agent tests.
// ABOUTME: Spawns scripted in-process agents, including one that hangs up mid-session.

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/2389/coven-acp/internal/acptest"
	"github.com/2389/coven-acp/internal/process"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAgents spawns an acptest agent per Connect, named after spec.Command.
type fakeAgents struct {
	mu        sync.Mutex
	configure func(*acptest.Agent)
	agents    []*acptest.Agent
	procs     []*acptest.Process
}

func newFakeAgents(configure func(*acptest.Agent)) *fakeAgents {
	return &fakeAgents{configure: configure}
}

func (f *fakeAgents) spawn(_ context.Context, spec process.Spec) (Process, error) {
	a := acptest.NewAgent(spec.Command)
	a.Logger = testLogger()
	if f.configure != nil {
		f.configure(a)
	}
	p := acptest.Start(a)

	f.mu.Lock()
	f.agents = append(f.agents, a)
	f.procs = append(f.procs, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeAgents) proc(i int) *acptest.Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func (f *fakeAgents) agent(i int) *acptest.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents[i]
}

func (f *fakeAgents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

type statusRecorder struct {
	mu   sync.Mutex
	seen []StatusInfo
}

func recordStatuses(bus *Bus) *statusRecorder {
	r := &statusRecorder{}
	bus.Status.Subscribe(func(s StatusInfo) {
		r.mu.Lock()
		r.seen = append(r.seen, s)
		r.mu.Unlock()
	})
	return r
}

func (r *statusRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.seen))
	for i, s := range r.seen {
		out[i] = s.Status
	}
	return out
}

func (r *statusRecorder) all() []StatusInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusInfo(nil), r.seen...)
}

func (r *statusRecorder) last() StatusInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return StatusInfo{}
	}
	return r.seen[len(r.seen)-1]
}

func newTestConnection(t *testing.T, agents *fakeAgents) *Connection {
	t.Helper()
	c := NewConnection(ConnectionParams{ID: "conn-1", Spawner: agents.spawn, Logger: testLogger()})
	t.Cleanup(c.Disconnect)
	return c
}

// hangupAgent answers initialize, then answers the first session/new or
// session/load and closes stdout immediately after that response.
type hangupAgent struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
}

func spawnHangupAgent(_ context.Context, _ process.Spec) (Process, error) {
	a := &hangupAgent{}
	a.stdinR, a.stdinW = io.Pipe()
	a.stdoutR, a.stdoutW = io.Pipe()
	go a.serve()
	return a, nil
}

func (a *hangupAgent) serve() {
	reader := bufio.NewReader(a.stdinR)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			a.stdoutW.Close()
			return
		}
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if json.Unmarshal(line, &req) != nil || len(req.ID) == 0 {
			continue
		}
		switch req.Method {
		case "initialize":
			a.reply(req.ID, `{"protocolVersion":1,"agentCapabilities":{"loadSession":true}}`)
		case "session/new":
			a.reply(req.ID, `{"sessionId":"s1"}`)
			a.hangUp(reader)
			return
		case "session/load":
			a.reply(req.ID, `{}`)
			a.hangUp(reader)
			return
		}
	}
}

func (a *hangupAgent) reply(id json.RawMessage, result string) {
	fmt.Fprintf(a.stdoutW, `{"jsonrpc":"2.0","id":%s,"result":%s}`+"\n", id, result)
}

func (a *hangupAgent) hangUp(reader *bufio.Reader) {
	a.stdoutW.Close()
	_, _ = io.Copy(io.Discard, reader)
}

func (a *hangupAgent) Stdin() io.WriteCloser { return a.stdinW }
func (a *hangupAgent) Stdout() io.ReadCloser { return a.stdoutR }
func (a *hangupAgent) Pid() int { return 0 }

func (a *hangupAgent) Kill() {
	a.stdinR.Close()
	a.stdoutW.Close()
}
