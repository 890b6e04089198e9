// ABOUTME: Manages one agent subprocess and its ACP connection.
// ABOUTME: Drives the connect/initialize/ready lifecycle and tracks local sessions.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-acp/internal/acp"
	"github.com/2389/coven-acp/internal/process"
)

// ErrNotReady indicates an operation was attempted in the wrong state.
var ErrNotReady = errors.New("agent connection not ready")

// ErrLoadSessionUnsupported indicates the agent did not advertise loadSession.
var ErrLoadSessionUnsupported = errors.New("agent does not support loading sessions")

// Process is the stdio surface of a running agent.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Kill()
	Pid() int
}

// Spawner starts an agent process.
type Spawner func(ctx context.Context, spec process.Spec) (Process, error)

// ProcessSpawner spawns real subprocesses with the given grace window.
func ProcessSpawner(grace time.Duration, logger *slog.Logger) Spawner {
	return func(ctx context.Context, spec process.Spec) (Process, error) {
		h, err := process.Spawn(ctx, spec, grace, logger)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// CallHandler answers agent-initiated calls other than permission requests
// (fs/*, terminal/*).
type CallHandler func(ctx context.Context, connectionID, method string, params json.RawMessage) (any, error)

// SessionEntry records a session opened on this connection.
type SessionEntry struct {
	ID        string    `json:"id"`
	Cwd       string    `json:"cwd"`
	CreatedAt time.Time `json:"createdAt"`
}

// InitializeOptions overrides handshake defaults.
type InitializeOptions struct {
	Capabilities *acp.ClientCapabilities
	ClientInfo   *acp.Implementation
}

// ConnectionParams configures a Connection.
type ConnectionParams struct {
	ID      string
	Spawner Spawner
	Calls   CallHandler
	// Cleanup runs on every teardown, before the process is killed.
	Cleanup func(connectionID string)
	Logger  *slog.Logger
}

// Connection owns exactly one agent process and its protocol connection.
type Connection struct {
	id      string
	spawn   Spawner
	calls   CallHandler
	cleanup func(string)
	bus     *Bus
	logger  *slog.Logger

	// emitMu orders transitions with their status events.
	emitMu sync.Mutex

	mu         sync.Mutex
	status     Status
	lastErr    string
	proc       Process
	conn       *acp.Conn
	init       *acp.InitializeResponse
	sessions   map[string]SessionEntry
	generation uint64
}

// NewConnection creates a disconnected Connection.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	spawn := p.Spawner
	if spawn == nil {
		spawn = ProcessSpawner(process.DefaultGrace, logger)
	}
	return &Connection{
		id:       p.ID,
		spawn:    spawn,
		calls:    p.Calls,
		cleanup:  p.Cleanup,
		bus:      NewBus(logger),
		logger:   logger.With("component", "connection", "connection_id", p.ID),
		status:   StatusDisconnected,
		sessions: make(map[string]SessionEntry),
	}
}

// ID returns the caller-assigned connection id.
func (c *Connection) ID() string { return c.id }

// Bus returns the connection's own event bus.
func (c *Connection) Bus() *Bus { return c.bus }

// Status returns the current snapshot.
func (c *Connection) Status() StatusInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Connection) snapshotLocked() StatusInfo {
	info := StatusInfo{
		ConnectionID: c.id,
		Status:       c.status,
		Error:        c.lastErr,
	}
	if c.init != nil {
		caps := c.init.AgentCapabilities
		info.Capabilities = &caps
		if c.init.AgentInfo != nil {
			agentInfo := *c.init.AgentInfo
			info.AgentInfo = &agentInfo
		}
		info.AuthMethods = append([]acp.AuthMethod(nil), c.init.AuthMethods...)
	}
	return info
}

// transition applies fn under the state lock and publishes the resulting
// snapshot when fn reports a change.
func (c *Connection) transition(fn func() bool) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	changed := fn()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if changed {
		c.logger.Debug("status changed", "status", snap.Status, "error", snap.Error)
		c.bus.Status.Publish(snap)
	}
}

// fail moves to error unless gen has been superseded.
func (c *Connection) fail(gen uint64, err error) {
	c.transition(func() bool {
		if c.generation != gen {
			return false
		}
		c.status = StatusError
		c.lastErr = err.Error()
		return true
	})
}

// Connect spawns the agent and wraps its stdio in an ACP connection. An
// active connection is torn down first.
func (c *Connection) Connect(ctx context.Context, spec process.Spec) error {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	switch {
	case status.Active():
		c.Disconnect()
	case status == StatusError:
		c.discard()
	}

	var gen uint64
	c.transition(func() bool {
		c.generation++
		gen = c.generation
		c.status = StatusConnecting
		c.lastErr = ""
		return true
	})

	proc, err := c.spawn(ctx, spec)
	if err != nil {
		c.logger.Warn("agent spawn failed", "command", spec.Command, "error", err)
		c.fail(gen, err)
		return err
	}

	conn := acp.NewConn(proc.Stdout(), proc.Stdin(), &connHandler{c: c}, c.logger)

	current := false
	c.transition(func() bool {
		if c.generation != gen {
			return false
		}
		current = true
		c.proc = proc
		c.conn = conn
		c.status = StatusConnected
		return true
	})
	if !current {
		conn.Close()
		proc.Kill()
		return fmt.Errorf("connect %s: %w", c.id, acp.ErrConnectionClosed)
	}

	c.logger.Info("agent connected", "command", spec.Command, "pid", proc.Pid())
	go c.watch(conn, gen)
	return nil
}

// watch tears the connection down when the transport closes on its own.
func (c *Connection) watch(conn *acp.Conn, gen uint64) {
	<-conn.Done()

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.generation != gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	proc := c.proc
	c.resetLocked()
	c.status = StatusError
	c.lastErr = "agent connection closed unexpectedly"
	if cause := errors.Unwrap(conn.Err()); cause != nil {
		c.lastErr = conn.Err().Error()
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.release(proc, nil)
	c.logger.Warn("agent connection lost", "error", snap.Error)
	c.bus.Status.Publish(snap)
}

// resetLocked drops process, connection, handshake and sessions.
func (c *Connection) resetLocked() {
	c.generation++
	c.proc = nil
	c.conn = nil
	c.init = nil
	c.sessions = make(map[string]SessionEntry)
}

func (c *Connection) release(proc Process, conn *acp.Conn) {
	if c.cleanup != nil {
		c.cleanup(c.id)
	}
	if proc != nil {
		proc.Kill()
	}
	if conn != nil {
		conn.Close()
	}
}

// discard releases leftovers of a failed attempt without a status change.
func (c *Connection) discard() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	proc, conn := c.proc, c.conn
	c.resetLocked()
	c.mu.Unlock()

	if proc != nil || conn != nil {
		c.release(proc, conn)
	}
}

// Disconnect tears everything down and moves to disconnected. It never
// fails and is a no-op when already disconnected.
func (c *Connection) Disconnect() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	changed := c.status != StatusDisconnected
	proc, conn := c.proc, c.conn
	c.resetLocked()
	c.status = StatusDisconnected
	c.lastErr = ""
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.release(proc, conn)

	if changed {
		c.logger.Info("agent disconnected")
		c.bus.Status.Publish(snap)
	}
}

// Initialize performs the handshake. Valid only when connected.
func (c *Connection) Initialize(ctx context.Context, opts InitializeOptions) (*acp.InitializeResponse, error) {
	var (
		conn  *acp.Conn
		gen   uint64
		state Status
	)
	c.transition(func() bool {
		state = c.status
		if c.status != StatusConnected {
			return false
		}
		conn = c.conn
		gen = c.generation
		c.status = StatusInitializing
		return true
	})
	if conn == nil {
		return nil, fmt.Errorf("%w: initialize requires connected, %s is %s", ErrNotReady, c.id, state)
	}

	caps := acp.DefaultClientCapabilities()
	if opts.Capabilities != nil {
		caps = *opts.Capabilities
	}
	resp, err := conn.Initialize(ctx, &acp.InitializeRequest{
		ProtocolVersion:    acp.ProtocolVersion,
		ClientCapabilities: caps,
		ClientInfo:         opts.ClientInfo,
	})
	if err != nil {
		c.fail(gen, err)
		return nil, fmt.Errorf("initialize %s: %w", c.id, err)
	}

	current := false
	c.transition(func() bool {
		if c.generation != gen {
			return false
		}
		current = true
		c.init = resp
		c.status = StatusReady
		return true
	})
	if !current {
		return nil, fmt.Errorf("initialize %s: %w", c.id, acp.ErrConnectionClosed)
	}

	name := ""
	if resp.AgentInfo != nil {
		name = resp.AgentInfo.Name
	}
	c.logger.Info("agent ready", "agent_name", name, "load_session", resp.AgentCapabilities.LoadSession)
	return resp, nil
}

// connFor returns the live connection if the current status is one of allowed.
func (c *Connection) connFor(op string, allowed ...Status) (*acp.Conn, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range allowed {
		if c.status == s && c.conn != nil {
			return c.conn, c.generation, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: %s requires %s, %s is %s", ErrNotReady, op, allowed[0], c.id, c.status)
}

func (c *Connection) ready(op string) (*acp.Conn, uint64, error) {
	return c.connFor(op, StatusReady)
}

// Authenticate runs the agent's auth method. Valid once connected.
func (c *Connection) Authenticate(ctx context.Context, methodID string) error {
	conn, _, err := c.connFor("authenticate", StatusConnected, StatusInitializing, StatusReady)
	if err != nil {
		return err
	}
	return conn.Authenticate(ctx, &acp.AuthenticateRequest{MethodID: methodID})
}

// NewSession opens a session and records it locally.
func (c *Connection) NewSession(ctx context.Context, req acp.NewSessionRequest) (*acp.NewSessionResponse, error) {
	conn, gen, err := c.ready("session/new")
	if err != nil {
		return nil, err
	}
	resp, err := conn.NewSession(ctx, &req)
	if err != nil {
		return nil, err
	}
	if !c.recordSession(gen, resp.SessionID, req.Cwd) {
		return nil, fmt.Errorf("session/new %s: %w", c.id, acp.ErrConnectionClosed)
	}
	return resp, nil
}

// LoadSession resumes a session. Fails without contacting the agent when
// loadSession was not advertised.
func (c *Connection) LoadSession(ctx context.Context, req acp.LoadSessionRequest) (*acp.LoadSessionResponse, error) {
	conn, gen, err := c.ready("session/load")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	supported := c.init != nil && c.init.AgentCapabilities.LoadSession
	c.mu.Unlock()
	if !supported {
		return nil, fmt.Errorf("%w: %s", ErrLoadSessionUnsupported, c.id)
	}

	resp, err := conn.LoadSession(ctx, &req)
	if err != nil {
		return nil, err
	}
	if !c.recordSession(gen, req.SessionID, req.Cwd) {
		return nil, fmt.Errorf("session/load %s: %w", c.id, acp.ErrConnectionClosed)
	}
	return resp, nil
}

// recordSession reports false when the connection was torn down after gen.
func (c *Connection) recordSession(gen uint64, id, cwd string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	c.sessions[id] = SessionEntry{ID: id, Cwd: cwd, CreatedAt: time.Now()}
	return true
}

func (c *Connection) hasSession(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[id]
	return ok
}

// ListSessions asks the agent for its known sessions.
func (c *Connection) ListSessions(ctx context.Context, req acp.ListSessionsRequest) (*acp.ListSessionsResponse, error) {
	conn, _, err := c.ready("session/list")
	if err != nil {
		return nil, err
	}
	return conn.ListSessions(ctx, &req)
}

// LocalSessions returns sessions opened through this connection, oldest first.
func (c *Connection) LocalSessions() []SessionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SessionEntry, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Prompt sends a user turn and blocks until the agent ends it.
func (c *Connection) Prompt(ctx context.Context, sessionID string, prompt []acp.ContentBlock) (*acp.PromptResponse, error) {
	conn, _, err := c.ready("session/prompt")
	if err != nil {
		return nil, err
	}
	return conn.Prompt(ctx, &acp.PromptRequest{SessionID: sessionID, Prompt: prompt})
}

// Cancel asks the agent to stop the current turn. It does not wait.
func (c *Connection) Cancel(sessionID string) error {
	conn, _, err := c.ready("session/cancel")
	if err != nil {
		return err
	}
	return conn.Cancel(&acp.CancelNotification{SessionID: sessionID})
}

func (c *Connection) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	conn, _, err := c.ready("session/set_mode")
	if err != nil {
		return err
	}
	return conn.SetSessionMode(ctx, &acp.SetSessionModeRequest{SessionID: sessionID, ModeID: modeID})
}

func (c *Connection) SetSessionModel(ctx context.Context, sessionID, modelID string) error {
	conn, _, err := c.ready("session/set_model")
	if err != nil {
		return err
	}
	return conn.SetSessionModel(ctx, &acp.SetSessionModelRequest{SessionID: sessionID, ModelID: modelID})
}

func (c *Connection) SetSessionConfigOption(ctx context.Context, sessionID, configID string, value json.RawMessage) error {
	conn, _, err := c.ready("session/set_config_option")
	if err != nil {
		return err
	}
	return conn.SetSessionConfigOption(ctx, &acp.SetSessionConfigOptionRequest{
		SessionID: sessionID,
		ConfigID:  configID,
		Value:     value,
	})
}

// connHandler bridges inbound ACP traffic onto the connection's bus.
type connHandler struct {
	c *Connection
}

func (h *connHandler) SessionUpdate(_ context.Context, n *acp.SessionNotification) {
	h.c.bus.SessionUpdates.Publish(SessionUpdateEvent{
		ConnectionID: h.c.id,
		SessionID:    n.SessionID,
		Update:       n.Update,
	})
}

// RequestPermission publishes the event while the read loop still holds the
// frame, so subscribers see it before any later session/update. The returned
// wait parks until a subscriber resolves the event or the connection closes.
func (h *connHandler) RequestPermission(ctx context.Context, req *acp.RequestPermissionRequest) acp.PermissionWait {
	ev := NewPermissionEvent(h.c.id, req)
	if h.c.bus.Permissions.Publish(ev) == 0 {
		h.c.logger.Warn("no permission handler, cancelling", "session_id", req.SessionID, "tool_call_id", req.ToolCall.ToolCallID)
		ev.Resolve(acp.Cancelled())
	}

	return func() (*acp.RequestPermissionResponse, error) {
		select {
		case o := <-ev.Outcome():
			return &acp.RequestPermissionResponse{Outcome: o}, nil
		case <-ctx.Done():
			ev.Resolve(acp.Cancelled())
			return &acp.RequestPermissionResponse{Outcome: acp.Cancelled()}, nil
		}
	}
}

func (h *connHandler) HandleCall(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if h.c.calls == nil {
		return nil, fmt.Errorf("%w: %s", acp.ErrMethodNotFound, method)
	}
	return h.c.calls(ctx, h.c.id, method, params)
}
