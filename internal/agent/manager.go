// ABOUTME: Registry of agent connections keyed by caller-assigned id.
// ABOUTME: Aggregates their events and routes session-scoped calls to the owner.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/coven-acp/internal/acp"
	"github.com/2389/coven-acp/internal/process"
)

// ErrConnectionNotFound indicates no connection is registered under the id.
var ErrConnectionNotFound = errors.New("no agent connection for id")

// ErrSessionNotFound indicates no connection owns the session id.
var ErrSessionNotFound = errors.New("no agent connection for session")

// Options configures a Manager.
type Options struct {
	// Spawner starts agent processes. Defaults to real subprocesses with
	// the default grace window.
	Spawner Spawner
	Calls   CallHandler
	Cleanup func(connectionID string)
	Logger  *slog.Logger
}

type entry struct {
	conn *Connection
	subs [4]string
}

// Manager owns every agent connection and the session routing table.
type Manager struct {
	opts   Options
	bus    *Bus
	router *Router
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*entry
	locks map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates an empty Manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Spawner == nil {
		opts.Spawner = ProcessSpawner(process.DefaultGrace, opts.Logger)
	}
	return &Manager{
		opts:   opts,
		bus:    NewBus(opts.Logger),
		router: NewRouter(),
		logger: opts.Logger.With("component", "manager"),
		conns:  make(map[string]*entry),
		locks:  make(map[string]*idLock),
	}
}

// Bus returns the aggregated bus carrying events from every connection.
func (m *Manager) Bus() *Bus { return m.bus }

// lockID serializes lifecycle calls per connection id. The returned func
// releases the lock; the entry is dropped once nobody holds or waits on it.
func (m *Manager) lockID(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &idLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) take(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.conns[id]
	delete(m.conns, id)
	return e
}

// Connect starts an agent under id, replacing any existing connection with
// that id. The connection stays registered on failure, in error state.
func (m *Manager) Connect(ctx context.Context, id string, spec process.Spec) error {
	unlock := m.lockID(id)
	defer unlock()

	if old := m.take(id); old != nil {
		m.logger.Info("replacing agent connection", "connection_id", id)
		m.remove(id, old)
	}

	conn := NewConnection(ConnectionParams{
		ID:      id,
		Spawner: m.opts.Spawner,
		Calls:   m.opts.Calls,
		Cleanup: m.opts.Cleanup,
		Logger:  m.opts.Logger,
	})
	e := &entry{conn: conn}
	m.attach(id, e)

	m.mu.Lock()
	m.conns[id] = e
	m.mu.Unlock()

	return conn.Connect(ctx, spec)
}

// attach forwards the connection's events onto the aggregated bus.
func (m *Manager) attach(id string, e *entry) {
	cb := e.conn.Bus()
	e.subs[0] = cb.Status.Subscribe(func(s StatusInfo) {
		s.ConnectionID = id
		m.onStatus(id, e.conn, s)
		m.bus.Status.Publish(s)
	})
	e.subs[1] = cb.SessionUpdates.Subscribe(func(ev SessionUpdateEvent) {
		m.bus.SessionUpdates.Publish(ev)
	})
	e.subs[2] = cb.Permissions.Subscribe(func(ev *PermissionEvent) {
		if m.bus.Permissions.Publish(ev) == 0 {
			m.logger.Warn("no permission handler, cancelling", "connection_id", id, "session_id", ev.SessionID)
			ev.Resolve(acp.Cancelled())
		}
	})
	e.subs[3] = cb.Confirms.Subscribe(func(ev ConfirmEvent) {
		m.bus.Confirms.Publish(ev)
	})
}

func (m *Manager) detach(e *entry) {
	cb := e.conn.Bus()
	cb.Status.Unsubscribe(e.subs[0])
	cb.SessionUpdates.Unsubscribe(e.subs[1])
	cb.Permissions.Unsubscribe(e.subs[2])
	cb.Confirms.Unsubscribe(e.subs[3])
}

// onStatus purges routes once a connection has lost its sessions.
func (m *Manager) onStatus(id string, conn *Connection, s StatusInfo) {
	if s.Status != StatusDisconnected && s.Status != StatusError {
		return
	}
	if len(conn.LocalSessions()) > 0 {
		return
	}
	if n := m.router.UnbindConnection(id); n > 0 {
		m.logger.Debug("session routes removed", "connection_id", id, "count", n)
	}
}

func (m *Manager) remove(id string, e *entry) {
	e.conn.Disconnect()
	m.detach(e)
	m.router.UnbindConnection(id)
}

// Disconnect stops and forgets the connection. Unknown ids are a no-op.
func (m *Manager) Disconnect(id string) {
	unlock := m.lockID(id)
	defer unlock()

	e := m.take(id)
	if e == nil {
		m.router.UnbindConnection(id)
		return
	}
	m.remove(id, e)
	m.logger.Debug("agent connection removed", "connection_id", id)
}

// DisconnectAll disconnects every connection concurrently and waits.
func (m *Manager) DisconnectAll() {
	var wg sync.WaitGroup
	for _, id := range m.IDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Disconnect(id)
		}(id)
	}
	wg.Wait()
}

// IDs returns the registered connection ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetConnection returns the connection registered under id.
func (m *Manager) GetConnection(id string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	return e.conn, nil
}

// ConnectionForSession returns the connection that owns sessionID.
func (m *Manager) ConnectionForSession(sessionID string) (*Connection, error) {
	id, ok := m.router.Lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	conn, err := m.GetConnection(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return conn, nil
}

// Status returns the snapshot for id. Unknown ids report disconnected.
func (m *Manager) Status(id string) StatusInfo {
	conn, err := m.GetConnection(id)
	if err != nil {
		return StatusInfo{ConnectionID: id, Status: StatusDisconnected}
	}
	return conn.Status()
}

// Statuses returns a snapshot for every registered connection.
func (m *Manager) Statuses() map[string]StatusInfo {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, e := range m.conns {
		conns = append(conns, e.conn)
	}
	m.mu.RUnlock()

	out := make(map[string]StatusInfo, len(conns))
	for _, c := range conns {
		out[c.ID()] = c.Status()
	}
	return out
}

func (m *Manager) Initialize(ctx context.Context, id string, opts InitializeOptions) (*acp.InitializeResponse, error) {
	conn, err := m.GetConnection(id)
	if err != nil {
		return nil, err
	}
	return conn.Initialize(ctx, opts)
}

func (m *Manager) Authenticate(ctx context.Context, id, methodID string) error {
	conn, err := m.GetConnection(id)
	if err != nil {
		return err
	}
	return conn.Authenticate(ctx, methodID)
}

// NewSession opens a session on id and routes it there.
func (m *Manager) NewSession(ctx context.Context, id string, req acp.NewSessionRequest) (*acp.NewSessionResponse, error) {
	conn, err := m.GetConnection(id)
	if err != nil {
		return nil, err
	}
	resp, err := conn.NewSession(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := m.bind(conn, resp.SessionID, id); err != nil {
		return nil, err
	}
	return resp, nil
}

// LoadSession resumes a session on id and routes it there.
func (m *Manager) LoadSession(ctx context.Context, id string, req acp.LoadSessionRequest) (*acp.LoadSessionResponse, error) {
	conn, err := m.GetConnection(id)
	if err != nil {
		return nil, err
	}
	resp, err := conn.LoadSession(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := m.bind(conn, req.SessionID, id); err != nil {
		return nil, err
	}
	return resp, nil
}

// bind routes sessionID to id, then backs the route out if conn lost the
// session in the meantime. A teardown that lands before the route exists
// finds nothing to purge, so the check has to follow the bind.
func (m *Manager) bind(conn *Connection, sessionID, id string) error {
	if prev, replaced := m.router.Bind(sessionID, id); replaced {
		m.logger.Warn("session rebound to another connection",
			"session_id", sessionID,
			"previous_connection_id", prev,
			"connection_id", id)
	}
	if conn.hasSession(sessionID) {
		return nil
	}
	m.router.Unbind(sessionID, id)
	m.logger.Debug("session route dropped, connection closed", "connection_id", id, "session_id", sessionID)
	return fmt.Errorf("session %s on %s: %w", sessionID, id, acp.ErrConnectionClosed)
}

func (m *Manager) ListSessions(ctx context.Context, id string, req acp.ListSessionsRequest) (*acp.ListSessionsResponse, error) {
	conn, err := m.GetConnection(id)
	if err != nil {
		return nil, err
	}
	return conn.ListSessions(ctx, req)
}

// LocalSessions returns the sessions opened on id. Unknown ids have none.
func (m *Manager) LocalSessions(id string) []SessionEntry {
	conn, err := m.GetConnection(id)
	if err != nil {
		return []SessionEntry{}
	}
	return conn.LocalSessions()
}

func (m *Manager) Prompt(ctx context.Context, sessionID string, prompt []acp.ContentBlock) (*acp.PromptResponse, error) {
	conn, err := m.ConnectionForSession(sessionID)
	if err != nil {
		return nil, err
	}
	return conn.Prompt(ctx, sessionID, prompt)
}

func (m *Manager) Cancel(sessionID string) error {
	conn, err := m.ConnectionForSession(sessionID)
	if err != nil {
		return err
	}
	return conn.Cancel(sessionID)
}

func (m *Manager) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	conn, err := m.ConnectionForSession(sessionID)
	if err != nil {
		return err
	}
	return conn.SetSessionMode(ctx, sessionID, modeID)
}

func (m *Manager) SetSessionModel(ctx context.Context, sessionID, modelID string) error {
	conn, err := m.ConnectionForSession(sessionID)
	if err != nil {
		return err
	}
	return conn.SetSessionModel(ctx, sessionID, modelID)
}

func (m *Manager) SetSessionConfigOption(ctx context.Context, sessionID, configID string, value json.RawMessage) error {
	conn, err := m.ConnectionForSession(sessionID)
	if err != nil {
		return err
	}
	return conn.SetSessionConfigOption(ctx, sessionID, configID, value)
}
