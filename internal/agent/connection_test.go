// ABOUTME: Tests for the single-agent connection state machine.
// ABOUTME: Runs against scripted in-process agents.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-acp/internal/acp"
	"github.com/2389/coven-acp/internal/acptest"
	"github.com/2389/coven-acp/internal/process"
)

func TestConnection_Lifecycle(t *testing.T) {
	agents := newFakeAgents(nil)
	c := newTestConnection(t, agents)
	rec := recordStatuses(c.Bus())

	require.NoError(t, c.Connect(t.Context(), process.Spec{Command: "alpha"}))
	assert.Equal(t, StatusConnected, c.Status().Status)

	resp, err := c.Initialize(t.Context(), InitializeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "alpha", resp.AgentInfo.Name)

	st := c.Status()
	assert.Equal(t, StatusReady, st.Status)
	require.NotNil(t, st.AgentInfo)
	assert.Equal(t, "alpha", st.AgentInfo.Name)
	require.NotNil(t, st.Capabilities)

	sess, err := c.NewSession(t.Context(), acp.NewSessionRequest{Cwd: "/tmp"})
	require.NoError(t, err)
	local := c.LocalSessions()
	require.Len(t, local, 1)
	assert.Equal(t, sess.SessionID, local[0].ID)
	assert.Equal(t, "/tmp", local[0].Cwd)
	assert.False(t, local[0].CreatedAt.IsZero())

	c.Disconnect()
	assert.Equal(t, StatusDisconnected, c.Status().Status)
	assert.Nil(t, c.Status().AgentInfo)
	assert.Empty(t, c.LocalSessions())
	assert.True(t, agents.proc(0).Killed())

	assert.Equal(t, []Status{
		StatusConnecting,
		StatusConnected,
		StatusInitializing,
		StatusReady,
		StatusDisconnected,
	}, rec.statuses())
	for _, s := range rec.all() {
		assert.Equal(t, "conn-1", s.ConnectionID)
	}
}

func TestConnection_NotReadyErrors(t *testing.T) {
	agents := newFakeAgents(nil)
	c := newTestConnection(t, agents)

	_, err := c.Initialize(t.Context(), InitializeOptions{})
	assert.True(t, errors.Is(err, ErrNotReady))

	_, err = c.NewSession(t.Context(), acp.NewSessionRequest{Cwd: "/tmp"})
	assert.True(t, errors.Is(err, ErrNotReady))

	require.NoError(t, c.Connect(t.Context(), process.Spec{Command: "alpha"}))

	_, err = c.NewSession(t.Context(), acp.NewSessionRequest{Cwd: "/tmp"})
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.Contains(t, err.Error(), "requires ready")

	_, err = c.Prompt(t.Context(), "s", []acp.ContentBlock{acp.TextBlock("hi")})
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.True(t, errors.Is(c.Cancel("s"), ErrNotReady))
	assert.True(t, errors.Is(c.SetSessionMode(t.Context(), "s", "plan"), ErrNotReady))

	// None of the rejected calls reached the agent.
	assert.Empty(t, agents.agent(0).Calls())
}

func TestConnection_AuthenticateWhenConnected(t *testing.T) {
	agents := newFakeAgents(func(a *acptest.Agent) {
		a.AuthMethods = []acp.AuthMethod{{ID: "api-key", Name: "API key"}}
	})
	c := newTestConnection(t, agents)

	assert.True(t, errors.Is(c.Authenticate(t.Context(), "api-key"), ErrNotReady))

	require.NoError(t, c.Connect(t.Context(), process.Spec{Command: "alpha"}))
	require.NoError(t, c.Authenticate(t.Context(), "api-key"))

	err := c.Authenticate(t.Context(), "oauth")
	require.Error(t, err)
	assert.Equal(t, "unknown auth method oauth", err.Error())
	// Protocol errors leave the status alone.
	assert.Equal(t, StatusConnected, c.Status().Status)
}

func TestConnection_LoadSessionUnsupportedFailsFast(t *testing.T) {
	agents := newFakeAgents(nil)
	c := newTestConnection(t, agents)
	require.NoError(t, c.Connect(t.Context(), process.Spec{Command: "alpha"}))
	_, err := c.Initialize(t.Context(), InitializeOptions{})
	require.NoError(t, err)

	_, err = c.LoadSession(t.Context(), acp.LoadSessionRequest{SessionID: "old", Cwd: "/tmp"})
	assert.True(t, errors.Is(err, ErrLoadSessionUnsupported))
	assert.NotContains(t, agents.agent(0).Calls(), acp.MethodSessionLoad)
}

func TestConnection_LoadSessionAddsEntry(t *testing.T) {
	agents := newFakeAgents(func(a *acptest.Agent) { a.LoadSession = true })
	c := newTestConnection(t, agents)
	require.NoError(t, c.Connect(t.Context(), process.Spec{Command: "alpha"}))
	_, err := c.Initialize(t.Context(), InitializeOptions{})
	require.NoError(t, err)

	fresh, err := c.NewSession(t.Context(), acp.NewSessionRequest{Cwd: "/a"})
	require.NoError(t, err)
	_, err = c.LoadSession(t.Context(), acp.LoadSessionRequest{SessionID: "resumed", Cwd: "/b"})
	require.NoError(t, err)

	ids := []string{}
	for _, s := range c.LocalSessions() {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{fresh.SessionID, "resumed"}, ids)
}

func TestConnection_DisconnectIdempotent(t *testing.T) {
	c := newTestConnection(t, newFakeAgents(nil))
	rec := recordStatuses(c.Bus())

	assert.NotPanics(t, c.Disconnect)
	assert.NotPanics(t, c.Disconnect)
	assert.Equal(t, StatusDisconnected, c.Status().Status)
	assert.Empty(t, rec.statuses())
}

func TestConnection_SpawnFailure(t *testing.T) {
	c := NewConnection(ConnectionParams{
		ID: "broken",
		Spawner: func(context.Context, process.Spec) (Process, error) {
			code := 1
			return nil, &process.LaunchError{Command: "broken", ExitCode: &code}
		},
		Logger: testLogger(),
	})
	rec := recordStatuses(c.Bus())

	err := c.Connect(t.Context(), process.Spec{Command: "broken"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, process.ErrLaunch))

	st := c.Status()
	assert.Equal(t, StatusError, st.Status)
	assert.Contains(t, st.Error, "exited immediately with code 1")
	assert.Equal(t, []Status{StatusConnecting, StatusError}, rec.statuses())
}

func TestConnection_InitializeFailure(t *testing.T) {
	agents := newFakeAgents(func(a *acptest.Agent) {
		a.InitializeError = &acp.RPCError{Code: acp.CodeInternalError, Message: "unsupported protocol"}
	})
	c := newTestConnection(t, agents)
	require.NoError(t, c.Connect(t.Context(), process.Spec{Command: "alpha"}))

	_, err := c.Initialize(t.Context(), InitializeOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported protocol")

	st := c.Status()
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, "unsupported protocol", st.Error)

	// Reconnecting from error releases the failed attempt.
	require.NoError(t, c.Connect(t.Context(), process.Spec{Command: "alpha"}))
	assert.True(t, agents.proc(0).Killed())
	assert.Equal(t, StatusConnected, c.Status().Status)
}

func TestConnection_ReconnectTearsDownPrevious(t *testing.T) {
	agents := newFakeAgents(nil)
	c := newTestConnection(t, agents)
	require.NoError(t, c.Connect(t.Context(), process.Spec{Command: "alpha"}))
	_, err := c.Initialize(t.Context(), InitializeOptions{})
	require.NoError(t, err)
	_, err = c.NewSession(t.Context(), acp.NewSessionRequest{Cwd: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, c.Connect(t.Context(), process.Spec{Command: "alpha"}))

	assert.Equal(t, 2, agents.count())
	assert.True(t, agents.proc(0).Killed())
	assert.False(t, agents.proc(1).Killed())
	assert.Empty(t, c.LocalSessions())
	assert.Equal(t, StatusConnected, c.Status().Status)
}

func TestConnection_UnexpectedCloseMovesToError(t *testing.T) {
	agents := newFakeAgents(nil)
	cleanups := make(chan string, 4)
	c := NewConnection(ConnectionParams{
		ID:      "conn-1",
		Spawner: agents.spawn,
		Cleanup: func(id string) { cleanups <- id },
		Logger:  testLogger(),
	})
	t.Cleanup(c.Disconnect)
	rec := recordStatuses(c.Bus())

	require.NoError(t, c.Connect(t.Context(), process.Spec{Command: "alpha"}))
	_, err := c.Initialize(t.Context(), InitializeOptions{})
	require.NoError(t, err)
	sess, err := c.NewSession(t.Context(), acp.NewSessionRequest{Cwd: "/tmp"})
	require.NoError(t, err)

	_, err = c.Prompt(t.Context(), sess.SessionID, []acp.ContentBlock{acp.TextBlock("!exit")})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return c.Status().Status == StatusError
	}, 5*time.Second, 10*time.Millisecond)

	assert.Empty(t, c.LocalSessions())
	assert.Equal(t, StatusError, rec.last().Status)
	assert.NotEmpty(t, rec.last().Error)
	assert.Equal(t, "conn-1", <-cleanups)

	_, err = c.Prompt(t.Context(), sess.SessionID, []acp.ContentBlock{acp.TextBlock("hi")})
	assert.True(t, errors.Is(err, ErrNotReady))
}

func TestConnection_InflightPromptFailsOnDisconnect(t *testing.T) {
	agents := newFakeAgents(nil)
	c := newTestConnection(t, agents)
	require.NoError(t, c.Connect(t.Context(), process.Spec{Command: "alpha"}))
	_, err := c.Initialize(t.Context(), InitializeOptions{})
	require.NoError(t, err)
	sess, err := c.NewSession(t.Context(), acp.NewSessionRequest{Cwd: "/tmp"})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Prompt(context.Background(), sess.SessionID, []acp.ContentBlock{acp.TextBlock("!hang")})
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	c.Disconnect()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, acp.ErrConnectionClosed))
	case <-time.After(5 * time.Second):
		t.Fatal("prompt hung after disconnect")
	}
	assert.Equal(t, StatusDisconnected, c.Status().Status)
}

func TestConnection_PermissionEvents(t *testing.T) {
	agents := newFakeAgents(nil)
	c := newTestConnection(t, agents)
	require.NoError(t, c.Connect(t.Context(), process.Spec{Command: "alpha"}))
	_, err := c.Initialize(t.Context(), InitializeOptions{})
	require.NoError(t, err)
	sess, err := c.NewSession(t.Context(), acp.NewSessionRequest{Cwd: "/tmp"})
	require.NoError(t, err)

	t.Run("no subscriber cancels", func(t *testing.T) {
		resp, err := c.Prompt(t.Context(), sess.SessionID, []acp.ContentBlock{acp.TextBlock("!perm ls")})
		require.NoError(t, err)
		assert.Equal(t, "cancelled", resp.StopReason)
	})

	t.Run("subscriber resolves", func(t *testing.T) {
		var got *PermissionEvent
		id := c.Bus().Permissions.Subscribe(func(ev *PermissionEvent) {
			got = ev
			assert.True(t, ev.Resolve(acp.Selected("allow")))
			assert.False(t, ev.Resolve(acp.Selected("reject")))
		})
		defer c.Bus().Permissions.Unsubscribe(id)

		var updates []json.RawMessage
		uid := c.Bus().SessionUpdates.Subscribe(func(ev SessionUpdateEvent) {
			updates = append(updates, ev.Update)
		})
		defer c.Bus().SessionUpdates.Unsubscribe(uid)

		resp, err := c.Prompt(t.Context(), sess.SessionID, []acp.ContentBlock{acp.TextBlock("!perm ls -la")})
		require.NoError(t, err)
		assert.Equal(t, "end_turn", resp.StopReason)

		require.NotNil(t, got)
		assert.Equal(t, "conn-1", got.ConnectionID)
		assert.Equal(t, sess.SessionID, got.SessionID)
		require.NotEmpty(t, updates)
		assert.Contains(t, string(updates[len(updates)-1]), "permission allow")
	})
}

func TestConnection_ForwardsOtherCalls(t *testing.T) {
	var gotMethod, gotConn string
	c := NewConnection(ConnectionParams{
		ID: "conn-1",
		Calls: func(_ context.Context, connectionID, method string, _ json.RawMessage) (any, error) {
			gotConn, gotMethod = connectionID, method
			return map[string]string{"content": "file body"}, nil
		},
		Logger: testLogger(),
	})
	h := &connHandler{c: c}

	result, err := h.HandleCall(t.Context(), "fs/read_text_file", json.RawMessage(`{"path":"/tmp/x"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"content": "file body"}, result)
	assert.Equal(t, "conn-1", gotConn)
	assert.Equal(t, "fs/read_text_file", gotMethod)

	bare := &connHandler{c: NewConnection(ConnectionParams{ID: "bare", Logger: testLogger()})}
	_, err = bare.HandleCall(t.Context(), "terminal/create", nil)
	assert.True(t, errors.Is(err, acp.ErrMethodNotFound))
}
