// ABOUTME: Tests for coven-acp command helpers
// ABOUTME: Covers policy edits, permission answers, fs calls, and starter config

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-acp/internal/acp"
	"github.com/2389/coven-acp/internal/agent"
	"github.com/2389/coven-acp/internal/config"
	"github.com/2389/coven-acp/internal/permission"
	"github.com/2389/coven-acp/internal/store"
)

var options = []acp.PermissionOption{
	{OptionID: "allow", Name: "Allow", Kind: acp.OptionAllowOnce},
	{OptionID: "always", Name: "Always", Kind: acp.OptionAllowAlways},
	{OptionID: "reject", Name: "Reject", Kind: acp.OptionRejectOnce},
}

func TestPickOption(t *testing.T) {
	assert.Equal(t, acp.Selected("always"), pickOption(options, "2"))
	assert.Equal(t, acp.Selected("reject"), pickOption(options, "reject"))
	assert.Equal(t, acp.Cancelled(), pickOption(options, ""))
	assert.Equal(t, acp.Cancelled(), pickOption(options, "9"))
	assert.Equal(t, acp.Cancelled(), pickOption(options, "maybe"))
}

func TestMessageChunk(t *testing.T) {
	text, ok := messageChunk([]byte(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hi"}}`))
	assert.True(t, ok)
	assert.Equal(t, "hi", text)

	_, ok = messageChunk([]byte(`{"sessionUpdate":"tool_call","toolCallId":"x"}`))
	assert.False(t, ok)
	_, ok = messageChunk([]byte(`{"sessionUpdate":"agent_message_chunk","content":{"type":"image"}}`))
	assert.False(t, ok)
}

func TestConsolePrompter_ResolvesThroughArbiter(t *testing.T) {
	s := store.NewMockStore()
	require.NoError(t, permission.SetApprovalMode(t.Context(), s, permission.ModeManual))

	var out bytes.Buffer
	console := newConsolePrompter(strings.NewReader("3\n"), &out, true)
	arbiter := permission.NewArbiter(permission.Options{
		Policy:   permission.NewStorePolicy(s, permission.ModeAuto, nil),
		Prompter: console,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	console.arbiter = arbiter

	raw, _ := json.Marshal(map[string]string{"command": "rm -rf /tmp/x"})
	ev := agent.NewPermissionEvent("claude", &acp.RequestPermissionRequest{
		SessionID: "s1",
		ToolCall:  acp.ToolCall{ToolCallID: "c1", Title: "Run rm", RawInput: raw},
		Options:   options,
	})
	arbiter.HandleRequest(t.Context(), ev)

	select {
	case o := <-ev.Outcome():
		assert.Equal(t, acp.Selected("reject"), o)
	case <-time.After(5 * time.Second):
		t.Fatal("console prompter never resolved the request")
	}
	assert.Contains(t, out.String(), "Run rm")
	assert.Contains(t, out.String(), "rm -rf /tmp/x")
}

func TestConsolePrompter_NotInteractive(t *testing.T) {
	console := newConsolePrompter(strings.NewReader(""), io.Discard, false)
	assert.False(t, console.Reachable())
}

func TestApplyPolicyCommand(t *testing.T) {
	ctx := t.Context()
	s := store.NewMockStore()
	var out bytes.Buffer

	require.NoError(t, applyPolicyCommand(ctx, s, permission.ModeAuto, []string{"mode", "default"}, &out))
	require.NoError(t, applyPolicyCommand(ctx, s, permission.ModeAuto, []string{"allow-tool", "Read"}, &out))
	require.NoError(t, applyPolicyCommand(ctx, s, permission.ModeAuto, []string{"allow-command", "git status"}, &out))
	require.NoError(t, applyPolicyCommand(ctx, s, permission.ModeAuto, []string{"allow-command", "ls"}, &out))
	require.NoError(t, applyPolicyCommand(ctx, s, permission.ModeAuto, []string{"deny-command", "ls"}, &out))

	p := permission.NewStorePolicy(s, permission.ModeAuto, nil)
	assert.Equal(t, permission.ModeDefault, p.ApprovalMode(ctx))
	assert.Equal(t, []string{"Read"}, p.ToolWhitelist(ctx))
	assert.Equal(t, []string{"git"}, p.CommandWhitelist(ctx))

	out.Reset()
	require.NoError(t, applyPolicyCommand(ctx, s, permission.ModeAuto, []string{"show"}, &out))
	assert.Contains(t, out.String(), "default")
	assert.Contains(t, out.String(), "Read")
	assert.Contains(t, out.String(), "git")

	assert.Error(t, applyPolicyCommand(ctx, s, permission.ModeAuto, []string{"mode", "yolo"}, &out))
	assert.Error(t, applyPolicyCommand(ctx, s, permission.ModeAuto, []string{"allow-tool"}, &out))
	assert.Error(t, applyPolicyCommand(ctx, s, permission.ModeAuto, []string{"frobnicate"}, &out))
}

func TestPrintDecisions(t *testing.T) {
	var out bytes.Buffer
	printDecisions(&out, nil)
	assert.Contains(t, out.String(), "no decisions recorded")

	out.Reset()
	printDecisions(&out, []store.Decision{{
		ConnectionID: "claude",
		SessionID:    "s1",
		Command:      "rm",
		Source:       store.SourceUser,
		Outcome:      acp.OutcomeSelected,
		OptionID:     "reject",
		CreatedAt:    time.Now(),
	}})
	assert.Contains(t, out.String(), "claude")
	assert.Contains(t, out.String(), "reject")
	assert.Contains(t, out.String(), "user")
}

func TestFileCalls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "notes.txt")
	calls := fileCalls()

	write, _ := json.Marshal(acp.WriteTextFileRequest{SessionID: "s", Path: path, Content: "one\ntwo\nthree\n"})
	_, err := calls(t.Context(), "claude", acp.MethodWriteTextFile, write)
	require.NoError(t, err)

	read, _ := json.Marshal(map[string]any{"sessionId": "s", "path": path, "line": 2, "limit": 1})
	res, err := calls(t.Context(), "claude", acp.MethodReadTextFile, read)
	require.NoError(t, err)
	assert.Equal(t, "two\n", res.(*acp.ReadTextFileResponse).Content)

	whole, _ := json.Marshal(map[string]any{"sessionId": "s", "path": path})
	res, err = calls(t.Context(), "claude", acp.MethodReadTextFile, whole)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\n", res.(*acp.ReadTextFileResponse).Content)

	rel, _ := json.Marshal(map[string]any{"sessionId": "s", "path": "notes.txt"})
	_, err = calls(t.Context(), "claude", acp.MethodReadTextFile, rel)
	assert.Error(t, err)

	_, err = calls(t.Context(), "claude", "terminal/create", nil)
	assert.ErrorIs(t, err, acp.ErrMethodNotFound)
}

func TestWriteStarter(t *testing.T) {
	target := filepath.Join(t.TempDir(), "coven", "acp.yaml")
	require.NoError(t, writeStarter(target, false))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, config.Starter, string(data))

	assert.Error(t, writeStarter(target, false))
	assert.NoError(t, writeStarter(target, true))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "connection_id", "claude")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"connection_id":"claude"`)

	buf.Reset()
	text := newLogger(config.LoggingConfig{Level: "debug"}, &buf)
	text.With("component", "manager").Debug("hello", "n", 1)
	assert.Contains(t, buf.String(), "DBG hello")
	assert.Contains(t, buf.String(), "component=manager")
	assert.Contains(t, buf.String(), "n=1")
}
