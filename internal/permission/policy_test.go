// ABOUTME: Tests for the store-backed approval policy.
// ABOUTME: Covers defaults, invalid values, read failures, and whitelist edits.

package permission

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-acp/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStorePolicy_Defaults(t *testing.T) {
	p := NewStorePolicy(store.NewMockStore(), "", discardLogger())
	assert.Equal(t, ModeAuto, p.ApprovalMode(t.Context()))
	assert.Empty(t, p.ToolWhitelist(t.Context()))
	assert.Empty(t, p.CommandWhitelist(t.Context()))

	manualDefault := NewStorePolicy(store.NewMockStore(), ModeManual, discardLogger())
	assert.Equal(t, ModeManual, manualDefault.ApprovalMode(t.Context()))
}

func TestStorePolicy_ReadsStoredValues(t *testing.T) {
	s := store.NewMockStore()
	require.NoError(t, SetApprovalMode(t.Context(), s, ModeDefault))
	require.NoError(t, s.SetSetting(t.Context(), Namespace, KeyToolWhitelist, `["Read","Glob",3]`))
	require.NoError(t, s.SetSetting(t.Context(), Namespace, KeyCommandWhitelist, `["ls"]`))

	p := NewStorePolicy(s, ModeAuto, discardLogger())
	assert.Equal(t, ModeDefault, p.ApprovalMode(t.Context()))
	assert.Equal(t, []string{"Read", "Glob"}, p.ToolWhitelist(t.Context()))
	assert.Equal(t, []string{"ls"}, p.CommandWhitelist(t.Context()))
}

func TestStorePolicy_BadValuesDegrade(t *testing.T) {
	s := store.NewMockStore()
	require.NoError(t, s.SetSetting(t.Context(), Namespace, KeyApprovalMode, "yolo"))
	require.NoError(t, s.SetSetting(t.Context(), Namespace, KeyToolWhitelist, `not json`))
	require.NoError(t, s.SetSetting(t.Context(), Namespace, KeyCommandWhitelist, `{"ls":true}`))

	p := NewStorePolicy(s, ModeAuto, discardLogger())
	assert.Equal(t, ModeAuto, p.ApprovalMode(t.Context()))
	assert.Empty(t, p.ToolWhitelist(t.Context()))
	assert.Empty(t, p.CommandWhitelist(t.Context()))

	s.GetErr = errors.New("database is locked")
	assert.Equal(t, ModeAuto, p.ApprovalMode(t.Context()))
	assert.Empty(t, p.ToolWhitelist(t.Context()))
}

func TestWhitelistEdits(t *testing.T) {
	s := store.NewMockStore()
	ctx := t.Context()

	require.NoError(t, AddToWhitelist(ctx, s, KeyCommandWhitelist, "ls"))
	require.NoError(t, AddToWhitelist(ctx, s, KeyCommandWhitelist, "git"))
	require.NoError(t, AddToWhitelist(ctx, s, KeyCommandWhitelist, "ls"))

	v, err := s.GetSetting(ctx, Namespace, KeyCommandWhitelist)
	require.NoError(t, err)
	assert.JSONEq(t, `["ls","git"]`, v)

	require.NoError(t, RemoveFromWhitelist(ctx, s, KeyCommandWhitelist, "ls"))
	require.NoError(t, RemoveFromWhitelist(ctx, s, KeyCommandWhitelist, "git"))
	v, err = s.GetSetting(ctx, Namespace, KeyCommandWhitelist)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, v)

	assert.Error(t, AddToWhitelist(ctx, s, "approval_mode", "x"))
	assert.Error(t, SetApprovalMode(ctx, s, Mode("sometimes")))
}

func TestParseMode(t *testing.T) {
	for _, m := range []string{"default", "auto", "manual"} {
		got, err := ParseMode(m)
		require.NoError(t, err)
		assert.Equal(t, Mode(m), got)
	}
	_, err := ParseMode("")
	assert.Error(t, err)
}
