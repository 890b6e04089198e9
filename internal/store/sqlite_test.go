// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers schema creation, settings CRUD, and the decision ledger

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_MigratesOldSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE permission_decisions (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		outcome TEXT NOT NULL,
		option_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create old table: %v", err)
	}
	db.Close()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	err = store.RecordDecision(context.Background(), &Decision{
		RequestID: "r1", ConnectionID: "a", SessionID: "s", Source: SourceAuto,
		Outcome: "selected", Command: "ls", Mode: "default",
	})
	if err != nil {
		t.Fatalf("RecordDecision after migration failed: %v", err)
	}
}

func TestSettings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetSetting(ctx, "permissions", "approval_mode"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.SetSetting(ctx, "permissions", "approval_mode", "manual"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := store.SetSetting(ctx, "permissions", "approval_mode", "default"); err != nil {
		t.Fatalf("SetSetting overwrite failed: %v", err)
	}

	got, err := store.GetSetting(ctx, "permissions", "approval_mode")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if got != "default" {
		t.Errorf("expected default, got %q", got)
	}

	if err := store.SetSetting(ctx, "permissions", "tool_whitelist", `["Read"]`); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := store.SetSetting(ctx, "other", "x", "1"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}

	list, err := store.ListSettings(ctx, "permissions")
	if err != nil {
		t.Fatalf("ListSettings failed: %v", err)
	}
	if len(list) != 2 || list[0].Key != "approval_mode" || list[1].Key != "tool_whitelist" {
		t.Errorf("unexpected settings: %+v", list)
	}
	if list[0].UpdatedAt.IsZero() {
		t.Error("expected updated_at to be parsed")
	}

	if err := store.DeleteSetting(ctx, "permissions", "approval_mode"); err != nil {
		t.Fatalf("DeleteSetting failed: %v", err)
	}
	if err := store.DeleteSetting(ctx, "permissions", "approval_mode"); err != nil {
		t.Fatalf("DeleteSetting of missing key failed: %v", err)
	}
	if _, err := store.GetSetting(ctx, "permissions", "approval_mode"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	empty, err := store.ListSettings(ctx, "missing")
	if err != nil {
		t.Fatalf("ListSettings failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no settings, got %d", len(empty))
	}
}

func TestDecisions_NewestFirstWithFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i := 0; i < 5; i++ {
		conn := "a"
		if i%2 == 1 {
			conn = "b"
		}
		d := &Decision{
			RequestID:    fmt.Sprintf("req-%d", i),
			ConnectionID: conn,
			SessionID:    "sess-" + conn,
			ToolName:     "Bash",
			Command:      "ls",
			Mode:         "default",
			Source:       SourceWhitelist,
			Outcome:      "selected",
			OptionID:     "allow",
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		}
		if err := store.RecordDecision(ctx, d); err != nil {
			t.Fatalf("RecordDecision failed: %v", err)
		}
		if d.ID == "" {
			t.Fatal("expected ID to be assigned")
		}
	}

	all, err := store.ListDecisions(ctx, DecisionFilter{})
	if err != nil {
		t.Fatalf("ListDecisions failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 decisions, got %d", len(all))
	}
	if all[0].RequestID != "req-4" || all[4].RequestID != "req-0" {
		t.Errorf("expected newest first, got %s..%s", all[0].RequestID, all[4].RequestID)
	}
	if !all[0].CreatedAt.Equal(base.Add(4 * time.Second)) {
		t.Errorf("created_at round trip mismatch: %v", all[0].CreatedAt)
	}

	onlyB, err := store.ListDecisions(ctx, DecisionFilter{ConnectionID: "b"})
	if err != nil {
		t.Fatalf("ListDecisions failed: %v", err)
	}
	if len(onlyB) != 2 {
		t.Errorf("expected 2 decisions for b, got %d", len(onlyB))
	}

	limited, err := store.ListDecisions(ctx, DecisionFilter{SessionID: "sess-a", Limit: 2})
	if err != nil {
		t.Fatalf("ListDecisions failed: %v", err)
	}
	if len(limited) != 2 || limited[0].RequestID != "req-4" {
		t.Errorf("unexpected limited result: %+v", limited)
	}
}

func TestMockStore_MatchesSQLiteBehavior(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()

	if _, err := m.GetSetting(ctx, "permissions", "approval_mode"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = m.SetSetting(ctx, "permissions", "approval_mode", "auto")
	if v, _ := m.GetSetting(ctx, "permissions", "approval_mode"); v != "auto" {
		t.Errorf("expected auto, got %q", v)
	}

	m.GetErr = errors.New("disk gone")
	if _, err := m.GetSetting(ctx, "permissions", "approval_mode"); err == nil {
		t.Error("expected injected error")
	}

	_ = m.RecordDecision(ctx, &Decision{RequestID: "1", ConnectionID: "a"})
	_ = m.RecordDecision(ctx, &Decision{RequestID: "2", ConnectionID: "b"})
	list, _ := m.ListDecisions(ctx, DecisionFilter{})
	if len(list) != 2 || list[0].RequestID != "2" {
		t.Errorf("expected newest first, got %+v", list)
	}
	list, _ = m.ListDecisions(ctx, DecisionFilter{ConnectionID: "a"})
	if len(list) != 1 || list[0].RequestID != "1" {
		t.Errorf("expected filter by connection, got %+v", list)
	}
}
