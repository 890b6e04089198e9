// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Creates the schema on open and applies column migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat has fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS settings (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		);

		CREATE TABLE IF NOT EXISTS permission_decisions (
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
		);

		CREATE INDEX IF NOT EXISTS idx_decisions_created ON permission_decisions(created_at);
		CREATE INDEX IF NOT EXISTS idx_decisions_connection ON permission_decisions(connection_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema version.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('permission_decisions') WHERE name = 'command'`,
			apply:  `ALTER TABLE permission_decisions ADD COLUMN command TEXT NOT NULL DEFAULT ''`,
			column: "command",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('permission_decisions') WHERE name = 'mode'`,
			apply:  `ALTER TABLE permission_decisions ADD COLUMN mode TEXT NOT NULL DEFAULT ''`,
			column: "mode",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to permission_decisions: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "permission_decisions")
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSetting retrieves a setting value.
func (s *SQLiteStore) GetSetting(ctx context.Context, namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying setting %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// SetSetting creates or replaces a setting.
func (s *SQLiteStore) SetSetting(ctx context.Context, namespace, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, namespace, key, value, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("saving setting %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteSetting removes a setting. Missing keys are not an error.
func (s *SQLiteStore) DeleteSetting(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM settings WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("deleting setting %s/%s: %w", namespace, key, err)
	}
	return nil
}

// ListSettings returns every setting in a namespace, sorted by key.
func (s *SQLiteStore) ListSettings(ctx context.Context, namespace string) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT namespace, key, value, updated_at FROM settings WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	settings := []Setting{}
	for rows.Next() {
		var st Setting
		var updatedAt string
		if err := rows.Scan(&st.Namespace, &st.Key, &st.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning setting: %w", err)
		}
		st.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
		settings = append(settings, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating settings: %w", err)
	}
	return settings, nil
}

// RecordDecision appends a decision. ID and CreatedAt are filled if empty.
func (s *SQLiteStore) RecordDecision(ctx context.Context, d *Decision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_decisions
			(id, request_id, connection_id, session_id, tool_call_id, tool_name, command, mode, source, outcome, option_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.RequestID, d.ConnectionID, d.SessionID, d.ToolCallID, d.ToolName, d.Command, d.Mode,
		d.Source, d.Outcome, d.OptionID, d.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("inserting decision: %w", err)
	}
	return nil
}

const decisionQuery = `
	SELECT id, request_id, connection_id, session_id, tool_call_id, tool_name, command, mode, source, outcome, option_id, created_at
	FROM permission_decisions
	WHERE (? = '' OR connection_id = ?)
	  AND (? = '' OR session_id = ?)
	ORDER BY created_at DESC, rowid DESC
	LIMIT ?
`

// ListDecisions returns decisions matching the filter, newest first.
func (s *SQLiteStore) ListDecisions(ctx context.Context, f DecisionFilter) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, decisionQuery,
		f.ConnectionID, f.ConnectionID,
		f.SessionID, f.SessionID,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	decisions := []Decision{}
	for rows.Next() {
		var d Decision
		var createdAt string
		if err := rows.Scan(&d.ID, &d.RequestID, &d.ConnectionID, &d.SessionID, &d.ToolCallID, &d.ToolName,
			&d.Command, &d.Mode, &d.Source, &d.Outcome, &d.OptionID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		d.CreatedAt, err = time.Parse(timeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating decisions: %w", err)
	}
	return decisions, nil
}
