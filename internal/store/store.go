// ABOUTME: Store interface and record types for host-side persistence.
// ABOUTME: Namespaced settings plus a permission decision ledger.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Setting is one namespaced key/value pair.
type Setting struct {
	Namespace string
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Decision sources.
const (
	SourceAuto      = "auto"
	SourceWhitelist = "whitelist"
	SourceUser      = "user"
	SourceFallback  = "fallback"
	SourceCancelled = "cancelled"
)

// Decision records how one permission request was resolved.
type Decision struct {
	ID           string
	RequestID    string
	ConnectionID string
	SessionID    string
	ToolCallID   string
	ToolName     string
	Command      string
	Mode         string
	Source       string
	Outcome      string
	OptionID     string
	CreatedAt    time.Time
}

// DecisionFilter narrows ListDecisions. Zero values match everything.
type DecisionFilter struct {
	ConnectionID string
	SessionID    string
	Limit        int
}

// SettingsStore reads and writes namespaced settings.
type SettingsStore interface {
	// GetSetting returns ErrNotFound when the key is absent.
	GetSetting(ctx context.Context, namespace, key string) (string, error)
	SetSetting(ctx context.Context, namespace, key, value string) error
	DeleteSetting(ctx context.Context, namespace, key string) error
	ListSettings(ctx context.Context, namespace string) ([]Setting, error)
}

// DecisionStore records permission decisions.
type DecisionStore interface {
	RecordDecision(ctx context.Context, d *Decision) error
	// ListDecisions returns newest first.
	ListDecisions(ctx context.Context, f DecisionFilter) ([]Decision, error)
}

// Store is the full persistence surface.
type Store interface {
	SettingsStore
	DecisionStore
	Close() error
}

const (
	defaultDecisionLimit = 50
	maxDecisionLimit     = 1000
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultDecisionLimit
	}
	if limit > maxDecisionLimit {
		return maxDecisionLimit
	}
	return limit
}
