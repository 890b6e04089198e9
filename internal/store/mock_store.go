// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject read failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	settings  map[string]map[string]Setting // namespace -> key -> setting
	decisions []Decision

	// GetErr, when set, is returned by every GetSetting call.
	GetErr error
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		settings: make(map[string]map[string]Setting),
	}
}

func (m *MockStore) GetSetting(ctx context.Context, namespace, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.GetErr != nil {
		return "", m.GetErr
	}
	st, ok := m.settings[namespace][key]
	if !ok {
		return "", ErrNotFound
	}
	return st.Value, nil
}

func (m *MockStore) SetSetting(ctx context.Context, namespace, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settings[namespace]; !ok {
		m.settings[namespace] = make(map[string]Setting)
	}
	m.settings[namespace][key] = Setting{Namespace: namespace, Key: key, Value: value, UpdatedAt: time.Now()}
	return nil
}

func (m *MockStore) DeleteSetting(ctx context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settings[namespace], key)
	return nil
}

func (m *MockStore) ListSettings(ctx context.Context, namespace string) ([]Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Setting{}
	for _, st := range m.settings[namespace] {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MockStore) RecordDecision(ctx context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	m.decisions = append(m.decisions, *d)
	return nil
}

// ListDecisions returns matching decisions, newest first.
func (m *MockStore) ListDecisions(ctx context.Context, f DecisionFilter) ([]Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := normalizeLimit(f.Limit)
	out := []Decision{}
	for i := len(m.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		d := m.decisions[i]
		if f.ConnectionID != "" && d.ConnectionID != f.ConnectionID {
			continue
		}
		if f.SessionID != "" && d.SessionID != f.SessionID {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *MockStore) Close() error { return nil }
