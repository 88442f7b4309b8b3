// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord // keyed by session code
	entries  []*LedgerEntry            // append order
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*SessionRecord),
	}
}

// SaveSession stores a copy of rec.
func (m *MockStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if old, ok := m.sessions[rec.Code]; ok && rec.CreatedAt.IsZero() {
		rec.CreatedAt = old.CreatedAt
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	// Make a copy to avoid external modification
	r := *rec
	m.sessions[r.Code] = &r
	return nil
}

// GetSession retrieves a session record by code.
func (m *MockStore) GetSession(ctx context.Context, code string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.sessions[code]
	if !ok {
		return nil, ErrNotFound
	}
	r := *rec
	return &r, nil
}

// ListSessions returns session records ordered by code.
func (m *MockStore) ListSessions(ctx context.Context, includeTerminated bool) ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*SessionRecord
	for _, rec := range m.sessions {
		if !includeTerminated && rec.State == "TERMINATED" {
			continue
		}
		r := *rec
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// UpdateCursor moves the stored cursor forward.
func (m *MockStore) UpdateCursor(ctx context.Context, code string, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[code]
	if !ok {
		return ErrNotFound
	}
	rec.Cursor = max(rec.Cursor, cursor)
	rec.UpdatedAt = time.Now()
	return nil
}

// SaveEntry appends a copy of e.
func (m *MockStore) SaveEntry(ctx context.Context, e *LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	for _, existing := range m.entries {
		if existing.ID == e.ID {
			return fmt.Errorf("inserting ledger entry: duplicate id %s", e.ID)
		}
	}
	c := *e
	m.entries = append(m.entries, &c)
	return nil
}

// GetEntries pages through a session's ledger in append order.
func (m *MockStore) GetEntries(ctx context.Context, p GetEntriesParams) (*GetEntriesResult, error) {
	if p.SessionCode == "" {
		return nil, errors.New("session_code required")
	}
	p.Limit = clampLimit(p.Limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	skipping := p.Cursor != ""
	var cursorID string
	if skipping {
		var err error
		if _, cursorID, err = decodeCursor(p.Cursor); err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
	}

	var entries []LedgerEntry
	for _, e := range m.entries {
		if e.SessionCode != p.SessionCode {
			continue
		}
		if skipping {
			if e.ID == cursorID {
				skipping = false
			}
			continue
		}
		if p.Since != nil && e.Timestamp.Before(*p.Since) {
			continue
		}
		if p.Until != nil && e.Timestamp.After(*p.Until) {
			continue
		}
		entries = append(entries, *e)
		if len(entries) > p.Limit {
			break
		}
	}

	hasMore := len(entries) > p.Limit
	if hasMore {
		entries = entries[:p.Limit]
	}
	result := &GetEntriesResult{Entries: entries, HasMore: hasMore}
	if hasMore && len(entries) > 0 {
		last := entries[len(entries)-1]
		result.NextCursor = encodeCursor(last.Timestamp, last.ID)
	}
	return result, nil
}

// ListByCorrelation returns entries sharing a correlation id in append order.
func (m *MockStore) ListByCorrelation(ctx context.Context, correlationID string) ([]*LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*LedgerEntry
	for _, e := range m.entries {
		if e.CorrelationID == correlationID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// Compile-time interface checks
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
