// ABOUTME: Store interfaces and data types for bridge persistence
// ABOUTME: Session records (state + transcript cursor) and the envelope ledger

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

// SessionRecord is the persisted view of a bridge session.
type SessionRecord struct {
	Code           string
	State          string // CREATING, RUNNING, DEGRADED, TERMINATED
	Cursor         int64  // transcript byte offset
	ReplyTo        string // last reply stream seen for the session
	TranscriptPath string
	Pid            int
	Reason         string // why the session was terminated or degraded
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Direction says whether a ledger entry entered or left the bridge.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// LedgerEntry records one envelope handled by the bridge.
type LedgerEntry struct {
	ID            string
	SessionCode   string
	Direction     Direction
	EnvelopeID    string // log entry id, when known
	CorrelationID string
	Stream        string // inbox for inbound entries, reply stream for outbound
	EnvelopeType  string
	Author        string
	Text          *string
	Timestamp     time.Time
}

// GetEntriesParams selects a page of ledger entries for a session.
type GetEntriesParams struct {
	SessionCode string     // Required
	Since       *time.Time // Optional: only entries at or after this time
	Until       *time.Time // Optional: only entries at or before this time
	Limit       int        // 1-500, defaults to 50
	Cursor      string     // Opaque cursor from a previous result
}

// GetEntriesResult is one page of ledger entries, oldest first.
type GetEntriesResult struct {
	Entries    []LedgerEntry
	NextCursor string
	HasMore    bool
}

// SessionStore persists session state and transcript cursors.
type SessionStore interface {
	// SaveSession inserts or replaces the record for rec.Code.
	SaveSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, code string) (*SessionRecord, error)
	// ListSessions returns sessions ordered by code. Terminated sessions are
	// included only when includeTerminated is set.
	ListSessions(ctx context.Context, includeTerminated bool) ([]*SessionRecord, error)
	// UpdateCursor advances the stored cursor. It never moves a cursor backwards.
	UpdateCursor(ctx context.Context, code string, cursor int64) error
}

// LedgerStore records envelopes flowing through the bridge.
type LedgerStore interface {
	SaveEntry(ctx context.Context, e *LedgerEntry) error
	GetEntries(ctx context.Context, p GetEntriesParams) (*GetEntriesResult, error)
	ListByCorrelation(ctx context.Context, correlationID string) ([]*LedgerEntry, error)
}

// Store is everything the bridge persists.
type Store interface {
	SessionStore
	LedgerStore
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return min(limit, 500)
}
