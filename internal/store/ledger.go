// ABOUTME: Envelope ledger for the SQLite store: inbound requests and outbound replies per session
// ABOUTME: Supports cursor pagination and lookup by correlation id

package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SaveEntry persists a ledger entry. An empty ID or Timestamp is filled in.
func (s *SQLiteStore) SaveEntry(ctx context.Context, e *LedgerEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	query := `
		INSERT INTO ledger_entries (
			entry_id, session_code, direction, envelope_id, correlation_id, stream,
			envelope_type, author, text, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.SessionCode,
		string(e.Direction),
		e.EnvelopeID,
		e.CorrelationID,
		e.Stream,
		e.EnvelopeType,
		e.Author,
		e.Text,
		formatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting ledger entry: %w", err)
	}

	s.logger.Debug("saved ledger entry",
		"entry_id", e.ID,
		"session", e.SessionCode,
		"direction", e.Direction,
		"type", e.EnvelopeType,
	)
	return nil
}

const entryColumns = `entry_id, session_code, direction, envelope_id, correlation_id, stream,
		envelope_type, author, text, timestamp`

func scanEntry(row rowScanner) (*LedgerEntry, error) {
	e := &LedgerEntry{}
	var direction, ts string
	var envelopeID, correlationID *string
	if err := row.Scan(
		&e.ID,
		&e.SessionCode,
		&direction,
		&envelopeID,
		&correlationID,
		&e.Stream,
		&e.EnvelopeType,
		&e.Author,
		&e.Text,
		&ts,
	); err != nil {
		return nil, err
	}
	e.Direction = Direction(direction)
	if envelopeID != nil {
		e.EnvelopeID = *envelopeID
	}
	if correlationID != nil {
		e.CorrelationID = *correlationID
	}
	var err error
	if e.Timestamp, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return e, nil
}

// ListByCorrelation returns every entry sharing a correlation id, oldest first
func (s *SQLiteStore) ListByCorrelation(ctx context.Context, correlationID string) ([]*LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE correlation_id = ? ORDER BY timestamp ASC, entry_id ASC`,
		correlationID)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer rows.Close()

	var out []*LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ledger rows: %w", err)
	}
	return out, nil
}

// encodeCursor creates an opaque cursor string from a timestamp and entry ID.
// Format is base64(timestamp|entry_id)
func encodeCursor(ts time.Time, id string) string {
	data := fmt.Sprintf("%s|%s", formatTime(ts), id)
	return base64.StdEncoding.EncodeToString([]byte(data))
}

// decodeCursor parses an opaque cursor string into a timestamp and entry ID.
func decodeCursor(cursor string) (time.Time, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format: expected timestamp|entry_id")
	}

	ts, err := parseTime(parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor timestamp: %w", err)
	}

	return ts, parts[1], nil
}

// GetEntries retrieves a session's ledger with pagination support.
// Entries are returned in chronological order (oldest first).
func (s *SQLiteStore) GetEntries(ctx context.Context, p GetEntriesParams) (*GetEntriesResult, error) {
	if p.SessionCode == "" {
		return nil, errors.New("session_code required")
	}
	p.Limit = clampLimit(p.Limit)

	var cursorTS time.Time
	var cursorID string
	if p.Cursor != "" {
		var err error
		cursorTS, cursorID, err = decodeCursor(p.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
	}

	var args []any
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE session_code = ?`
	args = append(args, p.SessionCode)

	if p.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, formatTime(*p.Since))
	}
	if p.Until != nil {
		query += ` AND timestamp <= ?`
		args = append(args, formatTime(*p.Until))
	}
	if p.Cursor != "" {
		query += ` AND (timestamp > ? OR (timestamp = ? AND entry_id > ?))`
		args = append(args, formatTime(cursorTS), formatTime(cursorTS), cursorID)
	}

	// timestamp then entry_id keeps pagination deterministic
	query += ` ORDER BY timestamp ASC, entry_id ASC LIMIT ?`
	args = append(args, p.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ledger rows: %w", err)
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
