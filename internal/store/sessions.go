// ABOUTME: Session record persistence for the SQLite store
// ABOUTME: Upserts session state and advances transcript cursors monotonically

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveSession inserts or replaces the record for rec.Code. CreatedAt is kept
// from the first save.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `
		INSERT INTO sessions (code, state, cursor, reply_to, transcript_path, pid, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			state = excluded.state,
			cursor = excluded.cursor,
			reply_to = excluded.reply_to,
			transcript_path = excluded.transcript_path,
			pid = excluded.pid,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.Code,
		rec.State,
		rec.Cursor,
		rec.ReplyTo,
		rec.TranscriptPath,
		rec.Pid,
		rec.Reason,
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	s.logger.Debug("saved session", "session", rec.Code, "state", rec.State, "cursor", rec.Cursor)
	return nil
}

const sessionColumns = `code, state, cursor, reply_to, transcript_path, pid, reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	rec := &SessionRecord{}
	var replyTo, transcript, reason sql.NullString
	var pid sql.NullInt64
	var created, updated string
	if err := row.Scan(&rec.Code, &rec.State, &rec.Cursor, &replyTo, &transcript, &pid, &reason, &created, &updated); err != nil {
		return nil, err
	}
	rec.ReplyTo = replyTo.String
	rec.TranscriptPath = transcript.String
	rec.Reason = reason.String
	rec.Pid = int(pid.Int64)

	var err error
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return rec, nil
}

// GetSession retrieves a session record by code
func (s *SQLiteStore) GetSession(ctx context.Context, code string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE code = ?`, code)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return rec, nil
}

// ListSessions returns session records ordered by code
func (s *SQLiteStore) ListSessions(ctx context.Context, includeTerminated bool) ([]*SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if !includeTerminated {
		query += ` WHERE state != 'TERMINATED'`
	}
	query += ` ORDER BY code ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return out, nil
}

// UpdateCursor moves the stored cursor forward. Older values are ignored.
func (s *SQLiteStore) UpdateCursor(ctx context.Context, code string, cursor int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET cursor = MAX(cursor, ?), updated_at = ? WHERE code = ?`,
		cursor, formatTime(time.Now()), code)
	if err != nil {
		return fmt.Errorf("updating cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating cursor: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
