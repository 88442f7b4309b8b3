// Package store persists bridge state using SQLite.
//
// # Architecture
//
// Two interfaces split the concerns:
//
//   - SessionStore: session lifecycle state and the transcript cursor of each session
//   - LedgerStore: an append-only record of envelopes entering and leaving the bridge
//
// SQLiteStore implements both (the Store interface) in a single struct. MockStore is
// an in-memory implementation for tests.
//
// # Cursors
//
// UpdateCursor never moves a cursor backwards, so a late write from a slow turn
// cannot rewind a session that has already read further.
//
// # Ledger pagination
//
// GetEntries returns entries oldest first. When more entries remain, the result
// carries an opaque NextCursor (base64 of "timestamp|entry_id") to pass back in
// GetEntriesParams.Cursor.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/aetherbus/bridge.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	err = s.SaveSession(ctx, &store.SessionRecord{Code: "sess_1a2b3c4d", State: "RUNNING"})
//	err = s.UpdateCursor(ctx, "sess_1a2b3c4d", 4096)
package store
