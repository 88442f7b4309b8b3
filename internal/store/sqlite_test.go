// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers database creation, reopening, and schema migrations

package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bridge.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SaveSession(ctx, &SessionRecord{Code: "sess_keep", State: "RUNNING", Cursor: 77}))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetSession(ctx, "sess_keep")
	require.NoError(t, err)
	assert.Equal(t, int64(77), got.Cursor)
}

func TestSQLiteStore_MigratesOldSessionsTable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")

	// A database from before the reason column existed
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE sessions (
			code            TEXT PRIMARY KEY,
			state           TEXT NOT NULL,
			cursor          INTEGER NOT NULL DEFAULT 0,
			reply_to        TEXT,
			transcript_path TEXT,
			pid             INTEGER,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SaveSession(ctx, &SessionRecord{Code: "sess_m", State: "TERMINATED", Reason: "idle"}))
	got, err := s.GetSession(ctx, "sess_m")
	require.NoError(t, err)
	assert.Equal(t, "idle", got.Reason)
}

func TestSQLiteStore_RejectsUnknownState(t *testing.T) {
	s := setupTestStore(t)
	err := s.SaveSession(context.Background(), &SessionRecord{Code: "sess_bad", State: "SLEEPING"})
	assert.Error(t, err)
}
