package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// eachStore runs fn against both implementations so MockStore keeps matching SQLiteStore.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func strPtr(s string) *string { return &s }

func TestStore_SaveAndGetSession(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		rec := &SessionRecord{
			Code:           "sess_1a2b3c4d",
			State:          "RUNNING",
			Cursor:         128,
			ReplyTo:        "AG1:agent:alice:inbox",
			TranscriptPath: "/tmp/sess_1a2b3c4d.jsonl",
			Pid:            4242,
		}
		require.NoError(t, s.SaveSession(ctx, rec))

		got, err := s.GetSession(ctx, "sess_1a2b3c4d")
		require.NoError(t, err)
		assert.Equal(t, "RUNNING", got.State)
		assert.Equal(t, int64(128), got.Cursor)
		assert.Equal(t, "AG1:agent:alice:inbox", got.ReplyTo)
		assert.Equal(t, 4242, got.Pid)
		assert.False(t, got.CreatedAt.IsZero())

		// Upsert keeps the creation time
		created := got.CreatedAt
		rec2 := &SessionRecord{Code: "sess_1a2b3c4d", State: "DEGRADED", Cursor: 128, Reason: "exit status 1"}
		require.NoError(t, s.SaveSession(ctx, rec2))

		got, err = s.GetSession(ctx, "sess_1a2b3c4d")
		require.NoError(t, err)
		assert.Equal(t, "DEGRADED", got.State)
		assert.Equal(t, "exit status 1", got.Reason)
		assert.WithinDuration(t, created, got.CreatedAt, time.Millisecond)
	})
}

func TestStore_GetSessionNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetSession(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListSessions(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, rec := range []*SessionRecord{
			{Code: "sess_c", State: "RUNNING"},
			{Code: "sess_a", State: "TERMINATED"},
			{Code: "sess_b", State: "DEGRADED"},
		} {
			require.NoError(t, s.SaveSession(ctx, rec))
		}

		live, err := s.ListSessions(ctx, false)
		require.NoError(t, err)
		require.Len(t, live, 2)
		assert.Equal(t, "sess_b", live[0].Code)
		assert.Equal(t, "sess_c", live[1].Code)

		all, err := s.ListSessions(ctx, true)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestStore_UpdateCursorIsMonotonic(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveSession(ctx, &SessionRecord{Code: "sess_x", State: "RUNNING", Cursor: 10}))

		require.NoError(t, s.UpdateCursor(ctx, "sess_x", 50))
		require.NoError(t, s.UpdateCursor(ctx, "sess_x", 20))

		got, err := s.GetSession(ctx, "sess_x")
		require.NoError(t, err)
		assert.Equal(t, int64(50), got.Cursor)

		assert.ErrorIs(t, s.UpdateCursor(ctx, "nope", 1), ErrNotFound)
	})
}

func TestStore_LedgerPagination(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		for i := range 5 {
			e := &LedgerEntry{
				SessionCode:   "sess_p",
				Direction:     DirectionInbound,
				CorrelationID: "cid",
				Stream:        "AG1:agent:bridge:inbox",
				EnvelopeType:  "message",
				Author:        "alice",
				Text:          strPtr(string(rune('a' + i))),
				Timestamp:     base.Add(time.Duration(i) * time.Millisecond),
			}
			require.NoError(t, s.SaveEntry(ctx, e))
			assert.NotEmpty(t, e.ID)
		}
		// Another session's entries never show up
		require.NoError(t, s.SaveEntry(ctx, &LedgerEntry{
			SessionCode: "sess_other", Direction: DirectionOutbound, Stream: "x", EnvelopeType: "message_reply", Author: "bridge",
		}))

		page, err := s.GetEntries(ctx, GetEntriesParams{SessionCode: "sess_p", Limit: 2})
		require.NoError(t, err)
		require.Len(t, page.Entries, 2)
		assert.True(t, page.HasMore)
		assert.Equal(t, "a", *page.Entries[0].Text)
		assert.Equal(t, "b", *page.Entries[1].Text)

		var texts []string
		cursor := page.NextCursor
		for cursor != "" {
			page, err = s.GetEntries(ctx, GetEntriesParams{SessionCode: "sess_p", Limit: 2, Cursor: cursor})
			require.NoError(t, err)
			for _, e := range page.Entries {
				texts = append(texts, *e.Text)
			}
			cursor = page.NextCursor
		}
		assert.Equal(t, []string{"c", "d", "e"}, texts)
	})
}

func TestStore_GetEntriesRequiresSession(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetEntries(context.Background(), GetEntriesParams{})
		assert.Error(t, err)
	})
}

func TestStore_ListByCorrelation(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()
		require.NoError(t, s.SaveEntry(ctx, &LedgerEntry{
			SessionCode: "sess_q", Direction: DirectionInbound, CorrelationID: "c1",
			Stream: "in", EnvelopeType: "message", Author: "alice", Timestamp: now,
		}))
		require.NoError(t, s.SaveEntry(ctx, &LedgerEntry{
			SessionCode: "sess_q", Direction: DirectionOutbound, CorrelationID: "c1",
			Stream: "out", EnvelopeType: "message_reply", Author: "bridge", Timestamp: now.Add(time.Millisecond),
		}))
		require.NoError(t, s.SaveEntry(ctx, &LedgerEntry{
			SessionCode: "sess_q", Direction: DirectionInbound, CorrelationID: "c2",
			Stream: "in", EnvelopeType: "message", Author: "alice", Timestamp: now,
		}))

		got, err := s.ListByCorrelation(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, DirectionInbound, got[0].Direction)
		assert.Equal(t, DirectionOutbound, got[1].Direction)
		assert.Equal(t, "message_reply", got[1].EnvelopeType)
	})
}

func TestStore_DuplicateEntryID(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		e := &LedgerEntry{ID: "fixed", SessionCode: "s", Direction: DirectionInbound, Stream: "in", EnvelopeType: "message", Author: "a"}
		require.NoError(t, s.SaveEntry(ctx, e))
		e2 := *e
		assert.Error(t, s.SaveEntry(ctx, &e2))
	})
}
