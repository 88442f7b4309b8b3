package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestScanMissingFile(t *testing.T) {
	tr := NewTranscript(filepath.Join(t.TempDir(), "none.jsonl"), 0, nil)

	size, err := tr.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	rec, cursor, err := tr.Scan(0)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, int64(0), cursor)
}

func TestScanLeavesPartialRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	tr := NewTranscript(path, 0, nil)

	first := `{"role":"user","content":"hi"}` + "\n"
	partial := `{"role":"assistant","content":[{"type":"text","text":"hel`
	appendFile(t, path, first+partial)

	rec, cursor, err := tr.Scan(0)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, int64(len(first)), cursor, "cursor must stop at the start of the partial record")

	appendFile(t, path, `lo"}]}`+"\n")
	rec, cursor, err = tr.Scan(cursor)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "hello", rec.Text)
	assert.Equal(t, int64(len(first)), rec.Offset)
	assert.Equal(t, rec.End, cursor)

	size, err := tr.Size()
	require.NoError(t, err)
	assert.Equal(t, size, cursor)
}

func TestScanSkipsNoiseAndOtherRoles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	tr := NewTranscript(path, 0, nil)

	appendFile(t, path, ""+
		"2026-01-01 WARN mcp_client::transport::stdio something\n"+
		"\n"+
		`{"role":"user","content":[{"type":"text","text":"question"}]}`+"\n"+
		`{"role":"assistant","content":[{"type":"toolRequest","id":"t1"}]}`+"\n"+
		`{"role":"assistant","content":[{"type":"text","text":"answer"},{"type":"text","text":"more"}]}`+"\n")

	rec, _, err := tr.Scan(0)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "answer\nmore", rec.Text)
}

func TestParseRecordContentShapes(t *testing.T) {
	tests := []struct {
		name string
		line string
		role string
		text string
		ok   bool
	}{
		{"string", `{"role":"assistant","content":"plain"}`, "assistant", "plain", true},
		{"object", `{"role":"assistant","content":{"text":"obj"}}`, "assistant", "obj", true},
		{"parts", `{"role":"assistant","content":[{"text":"a"},{"type":"image"},{"type":"text","text":"b"}]}`, "assistant", "a\nb", true},
		{"no content", `{"role":"assistant"}`, "assistant", "", true},
		{"not json", `Session ready`, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, text, ok := parseRecord([]byte(tt.line))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.role, role)
			assert.Equal(t, tt.text, text)
		})
	}
}

func TestScanRestartsWhenTranscriptShrinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	tr := NewTranscript(path, 0, nil)
	appendFile(t, path, `{"role":"assistant","content":"fresh"}`+"\n")

	rec, _, err := tr.Scan(10_000)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "fresh", rec.Text)
}

func TestNextWaitsForRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	tr := NewTranscript(path, 10*time.Millisecond, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		appendFile(t, path, `{"role":"assistant","content":"late"}`+"\n")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, cursor, err := tr.Next(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "late", rec.Text)
	assert.Equal(t, rec.End, cursor)
}

func TestNextReturnsCause(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	tr := NewTranscript(path, 10*time.Millisecond, nil)
	appendFile(t, path, `{"role":"user","content":"q"}`+"\n")

	stop := errors.New("stop")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel(stop)
	}()

	start := time.Now()
	rec, cursor, err := tr.Next(ctx, 0)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, int64(len(`{"role":"user","content":"q"}`)+1), cursor)
	assert.Less(t, time.Since(start), time.Second)
}
