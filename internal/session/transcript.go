// ABOUTME: Offset-tracked JSONL transcript tailer for session processes
// ABOUTME: Only newline-terminated records are parsed; a partial trailing record waits for the next read

package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// RoleAssistant marks records written by the process itself.
const RoleAssistant = "assistant"

// DefaultPollInterval bounds how often a waiting tailer re-checks the file.
const DefaultPollInterval = 100 * time.Millisecond

// Record is one qualifying transcript record.
type Record struct {
	// Offset is where the record starts; End is just past its newline.
	Offset int64
	End    int64
	Role   string
	Text   string
}

// Transcript reads a JSONL file the process appends to.
type Transcript struct {
	path   string
	poll   time.Duration
	logger *slog.Logger
}

// NewTranscript returns a tailer for path. A zero poll uses DefaultPollInterval.
func NewTranscript(path string, poll time.Duration, logger *slog.Logger) *Transcript {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcript{path: path, poll: poll, logger: logger}
}

// Path returns the transcript file path.
func (t *Transcript) Path() string { return t.path }

// Size returns the current end-of-transcript offset. A missing file has size 0.
func (t *Transcript) Size() (int64, error) {
	fi, err := os.Stat(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat transcript: %w", err)
	}
	return fi.Size(), nil
}

// Scan reads complete records from offset and returns the first one written by
// the process. cursor is just past the last complete record examined: the
// returned record's End when one is found, otherwise the start of any partial
// trailing record. A nil record means nothing qualifying is there yet.
func (t *Transcript) Scan(offset int64) (rec *Record, cursor int64, err error) {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, offset, nil
	}
	if err != nil {
		return nil, offset, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, offset, fmt.Errorf("stat transcript: %w", err)
	}
	if fi.Size() < offset {
		t.logger.Warn("transcript shrank below cursor, rereading from start",
			"path", t.path, "cursor", offset, "size", fi.Size())
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seeking transcript: %w", err)
	}

	r := bufio.NewReader(f)
	cursor = offset
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// Unterminated tail: leave it for the writer to finish.
			return nil, cursor, nil
		}
		if err != nil {
			return nil, cursor, fmt.Errorf("reading transcript: %w", err)
		}
		start := cursor
		cursor += int64(len(line))

		role, text, ok := parseRecord(line)
		if !ok {
			if len(bytes.TrimSpace(line)) > 0 {
				t.logger.Debug("skipping unparseable transcript line", "path", t.path, "offset", start)
			}
			continue
		}
		if role != RoleAssistant || text == "" {
			continue
		}
		return &Record{Offset: start, End: cursor, Role: role, Text: text}, cursor, nil
	}
}

// Next waits for the first qualifying record at or after offset. It checks
// ctx at every poll and returns the cursor reached so far alongside ctx's
// cause when it gives up.
func (t *Transcript) Next(ctx context.Context, offset int64) (*Record, int64, error) {
	cursor := offset
	for {
		rec, next, err := t.Scan(cursor)
		if err != nil {
			return nil, cursor, err
		}
		cursor = next
		if rec != nil {
			return rec, cursor, nil
		}
		select {
		case <-ctx.Done():
			return nil, cursor, context.Cause(ctx)
		case <-time.After(t.poll):
		}
	}
}

type rawRecord struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseRecord extracts role and text. Content may be a string, an object with
// text, or an array of parts where parts of type "text" (or untyped) carry text.
func parseRecord(line []byte) (role, text string, ok bool) {
	var rec rawRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return "", "", false
	}
	c := bytes.TrimSpace(rec.Content)
	if len(c) == 0 {
		return rec.Role, "", true
	}
	switch c[0] {
	case '"':
		var s string
		if json.Unmarshal(c, &s) == nil {
			text = s
		}
	case '{':
		var part contentPart
		if json.Unmarshal(c, &part) == nil {
			text = part.Text
		}
	case '[':
		var parts []contentPart
		if json.Unmarshal(c, &parts) == nil {
			var texts []string
			for _, p := range parts {
				if (p.Type == "" || p.Type == "text") && p.Text != "" {
					texts = append(texts, p.Text)
				}
			}
			text = strings.Join(texts, "\n")
		}
	}
	return rec.Role, text, true
}
