// ABOUTME: In-process Backend with stream and consumer-group semantics for tests and local runs
// ABOUTME: Mirrors Redis Streams ids, pending entry lists, delivery counts and blocking reads

package transport

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

type streamID struct {
	ms, seq uint64
}

func (s streamID) String() string {
	return strconv.FormatUint(s.ms, 10) + "-" + strconv.FormatUint(s.seq, 10)
}

func (s streamID) less(o streamID) bool {
	if s.ms != o.ms {
		return s.ms < o.ms
	}
	return s.seq < o.seq
}

func parseStreamID(s string) (streamID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	var seq uint64
	if hasSeq {
		seq, err = strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return streamID{}, fmt.Errorf("invalid stream id %q", s)
		}
	}
	return streamID{ms: ms, seq: seq}, nil
}

type memEntry struct {
	id     streamID
	values map[string]string
}

type memPending struct {
	consumer  string
	count     int64
	delivered time.Time
}

type memGroup struct {
	lastDelivered streamID
	pending       map[streamID]*memPending
}

type memStream struct {
	entries []memEntry
	last    streamID
	groups  map[string]*memGroup
}

func (s *memStream) find(id streamID) (memEntry, bool) {
	i, ok := slices.BinarySearchFunc(s.entries, id, func(e memEntry, t streamID) int {
		switch {
		case e.id.less(t):
			return -1
		case t.less(e.id):
			return 1
		}
		return 0
	})
	if !ok {
		return memEntry{}, false
	}
	return s.entries[i], true
}

func (s *memStream) after(id streamID, count int64) []memEntry {
	var out []memEntry
	for _, e := range s.entries {
		if id.less(e.id) {
			out = append(out, e)
			if count > 0 && int64(len(out)) >= count {
				break
			}
		}
	}
	return out
}

// MemoryBackend is a Backend held entirely in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	streams map[string]*memStream
	wake    chan struct{}
	closed  bool
	now     func() time.Time
}

// NewMemoryBackend creates an empty in-memory log.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		streams: make(map[string]*memStream),
		wake:    make(chan struct{}),
		now:     time.Now,
	}
}

// Len returns the number of entries currently held in stream.
func (m *MemoryBackend) Len(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[stream]; ok {
		return len(s.entries)
	}
	return 0
}

func (m *MemoryBackend) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[name] = s
	}
	return s
}

// broadcast wakes every blocked reader. Callers hold mu.
func (m *MemoryBackend) broadcast() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *MemoryBackend) Add(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	s := m.stream(stream)
	id := streamID{ms: uint64(m.now().UnixMilli())}
	if !s.last.less(id) {
		id = streamID{ms: s.last.ms, seq: s.last.seq + 1}
	}
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	s.entries = append(s.entries, memEntry{id: id, values: copied})
	s.last = id
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		s.entries = slices.Clone(s.entries[int64(len(s.entries))-maxLen:])
	}
	m.broadcast()
	return id.String(), nil
}

// waitFor polls fn under the lock until it returns results, block elapses or ctx ends.
func (m *MemoryBackend) waitFor(ctx context.Context, block time.Duration, fn func() ([]Message, error)) ([]Message, error) {
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		msgs, err := fn()
		wake := m.wake
		m.mu.Unlock()
		if err != nil || len(msgs) > 0 || block <= 0 {
			return msgs, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
		}
	}
}

func (m *MemoryBackend) Read(ctx context.Context, stream, afterID string, count int64, block time.Duration) ([]Message, error) {
	m.mu.Lock()
	var after streamID
	var err error
	if afterID == "$" {
		if s, ok := m.streams[stream]; ok {
			after = s.last
		}
	} else {
		after, err = parseStreamID(afterID)
	}
	m.mu.Unlock()
	if err != nil {
		return nil, Permanent(err)
	}

	return m.waitFor(ctx, block, func() ([]Message, error) {
		s, ok := m.streams[stream]
		if !ok {
			return nil, nil
		}
		entries := s.after(after, count)
		msgs := make([]Message, 0, len(entries))
		for _, e := range entries {
			msgs = append(msgs, Message{ID: e.id.String(), Values: e.values})
		}
		return msgs, nil
	})
}

func (m *MemoryBackend) Last(ctx context.Context, stream string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok || len(s.entries) == 0 {
		return "", nil
	}
	return s.entries[len(s.entries)-1].id.String(), nil
}

func (m *MemoryBackend) Exists(ctx context.Context, stream string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[stream]
	return ok, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, stream string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, stream)
	return nil
}

func (m *MemoryBackend) CreateGroup(ctx context.Context, stream, group, startID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	s := m.stream(stream)
	if _, ok := s.groups[group]; ok {
		return ErrGroupExists
	}
	var start streamID
	switch startID {
	case "$":
		start = s.last
	case "", "0":
	default:
		var err error
		if start, err = parseStreamID(startID); err != nil {
			return Permanent(err)
		}
	}
	s.groups[group] = &memGroup{lastDelivered: start, pending: make(map[streamID]*memPending)}
	return nil
}

func (m *MemoryBackend) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	return m.waitFor(ctx, block, func() ([]Message, error) {
		s, ok := m.streams[stream]
		if !ok {
			return nil, ErrNoGroup
		}
		g, ok := s.groups[group]
		if !ok {
			return nil, ErrNoGroup
		}
		now := m.now()
		entries := s.after(g.lastDelivered, count)
		msgs := make([]Message, 0, len(entries))
		for _, e := range entries {
			g.lastDelivered = e.id
			g.pending[e.id] = &memPending{consumer: consumer, count: 1, delivered: now}
			msgs = append(msgs, Message{ID: e.id.String(), Values: e.values, DeliveryCount: 1})
		}
		return msgs, nil
	})
}

func (m *MemoryBackend) pendingIDs(g *memGroup) []streamID {
	ids := make([]streamID, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b streamID) int {
		switch {
		case a.less(b):
			return -1
		case b.less(a):
			return 1
		}
		return 0
	})
	return ids
}

func (m *MemoryBackend) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64, skip []string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil, ErrNoGroup
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, ErrNoGroup
	}

	now := m.now()
	var msgs []Message
	for _, id := range m.pendingIDs(g) {
		if count > 0 && int64(len(msgs)) >= count {
			break
		}
		p := g.pending[id]
		if now.Sub(p.delivered) < minIdle || slices.Contains(skip, id.String()) {
			continue
		}
		e, found := s.find(id)
		if !found {
			// Trimmed away while pending.
			delete(g.pending, id)
			continue
		}
		p.consumer = consumer
		p.count++
		p.delivered = now
		msgs = append(msgs, Message{ID: id.String(), Values: e.values, DeliveryCount: p.count})
	}
	return msgs, nil
}

func (m *MemoryBackend) Touch(ctx context.Context, stream, group, consumer string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return ErrNoGroup
	}
	g, ok := s.groups[group]
	if !ok {
		return ErrNoGroup
	}
	now := m.now()
	for _, raw := range ids {
		id, err := parseStreamID(raw)
		if err != nil {
			return Permanent(err)
		}
		if p, held := g.pending[id]; held && p.consumer == consumer {
			p.delivered = now
		}
	}
	return nil
}

func (m *MemoryBackend) Ack(ctx context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	for _, raw := range ids {
		id, err := parseStreamID(raw)
		if err != nil {
			return Permanent(err)
		}
		delete(g.pending, id)
	}
	return nil
}

func (m *MemoryBackend) Pending(ctx context.Context, stream, group string, count int64) ([]PendingInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil, ErrNoGroup
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, ErrNoGroup
	}
	now := m.now()
	var out []PendingInfo
	for _, id := range m.pendingIDs(g) {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		p := g.pending[id]
		out = append(out, PendingInfo{ID: id.String(), Consumer: p.consumer, Idle: now.Sub(p.delivered), DeliveryCount: p.count})
	}
	return out, nil
}

func (m *MemoryBackend) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.broadcast()
	}
	return nil
}
