// ABOUTME: Session Registry: sole owner of session processes, transcript cursors and lifecycle state
// ABOUTME: Leases give one caller at a time exclusive use of a session; different sessions run concurrently

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/aetherbus/internal/store"
)

// Defaults applied by NewRegistry.
const (
	DefaultTurnTimeout     = 120 * time.Second
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultRespawnInterval = 5 * time.Second
	DefaultRespawnBurst    = 2
	terminateGrace         = 5 * time.Second
)

// Config configures a Registry.
type Config struct {
	Spawner Spawner
	// Store persists state and cursors. Optional.
	Store        store.SessionStore
	TurnTimeout  time.Duration
	IdleTimeout  time.Duration
	PollInterval time.Duration
	// RespawnInterval and RespawnBurst throttle spawns per session.
	RespawnInterval time.Duration
	RespawnBurst    int
	Logger          *slog.Logger
}

// Info is a point-in-time view of a session.
type Info struct {
	Code       string    `json:"session_code"`
	State      string    `json:"state"`
	Pid        int       `json:"pid,omitempty"`
	Cursor     int64     `json:"cursor"`
	ReplyTo    string    `json:"reply_to,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Busy       bool      `json:"busy"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Restarts   int       `json:"restarts"`
}

type session struct {
	code    string
	created time.Time
	limiter *rate.Limiter

	// owner is the exclusive lease; holding its slot means owning the session.
	owner chan struct{}

	mu         sync.Mutex
	state      State
	proc       Process
	transcript *Transcript
	cursor     int64
	replyTo    string
	lastActive time.Time
	restarts   int
	reason     string
	// cancelTurn is set while a lease waits on the transcript.
	cancelTurn context.CancelCauseFunc
}

// Registry owns every session.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	affinity map[string]string // reply_to -> session code
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Spawner == nil {
		return nil, errors.New("session: spawner is required")
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.RespawnInterval <= 0 {
		cfg.RespawnInterval = DefaultRespawnInterval
	}
	if cfg.RespawnBurst <= 0 {
		cfg.RespawnBurst = DefaultRespawnBurst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger.With("component", "sessions"),
		now:      time.Now,
		sessions: make(map[string]*session),
		affinity: make(map[string]string),
	}, nil
}

// MintCode returns a fresh session code.
func MintCode() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Peek returns the session an envelope belongs to without changing any
// state: sessionCode when set, else the session last bound to replyTo.
// ok is false when the envelope would start a new session.
func (r *Registry) Peek(sessionCode, replyTo string) (string, bool) {
	if sessionCode != "" {
		return sessionCode, true
	}
	if replyTo == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.affinity[replyTo]
	return code, ok
}

// bind remembers that replies for replyTo go to the live session s.
func (r *Registry) bind(replyTo string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.code] == s {
		r.affinity[replyTo] = s.code
	}
}

func (r *Registry) getOrCreate(code string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[code]; ok {
		return s
	}
	now := r.now()
	s := &session{
		code:       code,
		created:    now,
		lastActive: now,
		state:      StateCreating,
		owner:      make(chan struct{}, 1),
		limiter:    rate.NewLimiter(rate.Every(r.cfg.RespawnInterval), r.cfg.RespawnBurst),
	}
	r.sessions[code] = s
	r.logger.Info("session created", "session", code)
	return s
}

// Acquire waits for exclusive use of the session with code, creating it if
// needed. The lease must be released.
func (r *Registry) Acquire(ctx context.Context, code string) (*Lease, error) {
	if code == "" {
		return nil, errors.New("session: empty session code")
	}
	for {
		s := r.getOrCreate(code)
		select {
		case s.owner <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
		terminated := s.state == StateTerminated
		s.mu.Unlock()
		if !terminated {
			return &Lease{r: r, s: s}, nil
		}
		// Lost a race with Terminate; a later envelope starts a fresh session.
		<-s.owner
	}
}

// Lookup returns a snapshot of the session with code.
func (r *Registry) Lookup(code string) (Info, bool) {
	r.mu.Lock()
	s, ok := r.sessions[code]
	r.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// List returns snapshots of all live sessions ordered by code.
func (r *Registry) List() []Info {
	r.mu.Lock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Counts returns the number of live sessions per state.
func (r *Registry) Counts() map[string]int {
	counts := map[string]int{
		StateCreating.String(): 0,
		StateRunning.String():  0,
		StateDegraded.String(): 0,
	}
	for _, info := range r.List() {
		counts[info.State]++
	}
	return counts
}

func (s *session) info() Info {
	busy := len(s.owner) > 0
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		Code:       s.code,
		State:      s.state.String(),
		Cursor:     s.cursor,
		ReplyTo:    s.replyTo,
		Busy:       busy,
		CreatedAt:  s.created,
		LastActive: s.lastActive,
		Restarts:   s.restarts,
	}
	if s.proc != nil {
		info.Pid = s.proc.Pid()
	}
	if s.transcript != nil {
		info.Transcript = s.transcript.Path()
	}
	return info
}

// Terminate stops the session with code, cancelling any turn waiting on it.
// The process handle and cursor are released and the code becomes free.
func (r *Registry) Terminate(ctx context.Context, code, reason string) error {
	r.mu.Lock()
	s, ok := r.sessions[code]
	if ok {
		delete(r.sessions, code)
		for replyTo, c := range r.affinity {
			if c == code {
				delete(r.affinity, replyTo)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, code)
	}

	s.mu.Lock()
	s.state = StateTerminated
	s.reason = reason
	proc := s.proc
	s.proc = nil
	s.transcript = nil
	if s.cancelTurn != nil {
		s.cancelTurn(ErrTerminated)
	}
	s.mu.Unlock()

	if proc != nil {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminateGrace)
		defer cancel()
		if err := proc.Terminate(tctx); err != nil {
			r.logger.Warn("failed to stop session process", "session", code, "error", err)
		}
	}
	r.persist(ctx, s)
	r.logger.Info("session terminated", "session", code, "reason", reason)
	return nil
}

// ReapIdle terminates sessions idle longer than the idle timeout that are not
// in use. It returns the codes it terminated.
func (r *Registry) ReapIdle(ctx context.Context, now time.Time) []string {
	r.mu.Lock()
	candidates := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].code < candidates[j].code })

	var reaped []string
	for _, s := range candidates {
		select {
		case s.owner <- struct{}{}:
		default:
			continue // busy
		}
		s.mu.Lock()
		idle := now.Sub(s.lastActive) > r.cfg.IdleTimeout
		s.mu.Unlock()
		if idle && r.Terminate(ctx, s.code, "idle timeout") == nil {
			reaped = append(reaped, s.code)
		}
		<-s.owner
	}
	return reaped
}

// RunReaper calls ReapIdle every interval until ctx ends.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = max(r.cfg.IdleTimeout/4, time.Second)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := r.ReapIdle(ctx, r.now()); len(reaped) > 0 {
				r.logger.Info("reaped idle sessions", "count", len(reaped), "sessions", reaped)
			}
		}
	}
}

// Close terminates every session.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	codes := make([]string, 0, len(r.sessions))
	for code := range r.sessions {
		codes = append(codes, code)
	}
	r.mu.Unlock()
	for _, code := range codes {
		_ = r.Terminate(ctx, code, "shutdown")
	}
}

func (r *Registry) persist(ctx context.Context, s *session) {
	if r.cfg.Store == nil {
		return
	}
	s.mu.Lock()
	rec := &store.SessionRecord{
		Code:      s.code,
		State:     s.state.String(),
		Cursor:    s.cursor,
		ReplyTo:   s.replyTo,
		Reason:    s.reason,
		CreatedAt: s.created,
	}
	if s.proc != nil {
		rec.Pid = s.proc.Pid()
	}
	if s.transcript != nil {
		rec.TranscriptPath = s.transcript.Path()
	}
	s.mu.Unlock()

	if err := r.cfg.Store.SaveSession(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("failed to persist session", "session", s.code, "error", err)
	}
}

// watch moves the session to DEGRADED when proc exits while still current,
// cancelling a waiting turn with ErrProcessCrash.
func (r *Registry) watch(s *session, proc Process) {
	<-proc.Done()

	s.mu.Lock()
	if s.proc != proc || s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	exitErr := proc.Err()
	s.state = StateDegraded
	s.proc = nil
	s.reason = fmt.Sprintf("process exited: %v", exitErr)
	if s.cancelTurn != nil {
		s.cancelTurn(ErrProcessCrash)
	}
	s.mu.Unlock()

	r.logger.Warn("session process exited unexpectedly", "session", s.code, "error", exitErr)
	r.persist(context.Background(), s)
}
