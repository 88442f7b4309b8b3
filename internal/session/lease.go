// ABOUTME: Lease: exclusive access to one session for spawning, writing input and awaiting replies
// ABOUTME: Awaiting a reply is cancellable by crash, termination, turn timeout or the caller

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Lease is exclusive use of one session, obtained from Registry.Acquire.
type Lease struct {
	r       *Registry
	s       *session
	release sync.Once
}

// Code returns the session code.
func (l *Lease) Code() string { return l.s.code }

// Info returns a snapshot of the session.
func (l *Lease) Info() Info { return l.s.info() }

// Release gives up the lease. Safe to call more than once.
func (l *Lease) Release() {
	l.release.Do(func() {
		l.s.mu.Lock()
		l.s.lastActive = l.r.now()
		l.s.mu.Unlock()
		<-l.s.owner
	})
}

// Touch records activity and the reply stream the session last answered on.
// Later envelopes for that reply stream without a session code follow it here.
func (l *Lease) Touch(replyTo string) {
	l.s.mu.Lock()
	l.s.lastActive = l.r.now()
	if replyTo != "" {
		l.s.replyTo = replyTo
	}
	l.s.mu.Unlock()
	if replyTo != "" {
		l.r.bind(replyTo, l.s)
	}
}

// Ensure makes sure the session has a live process, spawning or respawning
// one if needed. It reports whether a process was started. A new process's
// cursor starts at the current end of its transcript.
func (l *Lease) Ensure(ctx context.Context) (bool, error) {
	s := l.s
	s.mu.Lock()
	switch {
	case s.state == StateTerminated:
		s.mu.Unlock()
		return false, ErrTerminated
	case s.state == StateRunning && s.proc != nil:
		s.mu.Unlock()
		return false, nil
	}
	prev := s.state
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("waiting to spawn session %s: %w", s.code, err)
	}

	logger := l.r.logger.With("session", s.code)
	proc, err := l.r.cfg.Spawner.Spawn(ctx, s.code)
	if err != nil {
		s.mu.Lock()
		if s.state.CanTransition(StateDegraded) {
			s.state = StateDegraded
			s.reason = err.Error()
		}
		s.mu.Unlock()
		l.r.persist(ctx, s)
		return false, fmt.Errorf("spawning session %s: %w", s.code, err)
	}

	transcript := NewTranscript(proc.TranscriptPath(), l.r.cfg.PollInterval, logger)
	size, err := transcript.Size()
	if err != nil {
		logger.Warn("could not size transcript, reading from start", "error", err)
		size = 0
	}

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		_ = proc.Terminate(context.WithoutCancel(ctx))
		return false, ErrTerminated
	}
	s.proc = proc
	s.transcript = transcript
	s.cursor = size
	s.state = StateRunning
	s.reason = ""
	if prev == StateDegraded {
		s.restarts++
	}
	s.mu.Unlock()

	go l.r.watch(s, proc)
	l.r.persist(ctx, s)

	if prev == StateDegraded {
		logger.Info("session respawned", "pid", proc.Pid(), "cursor", size)
	} else {
		logger.Info("session running", "pid", proc.Pid(), "cursor", size)
	}
	return true, nil
}

func (l *Lease) current() (Process, *Transcript, int64, error) {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateTerminated:
		return nil, nil, 0, ErrTerminated
	case s.proc == nil:
		return nil, nil, 0, ErrProcessCrash
	}
	return s.proc, s.transcript, s.cursor, nil
}

// Send writes one input line to the session's process.
func (l *Lease) Send(ctx context.Context, line []byte) error {
	proc, _, _, err := l.current()
	if err != nil {
		return err
	}
	if err := proc.WriteLine(ctx, line); err != nil {
		select {
		case <-proc.Done():
			return fmt.Errorf("%w: %v", ErrProcessCrash, err)
		default:
		}
		return err
	}
	l.Touch("")
	return nil
}

// Await waits up to timeout (zero uses the registry default) for the next
// reply record in the transcript and advances the cursor past it. A timeout
// leaves the session running. Errors are ErrTurnTimeout, ErrProcessCrash,
// ErrTerminated or the caller's context error.
func (l *Lease) Await(ctx context.Context, timeout time.Duration) (*Record, error) {
	if timeout <= 0 {
		timeout = l.r.cfg.TurnTimeout
	}
	s := l.s

	s.mu.Lock()
	switch {
	case s.state == StateTerminated:
		s.mu.Unlock()
		return nil, ErrTerminated
	case s.proc == nil:
		s.mu.Unlock()
		return nil, ErrProcessCrash
	}
	transcript, from := s.transcript, s.cursor
	turnCtx, cancel := context.WithCancelCause(ctx)
	s.cancelTurn = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cancelTurn = nil
		s.mu.Unlock()
		cancel(nil)
	}()

	waitCtx, cancelWait := context.WithTimeoutCause(turnCtx, timeout, ErrTurnTimeout)
	defer cancelWait()

	rec, cursor, err := transcript.Next(waitCtx, from)
	if errors.Is(err, ErrProcessCrash) {
		// The reply may have landed just before the exit.
		if last, c, serr := transcript.Scan(cursor); serr == nil && last != nil {
			rec, cursor, err = last, c, nil
		}
	}
	l.advance(ctx, from, cursor)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// advance moves the cursor and persists it. The cursor only moves backwards
// when the transcript was truncated underneath it.
func (l *Lease) advance(ctx context.Context, from, cursor int64) {
	s := l.s
	s.mu.Lock()
	if s.state == StateTerminated || cursor == from || s.cursor != from {
		s.mu.Unlock()
		return
	}
	s.cursor = cursor
	s.lastActive = l.r.now()
	s.mu.Unlock()

	st := l.r.cfg.Store
	if st == nil {
		return
	}
	if cursor < from {
		l.r.persist(ctx, s)
		return
	}
	if err := st.UpdateCursor(context.WithoutCancel(ctx), s.code, cursor); err != nil {
		l.r.logger.Warn("failed to persist cursor", "session", s.code, "cursor", cursor, "error", err)
	}
}
