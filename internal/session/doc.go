// Package session owns the long-lived external processes behind bridge sessions.
//
// # Lifecycle
//
// A session is identified by its code and moves through
//
//	CREATING -> RUNNING -> (DEGRADED -> RUNNING | TERMINATED)
//
// A session is created on the first envelope for an unseen code. An unexpected
// process exit moves it to DEGRADED, and the next lease that calls Ensure
// respawns it (throttled per session). Terminate, either from an operator or
// the idle reaper, is final: the process is stopped, any waiting turn is
// cancelled with ErrTerminated and the code may be reused by a new session.
//
// # Ownership
//
// The Registry is the only owner of process handles and transcript cursors.
// Callers obtain a Lease with Acquire, which serialises work per session while
// different sessions proceed concurrently:
//
//	lease, err := reg.Acquire(ctx, code)
//	if err != nil {
//	    return err
//	}
//	defer lease.Release()
//
//	if _, err := lease.Ensure(ctx); err != nil {
//	    return err
//	}
//	if err := lease.Send(ctx, []byte("hello")); err != nil {
//	    return err
//	}
//	rec, err := lease.Await(ctx, 0)
//
// # Transcripts
//
// Processes append JSONL records to a transcript file. Only newline-terminated
// records are parsed; a record still being written stays unread and the cursor
// stays at its start. Records with role "assistant" and non-empty text are
// replies. A turn timeout leaves the cursor where it got to, so a slow reply is
// picked up by the next turn.
package session
