// Package bridge connects an agent inbox to interactive session processes.
//
// Each inbound envelope is one turn:
//
//  1. Envelopes from roles outside AllowedRoles are acknowledged and skipped.
//  2. With a signer configured, auth_signature is checked; failures are malformed.
//  3. The session code comes from session_code, else from the reply_to affinity,
//     else a fresh sess_xxxxxxxx code. Only accepted envelopes bind a reply_to
//     to a session.
//  4. Under the session's lease the process is started or restarted, the text
//     (or the whole envelope as JSON) is written to it and the transcript is
//     tailed for the next assistant record.
//  5. The reply goes to reply_to (or the default reply stream) with the same
//     correlation id: message_reply, timeout or process_crash.
//
// Run feeds Handle from a consumer group keyed by session code, so turns for
// one session happen in inbox order while different sessions run in parallel.
package bridge
