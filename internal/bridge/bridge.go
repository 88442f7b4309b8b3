// ABOUTME: Session bridge: turns inbound envelopes into process input and transcript replies into envelopes
// ABOUTME: One turn per envelope under the session's lease; replies go to reply_to with the same correlation id

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/aetherbus/internal/auth"
	"github.com/2389/aetherbus/internal/consumer"
	"github.com/2389/aetherbus/internal/envelope"
	"github.com/2389/aetherbus/internal/metrics"
	"github.com/2389/aetherbus/internal/session"
	"github.com/2389/aetherbus/internal/store"
	"github.com/2389/aetherbus/internal/transport"
)

// Input formats written to the session process.
const (
	InputText     = "text"
	InputEnvelope = "envelope"
)

// MetaStreamKey names the meta entry carrying the stream the bridge answers for.
const MetaStreamKey = "x_stream_key"

// Turn outcomes, as recorded in metrics.
const (
	OutcomeReplied  = "replied"
	OutcomeTimeout  = "timeout"
	OutcomeCrash    = "process_crash"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
	OutcomeRejected = "rejected"
)

// Config configures a Bridge.
type Config struct {
	// Self is the agent name stamped on replies.
	Self string
	// Inbox is the stream the bridge consumes and reports as x_stream_key.
	Inbox string
	// DefaultReplyStream receives replies to envelopes without reply_to.
	DefaultReplyStream string
	// AllowedRoles lists sender roles that start a turn. Nil means ["user"];
	// an empty non-nil slice accepts every role.
	AllowedRoles []string
	InputFormat  string
	// ProgressReplies sends a progress envelope before each turn.
	ProgressReplies bool
	// TurnTimeout bounds one turn. Zero uses the session registry default.
	TurnTimeout time.Duration
	// RequireSignatures rejects unsigned envelopes. Needs a signer.
	RequireSignatures bool
	ReapInterval      time.Duration
	// Consumer configures the inbox coordinator used by Run.
	Consumer consumer.Config
	Logger   *slog.Logger
}

// Bridge drives session turns from an inbox.
type Bridge struct {
	tr       *transport.Transport
	sessions *session.Registry
	ledger   store.LedgerStore
	signer   *auth.Signer
	cfg      Config
	logger   *slog.Logger
}

// New returns a bridge. ledger and signer are optional.
func New(tr *transport.Transport, sessions *session.Registry, ledger store.LedgerStore, signer *auth.Signer, cfg Config) (*Bridge, error) {
	if cfg.Self == "" {
		return nil, errors.New("bridge: agent name is required")
	}
	if cfg.Inbox == "" {
		return nil, errors.New("bridge: inbox is required")
	}
	if cfg.RequireSignatures && signer == nil {
		return nil, errors.New("bridge: signatures required but no signing secret configured")
	}
	if cfg.AllowedRoles == nil {
		cfg.AllowedRoles = []string{envelope.RoleUser}
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = InputText
	}
	if cfg.InputFormat != InputText && cfg.InputFormat != InputEnvelope {
		return nil, fmt.Errorf("bridge: unknown input format %q", cfg.InputFormat)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		tr:       tr,
		sessions: sessions,
		ledger:   ledger,
		signer:   signer,
		cfg:      cfg,
		logger:   logger.With("component", "bridge", "agent", cfg.Self),
	}, nil
}

// Sessions returns the registry the bridge drives.
func (b *Bridge) Sessions() *session.Registry { return b.sessions }

func (b *Bridge) allowed(role string) bool {
	return len(b.cfg.AllowedRoles) == 0 || slices.Contains(b.cfg.AllowedRoles, role)
}

func (b *Bridge) replyStream(env *envelope.Envelope) string {
	if env.ReplyTo != "" {
		return env.ReplyTo
	}
	return b.cfg.DefaultReplyStream
}

// SessionKey is the coordinator's KeyFunc, so envelopes for one session are
// handled in stream order. It runs before signatures are checked and records
// nothing: envelopes for a known session key on its code, envelopes starting
// a new one key on their reply stream until Handle binds it. Envelopes from
// filtered roles get no key.
func (b *Bridge) SessionKey(env *envelope.Envelope) string {
	if !b.allowed(env.Role) {
		return ""
	}
	replyTo := b.replyStream(env)
	if code, ok := b.sessions.Peek(env.SessionCode, replyTo); ok {
		return code
	}
	if replyTo == "" {
		return ""
	}
	return "reply_to:" + replyTo
}

func (b *Bridge) verify(env *envelope.Envelope) error {
	if b.signer == nil {
		return nil
	}
	if env.AuthSignature == "" && !b.cfg.RequireSignatures {
		return nil
	}
	sender, err := b.signer.Verify(env)
	if err != nil {
		return fmt.Errorf("%w: signature: %v", envelope.ErrMalformed, err)
	}
	if env.AgentName != "" && env.AgentName != sender {
		return fmt.Errorf("%w: signed by %q but claims agent %q", envelope.ErrMalformed, sender, env.AgentName)
	}
	return nil
}

// Handle runs one turn for env. Errors wrapping envelope.ErrMalformed mean
// the envelope was rejected; other errors leave it for redelivery.
func (b *Bridge) Handle(ctx context.Context, env *envelope.Envelope) error {
	start := time.Now()
	if !b.allowed(env.Role) {
		b.logger.Debug("skipping envelope from filtered role", "role", env.Role, "id", env.EnvelopeID)
		metrics.RecordTurn(OutcomeSkipped, time.Since(start))
		return nil
	}
	if err := b.verify(env); err != nil {
		b.logger.Warn("rejecting envelope", "id", env.EnvelopeID, "error", err)
		metrics.RecordTurn(OutcomeRejected, time.Since(start))
		return err
	}

	replyTo := b.replyStream(env)
	if replyTo == "" {
		metrics.RecordTurn(OutcomeRejected, time.Since(start))
		return fmt.Errorf("%w: no reply_to and no default reply stream", envelope.ErrMalformed)
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	code, ok := b.sessions.Peek(env.SessionCode, replyTo)
	if !ok {
		code = session.MintCode()
	}
	env.SessionCode = code
	logger := b.logger.With("session", code, "correlation_id", env.CorrelationID)

	lease, err := b.sessions.Acquire(ctx, code)
	if err != nil {
		return fmt.Errorf("acquiring session %s: %w", code, err)
	}
	defer lease.Release()
	// Binding under the lease makes followers on this reply stream queue behind this turn.
	lease.Touch(replyTo)
	defer func() { metrics.SetSessions(b.sessions.Counts()) }()

	b.record(ctx, env, code, store.DirectionInbound, b.cfg.Inbox)

	outcome, reply, err := b.turn(ctx, lease, env, logger)
	if err != nil {
		metrics.RecordTurn(OutcomeFailed, time.Since(start))
		return err
	}
	if err := b.publish(ctx, replyTo, reply); err != nil {
		metrics.RecordTurn(OutcomeFailed, time.Since(start))
		return err
	}
	b.record(ctx, reply, code, store.DirectionOutbound, replyTo)
	metrics.RecordTurn(outcome, time.Since(start))
	logger.Info("turn finished", "outcome", outcome, "reply_to", replyTo, "duration", time.Since(start))
	return nil
}

// turn spawns if needed, writes the input and waits for the reply record.
// A returned error means nothing should be published.
func (b *Bridge) turn(ctx context.Context, lease *session.Lease, env *envelope.Envelope, logger *slog.Logger) (string, *envelope.Envelope, error) {
	code := lease.Code()

	if _, err := lease.Ensure(ctx); err != nil {
		if ctx.Err() != nil {
			return "", nil, err
		}
		logger.Error("session could not start", "error", err)
		return OutcomeCrash, b.reply(env, code, envelope.TypeProcessCrash, fmt.Sprintf("session %s could not start: %v", code, err)), nil
	}

	if b.cfg.ProgressReplies {
		progress := b.reply(env, code, envelope.TypeProgress, "thinking")
		if err := b.publish(ctx, b.replyStream(env), progress); err != nil {
			logger.Warn("failed to send progress", "error", err)
		}
	}

	line, err := b.input(env)
	if err != nil {
		return "", nil, err
	}
	if err := lease.Send(ctx, line); err != nil {
		if ctx.Err() != nil {
			return "", nil, err
		}
		if errors.Is(err, session.ErrTerminated) {
			return OutcomeFailed, b.reply(env, code, envelope.TypeError, fmt.Sprintf("session %s was terminated", code)), nil
		}
		logger.Error("failed to write to session", "error", err)
		return OutcomeCrash, b.reply(env, code, envelope.TypeProcessCrash, fmt.Sprintf("session %s process failed: %v", code, err)), nil
	}

	rec, err := lease.Await(ctx, b.cfg.TurnTimeout)
	switch {
	case err == nil:
		return OutcomeReplied, b.reply(env, code, envelope.TypeMessageReply, rec.Text), nil
	case errors.Is(err, session.ErrTurnTimeout):
		logger.Warn("turn timed out", "timeout", b.turnTimeout())
		r := b.reply(env, code, envelope.TypeTimeout, fmt.Sprintf("no reply from session %s within %s", code, b.turnTimeout()))
		r.SetMeta("timeout_ms", b.turnTimeout().Milliseconds())
		return OutcomeTimeout, r, nil
	case errors.Is(err, session.ErrProcessCrash):
		logger.Error("session process crashed during turn")
		return OutcomeCrash, b.reply(env, code, envelope.TypeProcessCrash, fmt.Sprintf("session %s process exited before replying", code)), nil
	case errors.Is(err, session.ErrTerminated):
		return OutcomeFailed, b.reply(env, code, envelope.TypeError, fmt.Sprintf("session %s was terminated", code)), nil
	default:
		return "", nil, err
	}
}

func (b *Bridge) turnTimeout() time.Duration {
	if b.cfg.TurnTimeout > 0 {
		return b.cfg.TurnTimeout
	}
	return session.DefaultTurnTimeout
}

// lineBreaks turns embedded line breaks into the two-character escapes the
// process sees, so one envelope is always exactly one input line.
var lineBreaks = strings.NewReplacer("\r\n", `\n`, "\n", `\n`, "\r", `\r`)

func (b *Bridge) input(env *envelope.Envelope) ([]byte, error) {
	if b.cfg.InputFormat == InputEnvelope {
		data, err := envelope.Encode(env)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", envelope.ErrMalformed, err)
		}
		return data, nil
	}
	text := strings.TrimRight(env.Content.Text(), "\r\n")
	return []byte(lineBreaks.Replace(text)), nil
}

// reply builds a response carrying text and the session id.
func (b *Bridge) reply(req *envelope.Envelope, code, envelopeType, text string) *envelope.Envelope {
	r := envelope.Reply(req, envelope.RoleAssistant, envelopeType, map[string]any{
		"text":       text,
		"session_id": code,
	})
	r.SessionCode = code
	r.AgentName = b.cfg.Self
	r.Target = req.AgentName
	r.SetMeta(MetaStreamKey, b.cfg.Inbox)
	r.AddHop(b.cfg.Self)
	return r
}

func (b *Bridge) publish(ctx context.Context, stream string, env *envelope.Envelope) error {
	if b.signer != nil {
		if err := b.signer.Sign(env, b.cfg.Self); err != nil {
			return err
		}
	}
	id, err := b.tr.Append(ctx, stream, env)
	if err != nil {
		return fmt.Errorf("publishing %s to %s: %w", env.Type(), stream, err)
	}
	env.EnvelopeID = id
	return nil
}

func (b *Bridge) record(ctx context.Context, env *envelope.Envelope, code string, dir store.Direction, stream string) {
	if b.ledger == nil {
		return
	}
	text := env.Content.Text()
	entry := &store.LedgerEntry{
		SessionCode:   code,
		Direction:     dir,
		EnvelopeID:    env.EnvelopeID,
		CorrelationID: env.CorrelationID,
		Stream:        stream,
		EnvelopeType:  env.Type(),
		Author:        env.AgentName,
		Text:          &text,
		Timestamp:     time.Now(),
	}
	if entry.Author == "" {
		entry.Author = env.Role
	}
	if err := b.ledger.SaveEntry(context.WithoutCancel(ctx), entry); err != nil {
		b.logger.Warn("failed to record ledger entry", "session", code, "error", err)
	}
}

// Run consumes the inbox until ctx ends, reaping idle sessions alongside.
func (b *Bridge) Run(ctx context.Context) error {
	cfg := b.cfg.Consumer
	if cfg.Stream == "" {
		cfg.Stream = b.cfg.Inbox
	}
	if cfg.Group == "" {
		cfg.Group = b.cfg.Self
	}
	if cfg.Logger == nil {
		cfg.Logger = b.logger
	}
	cfg.KeyFunc = b.SessionKey

	coord, err := consumer.New(b.tr, cfg)
	if err != nil {
		return err
	}
	defer coord.Close()

	b.logger.Info("bridge consuming", "stream", cfg.Stream, "group", cfg.Group, "consumer", coord.Consumer())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx, b.Handle)
	})
	g.Go(func() error {
		b.sessions.RunReaper(gctx, b.cfg.ReapInterval)
		return nil
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}
