// ABOUTME: Delegation client: request/await-reply calls between named agents over two streams
// ABOUTME: Correlates replies by correlation id with a bounded poll loop and explicit retry policy

package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/2389/aetherbus/internal/auth"
	"github.com/2389/aetherbus/internal/envelope"
	"github.com/2389/aetherbus/internal/metrics"
	"github.com/2389/aetherbus/internal/registry"
	"github.com/2389/aetherbus/internal/streamkey"
	"github.com/2389/aetherbus/internal/transport"
)

var (
	// ErrUnknownTarget is returned for callees missing from the directory. It is never retried.
	ErrUnknownTarget = errors.New("unknown delegation target")
	// ErrTimeout is returned when no matching reply arrives within the budget.
	ErrTimeout = errors.New("delegation timed out")
)

// Defaults applied by NewClient.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 800 * time.Millisecond
)

// CallError carries the identity of a failed call.
type CallError struct {
	Target        string
	CorrelationID string
	Attempts      int
	Err           error
}

func (e *CallError) Error() string {
	if e.CorrelationID == "" {
		return fmt.Sprintf("delegate to %s: %v", e.Target, e.Err)
	}
	return fmt.Sprintf("delegate to %s (correlation %s, %d attempts): %v", e.Target, e.CorrelationID, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// RetryPolicy controls re-sending after a timeout. Retries reuse the
// correlation id so callees can recognise repeats. The zero value makes a
// single attempt.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) attempts() int {
	return max(p.MaxAttempts, 1)
}

// Config configures a Client.
type Config struct {
	// Self is the calling agent's name, used for reply addresses.
	Self         string
	Timeout      time.Duration
	PollInterval time.Duration
	Retry        RetryPolicy
	// Signer, when set, signs requests and replies and rejects replies with bad signatures.
	Signer *auth.Signer
	Logger *slog.Logger
}

// CallOptions adjusts a single call.
type CallOptions struct {
	// ReplyTo overrides the per-call reply stream, e.g. to use a shared inbox.
	ReplyTo     string
	Timeout     time.Duration
	Role        string
	SessionCode string
	UserID      string
	Meta        map[string]any
	Retry       *RetryPolicy
}

// Client issues delegation calls.
type Client struct {
	tr     *transport.Transport
	dir    *registry.Directory
	keys   streamkey.Builder
	cfg    Config
	logger *slog.Logger
}

// NewClient returns a client for the agent named cfg.Self.
func NewClient(tr *transport.Transport, dir *registry.Directory, keys streamkey.Builder, cfg Config) (*Client, error) {
	if cfg.Self == "" {
		return nil, errors.New("delegate: self name is required")
	}
	if _, err := keys.AgentInbox(cfg.Self); err != nil {
		return nil, fmt.Errorf("delegate: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		tr:     tr,
		dir:    dir,
		keys:   keys,
		cfg:    cfg,
		logger: logger.With("component", "delegate", "self", cfg.Self),
	}, nil
}

// Call sends content to target and waits for the reply carrying the same
// correlation id. It resolves to exactly one of: the reply, ErrTimeout,
// ErrUnknownTarget, a transport error, or the context's error.
func (c *Client) Call(ctx context.Context, target string, content any, opts CallOptions) (*envelope.Envelope, error) {
	start := time.Now()
	reply, err := c.call(ctx, target, content, opts)
	metrics.RecordDelegation(target, outcome(err), time.Since(start))
	return reply, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "replied"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnknownTarget):
		return "unknown_target"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}

func (c *Client) call(ctx context.Context, target string, content any, opts CallOptions) (*envelope.Envelope, error) {
	inbox, err := c.dir.Resolve(target)
	if err != nil {
		return nil, &CallError{Target: target, Err: fmt.Errorf("%w: %s", ErrUnknownTarget, target)}
	}

	cid := uuid.NewString()
	replyTo := opts.ReplyTo
	perCall := replyTo == ""
	if perCall {
		if replyTo, err = c.keys.RPCReply(c.cfg.Self, cid); err != nil {
			return nil, &CallError{Target: target, CorrelationID: cid, Err: err}
		}
		defer c.release(ctx, replyTo)
	}

	req := envelope.New(opts.Role, content)
	req.CorrelationID = cid
	req.ReplyTo = replyTo
	req.Target = target
	req.AgentName = c.cfg.Self
	req.SessionCode = opts.SessionCode
	req.UserID = opts.UserID
	req.Meta = maps.Clone(opts.Meta)
	req.AddHop(c.cfg.Self)
	if c.cfg.Signer != nil {
		if err := c.cfg.Signer.Sign(req, c.cfg.Self); err != nil {
			return nil, &CallError{Target: target, CorrelationID: cid, Err: err}
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	policy := c.cfg.Retry
	if opts.Retry != nil {
		policy = *opts.Retry
	}

	// Snapshot once so a late reply to an earlier attempt is still seen.
	since, err := c.tr.TailID(ctx, replyTo)
	if err != nil {
		return nil, &CallError{Target: target, CorrelationID: cid, Err: err}
	}

	attempts := policy.attempts()
	for attempt := 1; ; attempt++ {
		if _, err := c.tr.Append(ctx, inbox, req); err != nil {
			return nil, &CallError{Target: target, CorrelationID: cid, Attempts: attempt, Err: err}
		}
		c.logger.Debug("delegation sent", "target", target, "correlation_id", cid, "reply_to", replyTo, "attempt", attempt)

		var reply *envelope.Envelope
		reply, since, err = c.await(ctx, replyTo, since, cid, timeout)
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, ErrTimeout) || attempt >= attempts {
			return nil, &CallError{Target: target, CorrelationID: cid, Attempts: attempt, Err: err}
		}
		c.logger.Info("delegation timed out, retrying", "target", target, "correlation_id", cid, "attempt", attempt)
		if err := transport.Sleep(ctx, policy.Backoff); err != nil {
			return nil, &CallError{Target: target, CorrelationID: cid, Attempts: attempt, Err: err}
		}
	}
}

// await polls replyTo from since until a reply for cid arrives or timeout
// elapses. It returns the cursor so later attempts resume where it stopped.
func (c *Client) await(ctx context.Context, replyTo, since, cid string, timeout time.Duration) (*envelope.Envelope, string, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, since, ErrTimeout
		}
		d, err := c.tr.ReadBlock(ctx, replyTo, since, min(remaining, c.cfg.PollInterval))
		if err != nil {
			return nil, since, err
		}
		if d == nil {
			continue
		}
		since = d.ID
		if d.Err != nil {
			c.logger.Warn("skipping malformed reply entry", "stream", replyTo, "id", d.ID, "error", d.Err)
			continue
		}
		if d.Envelope.CorrelationID != cid {
			c.logger.Debug("skipping reply for another call",
				"stream", replyTo, "id", d.ID, "correlation_id", d.Envelope.CorrelationID, "want", cid)
			continue
		}
		if err := c.verifyReply(d.Envelope); err != nil {
			c.logger.Warn("skipping unverified reply", "stream", replyTo, "id", d.ID, "error", err)
			continue
		}
		return d.Envelope, since, nil
	}
}

// verifyReply requires a valid signature from the replying agent whenever
// this client signs its own requests.
func (c *Client) verifyReply(reply *envelope.Envelope) error {
	if c.cfg.Signer == nil {
		return nil
	}
	sender, err := c.cfg.Signer.Verify(reply)
	if err != nil {
		return err
	}
	if reply.AgentName != "" && reply.AgentName != sender {
		return fmt.Errorf("signed by %q but claims agent %q", sender, reply.AgentName)
	}
	return nil
}

// release removes a per-call reply stream once the call has resolved.
func (c *Client) release(ctx context.Context, stream string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.tr.Delete(ctx, stream); err != nil {
		c.logger.Warn("failed to remove reply stream", "stream", stream, "error", err)
	}
}
