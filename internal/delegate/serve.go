// ABOUTME: Callee side of delegation: consume an agent inbox and answer on reply_to
// ABOUTME: Replies echo the request's correlation id; handler errors become error envelopes

package delegate

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/aetherbus/internal/consumer"
	"github.com/2389/aetherbus/internal/envelope"
)

// ServeFunc answers one request. The returned value becomes the reply content.
type ServeFunc func(ctx context.Context, req *envelope.Envelope) (any, error)

// Responder turns ServeFunc results into reply envelopes on reply_to.
type Responder struct {
	client *Client
	fn     ServeFunc
}

// NewResponder wraps fn for use as a consumer.Handler.
func (c *Client) NewResponder(fn ServeFunc) *Responder {
	return &Responder{client: c, fn: fn}
}

// Handle implements consumer.Handler.
func (r *Responder) Handle(ctx context.Context, req *envelope.Envelope) error {
	c := r.client
	result, err := r.fn(ctx, req)
	if err != nil && errors.Is(err, envelope.ErrMalformed) {
		return err
	}
	if !req.ExpectsReply() {
		if err != nil {
			c.logger.Warn("request without reply_to failed", "id", req.EnvelopeID, "error", err)
		}
		return nil
	}

	var reply *envelope.Envelope
	if err != nil {
		reply = envelope.Reply(req, envelope.RoleAgent, envelope.TypeError, map[string]any{"text": err.Error(), "error": true})
	} else {
		reply = envelope.Reply(req, envelope.RoleAgent, envelope.TypeMessageReply, result)
	}
	reply.AgentName = c.cfg.Self
	reply.Target = req.AgentName
	reply.AddHop(c.cfg.Self)
	if c.cfg.Signer != nil {
		if err := c.cfg.Signer.Sign(reply, c.cfg.Self); err != nil {
			return fmt.Errorf("signing reply: %w", err)
		}
	}

	if _, aerr := c.tr.Append(ctx, req.ReplyTo, reply); aerr != nil {
		return fmt.Errorf("appending reply to %s: %w", req.ReplyTo, aerr)
	}
	c.logger.Debug("replied", "correlation_id", req.CorrelationID, "reply_to", req.ReplyTo)
	return nil
}

// Serve consumes this agent's inbox until ctx ends, answering each request with fn.
// cfg.Stream defaults to the agent inbox and cfg.Group to "<self>".
func (c *Client) Serve(ctx context.Context, cfg consumer.Config, fn ServeFunc) error {
	if cfg.Stream == "" {
		inbox, err := c.keys.AgentInbox(c.cfg.Self)
		if err != nil {
			return err
		}
		cfg.Stream = inbox
	}
	if cfg.Group == "" {
		cfg.Group = c.cfg.Self
	}
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	coord, err := consumer.New(c.tr, cfg)
	if err != nil {
		return err
	}
	defer coord.Close()
	return coord.Run(ctx, c.NewResponder(fn).Handle)
}
