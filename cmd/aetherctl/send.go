// ABOUTME: send and delegate subcommands: put envelopes on agent inboxes
// ABOUTME: delegate waits for the correlated reply through the delegation client

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389/aetherbus/internal/delegate"
	"github.com/2389/aetherbus/internal/envelope"
)

// parseContent accepts plain text or, with asJSON, a JSON object.
func parseContent(args []string, asJSON bool) (any, error) {
	text := strings.Join(args, " ")
	if !asJSON {
		return text, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, fmt.Errorf("content is not a JSON object: %w", err)
	}
	return fields, nil
}

func newSendCommand(a *app) *cobra.Command {
	var (
		as, replyTo, session, role, user string
		asJSON, noReply                  bool
	)
	cmd := &cobra.Command{
		Use:   "send <agent> <text...>",
		Short: "Append a message to an agent's inbox",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := a.transport()
			if err != nil {
				return err
			}
			dir, err := a.directory()
			if err != nil {
				return err
			}
			inbox, err := dir.Resolve(args[0])
			if err != nil {
				return err
			}
			sender, err := a.self(as)
			if err != nil {
				return err
			}
			content, err := parseContent(args[1:], asJSON)
			if err != nil {
				return err
			}

			env := envelope.New(role, content)
			env.CorrelationID = uuid.NewString()
			env.AgentName = sender
			env.Target = args[0]
			env.SessionCode = session
			env.UserID = user
			if !noReply {
				if replyTo == "" {
					if replyTo, err = a.keys().AgentInbox(sender); err != nil {
						return err
					}
				}
				env.ReplyTo = replyTo
			}
			env.AddHop(sender)
			if s := a.signer(); s != nil {
				if err := s.Sign(env, sender); err != nil {
					return err
				}
			}

			id, err := tr.Append(cmd.Context(), inbox, env)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s correlation=%s\n", inbox, id, env.CorrelationID)
			return nil
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "sending agent name (default agents.self)")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "reply stream (default the sender's inbox)")
	cmd.Flags().BoolVar(&noReply, "no-reply", false, "send without reply_to")
	cmd.Flags().StringVar(&session, "session", "", "session code to continue")
	cmd.Flags().StringVar(&role, "role", envelope.RoleUser, "sender role")
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "treat the text as a JSON content object")
	return cmd
}

func newDelegateCommand(a *app) *cobra.Command {
	var (
		as, session, role string
		timeout           time.Duration
		attempts          int
		asJSON, raw       bool
	)
	cmd := &cobra.Command{
		Use:   "delegate <agent> <text...>",
		Short: "Call an agent and wait for its reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := a.transport()
			if err != nil {
				return err
			}
			dir, err := a.directory()
			if err != nil {
				return err
			}
			sender, err := a.self(as)
			if err != nil {
				return err
			}
			content, err := parseContent(args[1:], asJSON)
			if err != nil {
				return err
			}

			d := a.cfg.Delegation
			if cmd.Flags().Changed("attempts") {
				d.MaxAttempts = attempts
			}
			client, err := delegate.NewClient(tr, dir, a.keys(), delegate.Config{
				Self:         sender,
				Timeout:      d.Timeout,
				PollInterval: d.PollInterval,
				Retry:        delegate.RetryPolicy{MaxAttempts: d.MaxAttempts, Backoff: d.RetryBackoff},
				Signer:       a.signer(),
				Logger:       a.logger,
			})
			if err != nil {
				return err
			}

			reply, err := client.Call(cmd.Context(), args[0], content, delegate.CallOptions{
				Timeout:     timeout,
				Role:        role,
				SessionCode: session,
			})
			if err != nil {
				if errors.Is(err, delegate.ErrTimeout) {
					return fmt.Errorf("%w (no reply from %s)", err, args[0])
				}
				return err
			}
			if raw {
				b, err := json.MarshalIndent(reply, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}
			printEnvelope(cmd.OutOrStdout(), "", reply)
			return nil
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "calling agent name (default agents.self)")
	cmd.Flags().StringVar(&session, "session", "", "session code to continue")
	cmd.Flags().StringVar(&role, "role", envelope.RoleUser, "sender role")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "reply budget (default delegation.timeout)")
	cmd.Flags().IntVar(&attempts, "attempts", 1, "attempts before giving up (default delegation.max_attempts)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "treat the text as a JSON content object")
	cmd.Flags().BoolVar(&raw, "raw", false, "print the whole reply envelope as JSON")
	return cmd
}
