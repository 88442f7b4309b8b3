// ABOUTME: Read-side subcommands: tail streams, inspect dead letters and pending entries
// ABOUTME: Envelopes are printed one per line with colored role and type

package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/aetherbus/internal/consumer"
	"github.com/2389/aetherbus/internal/envelope"
	"github.com/2389/aetherbus/internal/streamkey"
	"github.com/2389/aetherbus/internal/transport"
)

func roleColor(role string) *color.Color {
	switch role {
	case envelope.RoleUser:
		return color.New(color.FgCyan)
	case envelope.RoleAssistant:
		return color.New(color.FgGreen)
	case envelope.RoleAgent:
		return color.New(color.FgBlue)
	default:
		return color.New(color.FgMagenta)
	}
}

func typeColor(t string) *color.Color {
	switch t {
	case envelope.TypeTimeout, envelope.TypeProcessCrash, envelope.TypeError:
		return color.New(color.FgRed, color.Bold)
	case envelope.TypeProgress:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgYellow)
	}
}

func printEnvelope(w io.Writer, id string, env *envelope.Envelope) {
	var b strings.Builder
	if id != "" {
		b.WriteString(color.HiBlackString(id + " "))
	}
	if t := env.Time(); !t.IsZero() {
		b.WriteString(color.HiBlackString(t.Local().Format("15:04:05") + " "))
	}
	b.WriteString(roleColor(env.Role).Sprintf("%-9s", env.Role))
	b.WriteString(" ")
	b.WriteString(typeColor(env.Type()).Sprintf("%-13s", env.Type()))
	from := env.AgentName
	if from == "" {
		from = "-"
	}
	fmt.Fprintf(&b, " %s", from)
	if env.Target != "" {
		fmt.Fprintf(&b, " → %s", env.Target)
	}
	if env.SessionCode != "" {
		b.WriteString(color.HiBlackString(" [" + env.SessionCode + "]"))
	}
	if env.CorrelationID != "" {
		b.WriteString(color.HiBlackString(" cid=" + env.CorrelationID))
	}
	text := env.Content.Text()
	if text == "" {
		if raw, err := env.Content.MarshalJSON(); err == nil {
			text = string(raw)
		}
	}
	b.WriteString("\n    ")
	b.WriteString(strings.ReplaceAll(text, "\n", "\n    "))
	fmt.Fprintln(w, b.String())
}

func printDelivery(w io.Writer, showStream bool, d transport.Delivery) {
	prefix := d.ID
	if showStream {
		prefix = d.Stream + " " + d.ID
	}
	if d.Err != nil {
		fmt.Fprintf(w, "%s %s %v\n", color.HiBlackString(prefix), color.RedString("malformed"), d.Err)
		return
	}
	printEnvelope(w, prefix, d.Envelope)
}

func newMonitorCommand(a *app) *cobra.Command {
	var (
		fromStart bool
		sel       streamSelection
	)
	cmd := &cobra.Command{
		Use:   "monitor [stream...]",
		Short: "Tail streams, printing envelopes as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := a.transport()
			if err != nil {
				return err
			}
			streams, err := sel.resolve(a.keys(), args)
			if err != nil {
				return err
			}

			out := &lockedWriter{w: cmd.OutOrStdout()}
			g, ctx := errgroup.WithContext(cmd.Context())
			for _, stream := range streams {
				g.Go(func() error {
					since := transport.TailEmpty
					if !fromStart {
						tail, err := tr.TailID(ctx, stream)
						if err != nil {
							return err
						}
						since = tail
					}
					for ctx.Err() == nil {
						ds, err := tr.Read(ctx, stream, since, 100, time.Second)
						if err != nil {
							if ctx.Err() != nil {
								return nil
							}
							return fmt.Errorf("reading %s: %w", stream, err)
						}
						for _, d := range ds {
							since = d.ID
							out.with(func(w io.Writer) { printDelivery(w, len(streams) > 1, d) })
						}
					}
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "replay each stream from its first entry")
	cmd.Flags().StringSliceVar(&sel.agents, "agent", nil, "tail this agent's inbox (repeatable)")
	cmd.Flags().StringSliceVar(&sel.outboxes, "outbox", nil, "tail this agent's outbox (repeatable)")
	cmd.Flags().StringSliceVar(&sel.users, "user", nil, "tail this user's inbox (repeatable)")
	cmd.Flags().StringSliceVar(&sel.sessions, "session", nil, "tail this session's event stream (repeatable)")
	return cmd
}

// streamSelection names streams by entity rather than by key.
type streamSelection struct {
	agents, outboxes, users, sessions []string
}

func (s streamSelection) resolve(b streamkey.Builder, explicit []string) ([]string, error) {
	streams := append([]string(nil), explicit...)
	groups := []struct {
		ids []string
		key func(string) (string, error)
	}{
		{s.agents, b.AgentInbox},
		{s.outboxes, b.AgentOutbox},
		{s.users, b.UserInbox},
		{s.sessions, b.SessionStream},
	}
	for _, g := range groups {
		for _, id := range g.ids {
			key, err := g.key(id)
			if err != nil {
				return nil, err
			}
			streams = append(streams, key)
		}
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("name at least one stream or use --agent, --outbox, --user or --session")
	}
	return streams, nil
}

func newDeadCommand(a *app) *cobra.Command {
	var count int64
	cmd := &cobra.Command{
		Use:   "dead <stream>",
		Short: "List dead-lettered entries for a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := a.transport()
			if err != nil {
				return err
			}
			stream := args[0]
			if !streamkey.IsDead(stream) {
				stream = streamkey.Dead(stream)
			}
			ds, err := tr.Range(cmd.Context(), stream, "", count)
			if err != nil {
				return err
			}
			if len(ds) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is empty\n", stream)
				return nil
			}
			for _, d := range ds {
				printDelivery(cmd.OutOrStdout(), false, d)
				if src := d.Values[transport.FieldSourceID]; src != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", color.HiBlackString("source=%s deliveries=%s reason=%s",
						src, d.Values[transport.FieldDeliveryCount], d.Values[transport.FieldReason]))
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64VarP(&count, "count", "n", 50, "maximum entries to show")
	return cmd
}

func newPendingCommand(a *app) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "pending <stream> <group>",
		Short: "Show a consumer group's unacknowledged entries",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := a.transport()
			if err != nil {
				return err
			}
			coord, err := consumer.New(tr, consumer.Config{Stream: args[0], Group: args[1], Consumer: "aetherctl", Logger: a.logger})
			if err != nil {
				return err
			}
			defer coord.Close()

			stats, err := coord.Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "stream\t%s\n", stats.Stream)
			fmt.Fprintf(w, "group\t%s\n", stats.Group)
			fmt.Fprintf(w, "pending\t%d\n", stats.Pending)
			fmt.Fprintf(w, "max deliveries\t%d\n", stats.MaxDeliveryCount)
			fmt.Fprintf(w, "oldest idle\t%s\n", stats.OldestIdle.Round(time.Millisecond))
			for name, n := range stats.PerConsumer {
				fmt.Fprintf(w, "  %s\t%d\n", name, n)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if !verbose {
				return nil
			}

			entries, err := tr.Pending(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\nID\tCONSUMER\tDELIVERIES\tIDLE")
			for _, p := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.ID, p.Consumer, p.DeliveryCount, p.Idle.Round(time.Millisecond))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every pending entry")
	return cmd
}
