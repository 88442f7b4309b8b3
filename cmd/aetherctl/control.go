// ABOUTME: Directory and bridge control subcommands
// ABOUTME: sessions and terminate talk to the bridge's HTTP endpoints

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/aetherbus/internal/config"
	"github.com/2389/aetherbus/internal/session"
	"github.com/2389/aetherbus/internal/store"
	"github.com/2389/aetherbus/internal/streamkey"
)

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) with(fn func(io.Writer)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.w)
}

func newAgentsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agent directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := a.directory()
			if err != nil {
				return err
			}
			agents := dir.List()
			if len(agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no agents registered (set agents.registry_path)")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tINBOX\tCAPABILITIES\tDESCRIPTION")
			for _, ag := range agents {
				inbox, _ := dir.Resolve(ag.Name)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ag.Name, inbox, strings.Join(ag.Capabilities, ","), ag.Description)
			}
			return w.Flush()
		},
	}
}

// streamKey renders the conventional stream for an entity when no suffix is
// given (agent inbox, user inbox, session stream, edge inbox), and the
// literal key otherwise.
func streamKey(b streamkey.Builder, entity, id string, suffix []string) (string, error) {
	switch {
	case entity == streamkey.EntityAgent && len(suffix) == 0:
		return b.AgentInbox(id)
	case entity == streamkey.EntityAgent && len(suffix) == 1 && suffix[0] == "outbox":
		return b.AgentOutbox(id)
	case entity == streamkey.EntityUser && len(suffix) == 0:
		return b.UserInbox(id)
	case entity == streamkey.EntitySession && len(suffix) == 0:
		return b.SessionStream(id)
	case entity == streamkey.EntityEdge && len(suffix) <= 1:
		instance := ""
		if len(suffix) == 1 {
			instance = suffix[0]
		}
		return b.EdgeInbox(id, instance)
	}
	return b.Key(entity, id, suffix...)
}

func newKeyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "key <type> <id> [suffix...]",
		Short: "Print the stream key for an entity, e.g. key agent claude outbox",
		Long: `Print the stream key for an entity.

Without a suffix the conventional stream is printed: the inbox for agents and
users, the event stream for sessions. For edge services the optional third
argument is the instance name (default "main").`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(); err != nil {
				return err
			}
			key, err := streamKey(a.keys(), args[0], args[1], args[2:])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

type controlClient struct {
	base  string
	token string
	http  *http.Client
}

func (a *app) control(addr, token string) (*controlClient, error) {
	if err := a.load(); err != nil {
		return nil, err
	}
	if addr == "" {
		addr = a.cfg.Server.HTTPAddr
	}
	if addr == "" {
		return nil, fmt.Errorf("no bridge address: pass --addr or set server.http_addr")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if token == "" {
		token = os.Getenv("AETHERBUS_TOKEN")
	}
	if token == "" {
		path := a.configPath
		if path == "" {
			path = config.DefaultPath()
		}
		if b, err := os.ReadFile(filepath.Join(filepath.Dir(path), "token")); err == nil {
			token = strings.TrimSpace(string(b))
		}
	}
	return &controlClient{base: strings.TrimRight(addr, "/"), token: token, http: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (c *controlClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func newSessionsCommand(a *app) *cobra.Command {
	var addr, token string
	cmd := &cobra.Command{
		Use:   "sessions [code]",
		Short: "List live bridge sessions, or show one session's ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.control(addr, token)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return showLedger(cmd, c, args[0])
			}
			var body struct {
				Sessions []session.Info `json:"sessions"`
				Counts   map[string]int `json:"counts"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/sessions", &body); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tSTATE\tPID\tBUSY\tRESTARTS\tLAST ACTIVE")
			for _, s := range body.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%d\t%s\n", s.Code, s.State, s.Pid, s.Busy, s.Restarts,
					time.Since(s.LastActive).Round(time.Second))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "bridge HTTP address (default server.http_addr)")
	cmd.Flags().StringVar(&token, "token", "", "operator token")
	return cmd
}

func showLedger(cmd *cobra.Command, c *controlClient, code string) error {
	var body struct {
		Entries []struct {
			Direction     string    `json:"direction"`
			EnvelopeType  string    `json:"envelope_type"`
			Author        string    `json:"author"`
			CorrelationID string    `json:"correlation_id"`
			Text          *string   `json:"text"`
			Timestamp     time.Time `json:"timestamp"`
		} `json:"entries"`
	}
	if err := c.do(cmd.Context(), http.MethodGet, "/sessions/"+url.PathEscape(code)+"/ledger", &body); err != nil {
		return err
	}
	for _, e := range body.Entries {
		arrow := color.CyanString("→")
		if e.Direction == string(store.DirectionOutbound) {
			arrow = color.GreenString("←")
		}
		text := ""
		if e.Text != nil {
			text = *e.Text
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s\n    %s\n",
			color.HiBlackString(e.Timestamp.Local().Format(time.DateTime)), arrow, e.Author,
			typeColor(e.EnvelopeType).Sprint(e.EnvelopeType), text)
	}
	return nil
}

func newTerminateCommand(a *app) *cobra.Command {
	var addr, token string
	cmd := &cobra.Command{
		Use:   "terminate <code>",
		Short: "Stop a bridge session's process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.control(addr, token)
			if err != nil {
				return err
			}
			var info session.Info
			if err := c.do(cmd.Context(), http.MethodPost, "/sessions/"+url.PathEscape(args[0])+"/terminate", &info); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.Code, info.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "bridge HTTP address (default server.http_addr)")
	cmd.Flags().StringVar(&token, "token", "", "operator token (default $AETHERBUS_TOKEN or the token file)")
	return cmd
}
