// ABOUTME: Entry point for aetherctl, the operator CLI for the aetherbus log
// ABOUTME: Sends, delegates, tails streams and inspects consumer groups and sessions

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/aetherbus/internal/auth"
	"github.com/2389/aetherbus/internal/config"
	"github.com/2389/aetherbus/internal/logging"
	"github.com/2389/aetherbus/internal/registry"
	"github.com/2389/aetherbus/internal/server"
	"github.com/2389/aetherbus/internal/streamkey"
	"github.com/2389/aetherbus/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

// app holds what every subcommand needs, built lazily from the config file.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
	tr     *transport.Transport
}

func (a *app) load() error {
	if a.cfg != nil {
		return nil
	}
	path := a.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg
	a.logger = logging.NewWriter(cfg.Logging, os.Stderr)
	return nil
}

func (a *app) transport() (*transport.Transport, error) {
	if err := a.load(); err != nil {
		return nil, err
	}
	if a.tr == nil {
		tr, err := server.OpenTransport(a.cfg, a.logger)
		if err != nil {
			return nil, err
		}
		a.tr = tr
	}
	return a.tr, nil
}

func (a *app) keys() streamkey.Builder { return server.Keys(a.cfg) }

func (a *app) directory() (*registry.Directory, error) {
	if err := a.load(); err != nil {
		return nil, err
	}
	return server.OpenDirectory(a.cfg)
}

func (a *app) signer() *auth.Signer { return server.Signer(a.cfg) }

// self is the agent name used as sender, from --as or agents.self.
func (a *app) self(as string) (string, error) {
	if as != "" {
		return as, nil
	}
	if a.cfg.Agents.Self != "" {
		return a.cfg.Agents.Self, nil
	}
	return "", fmt.Errorf("no sender: pass --as or set agents.self")
}

func (a *app) close() {
	if a.tr != nil {
		_ = a.tr.Close()
	}
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "aetherctl",
		Short:         "Operate an aetherbus log",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(
		newSendCommand(a),
		newDelegateCommand(a),
		newMonitorCommand(a),
		newDeadCommand(a),
		newPendingCommand(a),
		newAgentsCommand(a),
		newKeyCommand(a),
		newSessionsCommand(a),
		newTerminateCommand(a),
	)
	return cmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &app{}
	defer a.close()

	if err := newRootCommand(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		a.close()
		os.Exit(1)
	}
}
