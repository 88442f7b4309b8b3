// ABOUTME: Builds the bridge daemon's components from configuration
// ABOUTME: Shared by the daemon and the operator CLI for log, directory and signer setup

package server

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/2389/aetherbus/internal/auth"
	"github.com/2389/aetherbus/internal/bridge"
	"github.com/2389/aetherbus/internal/config"
	"github.com/2389/aetherbus/internal/consumer"
	"github.com/2389/aetherbus/internal/registry"
	"github.com/2389/aetherbus/internal/session"
	"github.com/2389/aetherbus/internal/store"
	"github.com/2389/aetherbus/internal/streamkey"
	"github.com/2389/aetherbus/internal/transport"
)

// Keys returns the stream key builder for cfg.
func Keys(cfg *config.Config) streamkey.Builder {
	return streamkey.New(cfg.Namespace.Prefix, cfg.Namespace.Namespace)
}

// OpenTransport connects to the log named by cfg.Log.URL.
func OpenTransport(cfg *config.Config, logger *slog.Logger) (*transport.Transport, error) {
	backend, err := transport.Open(cfg.Log.URL)
	if err != nil {
		return nil, fmt.Errorf("opening log: %w", err)
	}
	opts := transport.Options{
		MaxLen:    cfg.Log.StreamMaxLen,
		SizeLimit: cfg.Log.EnvelopeSizeLimit,
		Backoff: transport.BackoffConfig{
			MaxAttempts:  cfg.Log.Retry.MaxAttempts,
			InitialDelay: cfg.Log.Retry.InitialDelay,
			Multiplier:   cfg.Log.Retry.Multiplier,
			MaxDelay:     cfg.Log.Retry.MaxDelay,
			Jitter:       true,
		},
		Logger: logger,
	}
	if cfg.Log.Discovery {
		opts.DiscoveryStream = Keys(cfg).Discovery()
	}
	return transport.New(backend, opts), nil
}

// OpenDirectory loads the agent directory, empty when no registry file is configured.
func OpenDirectory(cfg *config.Config) (*registry.Directory, error) {
	dir, err := registry.NewDirectory(Keys(cfg))
	if err != nil {
		return nil, err
	}
	if cfg.Agents.RegistryPath == "" {
		return dir, nil
	}
	if err := dir.Reload(cfg.Agents.RegistryPath); err != nil {
		return nil, err
	}
	return dir, nil
}

// Signer returns the envelope signer, or nil when no signing secret is set.
func Signer(cfg *config.Config) *auth.Signer {
	if cfg.Auth.SigningSecret == "" {
		return nil
	}
	return auth.NewSigner([]byte(cfg.Auth.SigningSecret), cfg.Auth.SignatureTTL)
}

// initStore opens the SQLite store, honouring AETHERBUS_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AETHERBUS_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// Open builds a Server from cfg.
func Open(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.ValidateBridge(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	keys := Keys(cfg)

	inbox := cfg.Bridge.Inbox
	if inbox == "" {
		var err error
		if inbox, err = keys.AgentInbox(cfg.Agents.Self); err != nil {
			return nil, fmt.Errorf("agent inbox: %w", err)
		}
	}

	tr, err := OpenTransport(cfg, logger)
	if err != nil {
		return nil, err
	}

	dir, err := OpenDirectory(cfg)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	st, err := initStore(cfg)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	sessions, err := session.NewRegistry(session.Config{
		Spawner: &session.ExecSpawner{
			Command:       cfg.Bridge.Command,
			Args:          cfg.Bridge.Args,
			TranscriptDir: cfg.Bridge.TranscriptDir,
			Dir:           cfg.Bridge.Dir,
			StartGrace:    cfg.Bridge.StartGrace,
			Logger:        logger,
		},
		Store:           st,
		TurnTimeout:     cfg.Bridge.TurnTimeout,
		IdleTimeout:     cfg.Bridge.IdleTimeout,
		PollInterval:    cfg.Bridge.PollInterval,
		RespawnInterval: cfg.Bridge.RespawnInterval,
		RespawnBurst:    cfg.Bridge.RespawnBurst,
		Logger:          logger,
	})
	if err != nil {
		_ = st.Close()
		_ = tr.Close()
		return nil, err
	}

	b, err := bridge.New(tr, sessions, st, Signer(cfg), bridge.Config{
		Self:               cfg.Agents.Self,
		Inbox:              inbox,
		DefaultReplyStream: cfg.Agents.DefaultReplyStream,
		AllowedRoles:       cfg.Bridge.AllowedRoles,
		InputFormat:        cfg.Bridge.InputFormat,
		ProgressReplies:    cfg.Bridge.ProgressReplies,
		TurnTimeout:        cfg.Bridge.TurnTimeout,
		RequireSignatures:  cfg.Auth.RequireSignatures,
		ReapInterval:       cfg.Bridge.ReapInterval,
		Consumer: consumer.Config{
			Group:         cfg.Consumer.Group,
			Consumer:      cfg.Consumer.Consumer,
			Workers:       cfg.Consumer.Workers,
			BatchSize:     cfg.Consumer.BatchSize,
			Block:         cfg.Consumer.Block,
			MaxDeliveries: cfg.Consumer.MaxDeliveries,
			ClaimIdle:     cfg.Consumer.ClaimIdle,
			DedupeTTL:     cfg.Consumer.DedupeTTL,
		},
		Logger: logger,
	})
	if err != nil {
		_ = st.Close()
		_ = tr.Close()
		return nil, err
	}

	var operators auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		operators = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		logger.Warn("control endpoints are unauthenticated - no jwt_secret configured")
	}

	return New(Components{
		Transport: tr,
		Bridge:    b,
		Store:     st,
		Directory: dir,
		Operators: operators,
	}, Options{
		HTTPAddr: cfg.Server.HTTPAddr,
		GRPCAddr: cfg.Server.GRPCAddr,
	}, logger)
}
