// ABOUTME: Minimal echo agent for end-to-end testing; serves its inbox through a consumer group.
// ABOUTME: Usage: echo-agent [-name echo] [-delay 50ms] [-fail-on word]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/2389/aetherbus/internal/config"
	"github.com/2389/aetherbus/internal/consumer"
	"github.com/2389/aetherbus/internal/delegate"
	"github.com/2389/aetherbus/internal/envelope"
	"github.com/2389/aetherbus/internal/logging"
	"github.com/2389/aetherbus/internal/server"
)

type options struct {
	name    string
	delay   time.Duration
	failOn  string
	workers int
}

func main() {
	configPath := flag.String("config", config.DefaultPath(), "config file (optional)")
	var opts options
	flag.StringVar(&opts.name, "name", "echo", "agent name to serve")
	flag.DurationVar(&opts.delay, "delay", 50*time.Millisecond, "simulated work per request")
	flag.StringVar(&opts.failOn, "fail-on", "", "answer with an error when a request contains this word")
	flag.IntVar(&opts.workers, "workers", 0, "concurrent requests (default consumer.workers)")
	flag.Parse()

	cfg, err := config.LoadOptional(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("echo agent stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	tr, err := server.OpenTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	dir, err := server.OpenDirectory(cfg)
	if err != nil {
		return err
	}
	client, err := delegate.NewClient(tr, dir, server.Keys(cfg), delegate.Config{
		Self:   opts.name,
		Signer: server.Signer(cfg),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	cc := consumerConfig(cfg)
	if opts.workers > 0 {
		cc.Workers = opts.workers
	}
	logger.Info("echo agent serving", "name", opts.name, "log", cfg.Log.URL, "workers", cc.Workers)
	err = client.Serve(ctx, cc, handler(opts, logger))
	if errors.Is(err, context.Canceled) {
		return nil // graceful shutdown
	}
	return err
}

func consumerConfig(cfg *config.Config) consumer.Config {
	return consumer.Config{
		Workers:       cfg.Consumer.Workers,
		BatchSize:     cfg.Consumer.BatchSize,
		Block:         cfg.Consumer.Block,
		MaxDeliveries: cfg.Consumer.MaxDeliveries,
		ClaimIdle:     cfg.Consumer.ClaimIdle,
		DedupeTTL:     cfg.Consumer.DedupeTTL,
	}
}

func handler(opts options, logger *slog.Logger) delegate.ServeFunc {
	return func(ctx context.Context, req *envelope.Envelope) (any, error) {
		text := req.Content.Text()
		logger.Info("received message", "correlation_id", req.CorrelationID, "from", req.AgentName, "text", text)

		if opts.delay > 0 {
			select {
			case <-time.After(opts.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if opts.failOn != "" && strings.Contains(strings.ToLower(text), strings.ToLower(opts.failOn)) {
			return nil, fmt.Errorf("refusing request containing %q", opts.failOn)
		}
		return map[string]any{
			"text":         echoReply(text),
			"request_hops": len(req.Trace),
		}, nil
	}
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n"
	}
	return fmt.Sprintf("Echo: **%s**", input)
}
