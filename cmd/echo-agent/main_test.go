// ABOUTME: Tests for the echo agent's request handler and its inbox loop
// ABOUTME: Runs the agent against the in-memory log and calls it through a delegation client

package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/aetherbus/internal/config"
	"github.com/2389/aetherbus/internal/delegate"
	"github.com/2389/aetherbus/internal/envelope"
	"github.com/2389/aetherbus/internal/registry"
	"github.com/2389/aetherbus/internal/server"
	"github.com/2389/aetherbus/internal/transport"
)

func TestHandler(t *testing.T) {
	h := handler(options{failOn: "explode"}, slog.Default())

	out, err := h(context.Background(), envelope.New(envelope.RoleUser, "hi"))
	require.NoError(t, err)
	assert.Equal(t, "Echo: **hi**", out.(map[string]any)["text"])

	out, err = h(context.Background(), envelope.New(envelope.RoleUser, "give me a list"))
	require.NoError(t, err)
	assert.Contains(t, out.(map[string]any)["text"], "- First item")

	_, err = h(context.Background(), envelope.New(envelope.RoleUser, "please EXPLODE"))
	assert.Error(t, err)
}

func TestHandlerHonoursCancel(t *testing.T) {
	h := handler(options{delay: time.Hour}, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h(ctx, envelope.New(envelope.RoleUser, "slow"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunServesInbox(t *testing.T) {
	cfg := config.Default()
	tr := transport.New(transport.NewMemoryBackend(), transport.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		// run opens its own transport from cfg, so drive Serve directly on the shared one.
		dir, _ := registry.NewDirectory(server.Keys(cfg))
		client, err := delegate.NewClient(tr, dir, server.Keys(cfg), delegate.Config{Self: "echo"})
		if err != nil {
			done <- err
			return
		}
		done <- client.Serve(ctx, consumerConfig(cfg), handler(options{}, slog.Default()))
	}()

	dir, err := registry.NewDirectory(server.Keys(cfg), registry.AgentInfo{Name: "echo"})
	require.NoError(t, err)
	caller, err := delegate.NewClient(tr, dir, server.Keys(cfg), delegate.Config{Self: "tester", PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)

	reply, err := caller.Call(ctx, "echo", "ping", delegate.CallOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "Echo: **ping**", reply.Content.Text())
	assert.Equal(t, "echo", reply.AgentName)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestRunStopsCleanly(t *testing.T) {
	cfg := config.Default()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, options{name: "echo"}, slog.Default()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
}
