// ABOUTME: Tests for delegation calls: correlation, timeouts, unknown targets, retries and serving

package delegate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/aetherbus/internal/auth"
	"github.com/2389/aetherbus/internal/consumer"
	"github.com/2389/aetherbus/internal/envelope"
	"github.com/2389/aetherbus/internal/registry"
	"github.com/2389/aetherbus/internal/streamkey"
	"github.com/2389/aetherbus/internal/transport"
)

type fixture struct {
	tr     *transport.Transport
	mem    *transport.MemoryBackend
	keys   streamkey.Builder
	client *Client
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	mem := transport.NewMemoryBackend()
	tr := transport.New(mem, transport.Options{})
	keys := streamkey.New("", "")
	dir, err := registry.NewDirectory(keys, registry.AgentInfo{Name: "bob"})
	require.NoError(t, err)
	if cfg.Self == "" {
		cfg.Self = "alice"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	client, err := NewClient(tr, dir, keys, cfg)
	require.NoError(t, err)
	return &fixture{tr: tr, mem: mem, keys: keys, client: client}
}

// respond reads bob's inbox and lets reply decide what to append for each request.
func (f *fixture) respond(ctx context.Context, t *testing.T, reply func(req *envelope.Envelope) []*envelope.Envelope) {
	inbox, _ := f.keys.AgentInbox("bob")
	go func() {
		since := transport.TailEmpty
		for ctx.Err() == nil {
			d, err := f.tr.ReadBlock(ctx, inbox, since, 50*time.Millisecond)
			if err != nil || d == nil {
				continue
			}
			since = d.ID
			for _, out := range reply(d.Envelope) {
				if _, err := f.tr.Append(context.Background(), d.Envelope.ReplyTo, out); err != nil {
					t.Errorf("append reply: %v", err)
				}
			}
		}
	}()
}

func TestCallReturnsMatchingReply(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.respond(ctx, t, func(req *envelope.Envelope) []*envelope.Envelope {
		assert.Equal(t, "hello", req.Content.Text())
		assert.NotEmpty(t, req.CorrelationID)
		assert.Equal(t, "bob", req.Target)
		return []*envelope.Envelope{envelope.Reply(req, envelope.RoleAgent, envelope.TypeMessageReply, map[string]any{"text": "hi back"})}
	})

	reply, err := f.client.Call(ctx, "bob", map[string]any{"text": "hello"}, CallOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "hi back", reply.Content.Text())
}

func TestCallTimesOut(t *testing.T) {
	f := newFixture(t, Config{})
	start := time.Now()

	_, err := f.client.Call(context.Background(), "bob", "anyone?", CallOptions{Timeout: 300 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "bob", callErr.Target)
	assert.NotEmpty(t, callErr.CorrelationID)
	assert.Equal(t, 1, callErr.Attempts)
}

func TestCallUnknownTarget(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.client.Call(context.Background(), "nobody", "x", CallOptions{})
	assert.ErrorIs(t, err, ErrUnknownTarget)

	inbox, _ := f.keys.AgentInbox("nobody")
	assert.Equal(t, 0, f.mem.Len(inbox))
}

func TestCallIgnoresNonMatchingReplies(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shared, _ := f.keys.AgentInbox("alice")
	f.respond(ctx, t, func(req *envelope.Envelope) []*envelope.Envelope {
		stray := envelope.New(envelope.RoleAgent, "not yours")
		stray.CorrelationID = "someone-else"
		right := envelope.Reply(req, envelope.RoleAgent, envelope.TypeMessageReply, "yours")
		dup := envelope.Reply(req, envelope.RoleAgent, envelope.TypeMessageReply, "duplicate")
		return []*envelope.Envelope{stray, right, dup}
	})

	reply, err := f.client.Call(ctx, "bob", "q", CallOptions{ReplyTo: shared, Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "yours", reply.Content.Text())
}

func TestConcurrentCallsOnSharedReplyStream(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shared, _ := f.keys.AgentInbox("alice")
	f.respond(ctx, t, func(req *envelope.Envelope) []*envelope.Envelope {
		return []*envelope.Envelope{envelope.Reply(req, envelope.RoleAgent, envelope.TypeMessageReply, "echo:"+req.Content.Text())}
	})

	var wg sync.WaitGroup
	for _, q := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := f.client.Call(ctx, "bob", q, CallOptions{ReplyTo: shared, Timeout: 3 * time.Second})
			if assert.NoError(t, err) {
				assert.Equal(t, "echo:"+q, reply.Content.Text())
			}
		}()
	}
	wg.Wait()
}

func TestRetryReusesCorrelationID(t *testing.T) {
	f := newFixture(t, Config{Retry: RetryPolicy{MaxAttempts: 2, Backoff: 10 * time.Millisecond}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	f.respond(ctx, t, func(req *envelope.Envelope) []*envelope.Envelope {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, req.CorrelationID)
		if len(seen) < 2 {
			return nil // drop the first attempt
		}
		return []*envelope.Envelope{envelope.Reply(req, envelope.RoleAgent, envelope.TypeMessageReply, "second time")}
	})

	reply, err := f.client.Call(ctx, "bob", "q", CallOptions{Timeout: 300 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "second time", reply.Content.Text())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, seen[0], seen[1])
}

func TestNoRetryByDefault(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var requests atomic.Int32
	f.respond(ctx, t, func(req *envelope.Envelope) []*envelope.Envelope {
		requests.Add(1)
		return nil
	})

	_, err := f.client.Call(ctx, "bob", "q", CallOptions{Timeout: 200 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), requests.Load())
}

func TestCallCancelReleasesReplyStream(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	var replyTo atomic.Value
	f.respond(context.Background(), t, func(req *envelope.Envelope) []*envelope.Envelope {
		replyTo.Store(req.ReplyTo)
		cancel()
		return nil
	})

	_, err := f.client.Call(ctx, "bob", "q", CallOptions{Timeout: 5 * time.Second})
	assert.ErrorIs(t, err, context.Canceled)

	stream, _ := replyTo.Load().(string)
	require.NotEmpty(t, stream)
	exists, err := f.mem.Exists(context.Background(), stream)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestServeAnswersRequests(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bob, err := NewClient(f.tr, f.client.dir, f.keys, Config{Self: "bob"})
	require.NoError(t, err)
	go func() {
		_ = bob.Serve(ctx, consumer.Config{Block: 50 * time.Millisecond}, func(ctx context.Context, req *envelope.Envelope) (any, error) {
			if req.Content.Text() == "fail" {
				return nil, errors.New("cannot do that")
			}
			return map[string]any{"text": "done: " + req.Content.Text()}, nil
		})
	}()

	reply, err := f.client.Call(ctx, "bob", "task", CallOptions{Timeout: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "done: task", reply.Content.Text())
	assert.Equal(t, envelope.TypeMessageReply, reply.Type())
	assert.Equal(t, "bob", reply.AgentName)

	reply, err = f.client.Call(ctx, "bob", "fail", CallOptions{Timeout: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeError, reply.Type())
	assert.Equal(t, "cannot do that", reply.Content.Text())
}

func TestSignedCallRoundTrip(t *testing.T) {
	signer := auth.NewSigner([]byte("shared"), 0)
	f := newFixture(t, Config{Signer: signer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bob, err := NewClient(f.tr, f.client.dir, f.keys, Config{Self: "bob", Signer: signer})
	require.NoError(t, err)
	var sender atomic.Value
	go func() {
		_ = bob.Serve(ctx, consumer.Config{Block: 50 * time.Millisecond}, func(ctx context.Context, req *envelope.Envelope) (any, error) {
			who, err := signer.Verify(req)
			if err != nil {
				return nil, err
			}
			sender.Store(who)
			return "ok", nil
		})
	}()

	reply, err := f.client.Call(ctx, "bob", "task", CallOptions{Timeout: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeMessageReply, reply.Type())
	assert.Equal(t, "alice", sender.Load())

	who, err := signer.Verify(reply)
	require.NoError(t, err)
	assert.Equal(t, "bob", who)
}

func TestForgedReplyIsSkipped(t *testing.T) {
	f := newFixture(t, Config{Signer: auth.NewSigner([]byte("shared"), 0)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	forger := auth.NewSigner([]byte("other"), 0)
	f.respond(ctx, t, func(req *envelope.Envelope) []*envelope.Envelope {
		reply := envelope.Reply(req, envelope.RoleAgent, envelope.TypeMessageReply, "forged")
		assert.NoError(t, forger.Sign(reply, "bob"))
		return []*envelope.Envelope{reply}
	})

	_, err := f.client.Call(ctx, "bob", "task", CallOptions{Timeout: 300 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestUnsignedReplyIsSkipped(t *testing.T) {
	f := newFixture(t, Config{Signer: auth.NewSigner([]byte("shared"), 0)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.respond(ctx, t, func(req *envelope.Envelope) []*envelope.Envelope {
		reply := envelope.Reply(req, envelope.RoleAgent, envelope.TypeMessageReply, "forged, unsigned")
		reply.AgentName = "bob"
		return []*envelope.Envelope{reply}
	})

	_, err := f.client.Call(ctx, "bob", "task", CallOptions{Timeout: 300 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestReplySignedByAnotherAgentIsSkipped(t *testing.T) {
	signer := auth.NewSigner([]byte("shared"), 0)
	f := newFixture(t, Config{Signer: signer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.respond(ctx, t, func(req *envelope.Envelope) []*envelope.Envelope {
		reply := envelope.Reply(req, envelope.RoleAgent, envelope.TypeMessageReply, "impersonated")
		reply.AgentName = "bob"
		assert.NoError(t, signer.Sign(reply, "mallory"))
		return []*envelope.Envelope{reply}
	})

	_, err := f.client.Call(ctx, "bob", "task", CallOptions{Timeout: 300 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
}
