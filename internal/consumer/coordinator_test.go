// ABOUTME: Tests for the consumer group coordinator over the in-memory backend
// ABOUTME: Covers ack-on-success, redelivery, dead-lettering, malformed entries, keyed ordering and shared groups

package consumer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/aetherbus/internal/envelope"
	"github.com/2389/aetherbus/internal/transport"
)

const inbox = "AG1:agent:worker:inbox"

func newCoordinator(t *testing.T, cfg Config) (*Coordinator, *transport.Transport) {
	t.Helper()
	tr := transport.New(transport.NewMemoryBackend(), transport.Options{})
	if cfg.Stream == "" {
		cfg.Stream = inbox
	}
	if cfg.Group == "" {
		cfg.Group = "workers"
	}
	c, err := New(tr, cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, tr
}

func appendText(t *testing.T, tr *transport.Transport, text string) string {
	t.Helper()
	id, err := tr.Append(context.Background(), inbox, envelope.New(envelope.RoleUser, text))
	require.NoError(t, err)
	return id
}

func TestNewRequiresStreamAndGroup(t *testing.T) {
	tr := transport.New(transport.NewMemoryBackend(), transport.Options{})
	_, err := New(tr, Config{Group: "g"})
	assert.Error(t, err)
	_, err = New(tr, Config{Stream: "s"})
	assert.Error(t, err)

	c, err := New(tr, Config{Stream: "s", Group: "g"})
	require.NoError(t, err)
	defer c.Close()
	assert.Regexp(t, `^g-[0-9a-f]{8}$`, c.Consumer())
}

func TestProcessOnceAcksOnSuccess(t *testing.T) {
	c, tr := newCoordinator(t, Config{})
	ctx := context.Background()
	require.NoError(t, c.Ensure(ctx))
	appendText(t, tr, "hello")

	var got []string
	n, err := c.ProcessOnce(ctx, func(ctx context.Context, env *envelope.Envelope) error {
		got = append(got, env.Content.Text())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"hello"}, got)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}

func TestHandlerErrorLeavesPending(t *testing.T) {
	c, tr := newCoordinator(t, Config{})
	ctx := context.Background()
	require.NoError(t, c.Ensure(ctx))
	appendText(t, tr, "retry me")

	_, err := c.ProcessOnce(ctx, func(ctx context.Context, env *envelope.Envelope) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.PerConsumer[c.Consumer()])
	assert.Equal(t, int64(1), stats.MaxDeliveryCount)
}

// A message delivered three times without acknowledgment lands once in the
// dead-letter stream and is acknowledged on the source stream.
func TestDeadLettersAfterCeiling(t *testing.T) {
	c, tr := newCoordinator(t, Config{MaxDeliveries: 3, ClaimIdle: -1})
	ctx := context.Background()
	require.NoError(t, c.Ensure(ctx))
	id := appendText(t, tr, "poison")

	var calls []int64
	failing := func(ctx context.Context, env *envelope.Envelope) error {
		calls = append(calls, env.DeliveryCount)
		return errors.New("cannot handle")
	}

	for i := 0; i < 6; i++ {
		_, err := c.ProcessOnce(ctx, failing)
		require.NoError(t, err)
	}

	assert.Equal(t, []int64{1, 2, 3}, calls)

	dead, err := tr.Range(ctx, inbox+":dead", "", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "poison", dead[0].Envelope.Content.Text())
	assert.Equal(t, int64(4), dead[0].Envelope.DeliveryCount)
	assert.Equal(t, id, dead[0].Values[transport.FieldSourceID])

	info, ok := dead[0].Envelope.Meta["dead_letter"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, inbox, info["stream"])
	assert.Equal(t, ErrRedeliveryExhausted.Error(), info["reason"])

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}

// deadFails rejects writes to dead-letter streams while fail is set.
type deadFails struct {
	*transport.MemoryBackend
	fail atomic.Bool
}

func (b *deadFails) Add(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error) {
	if b.fail.Load() && strings.HasSuffix(stream, ":dead") {
		return "", transport.Permanent(errors.New("dead stream unavailable"))
	}
	return b.MemoryBackend.Add(ctx, stream, values, maxLen)
}

// A failed dead-letter write leaves the entry pending so a later pass can
// still move it, rather than acknowledging it as already settled.
func TestDeadLetterRetriedAfterWriteFailure(t *testing.T) {
	backend := &deadFails{MemoryBackend: transport.NewMemoryBackend()}
	tr := transport.New(backend, transport.Options{})
	c, err := New(tr, Config{Stream: inbox, Group: "g", MaxDeliveries: 1, ClaimIdle: -1})
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()
	require.NoError(t, c.Ensure(ctx))
	appendText(t, tr, "poison")

	failing := func(ctx context.Context, env *envelope.Envelope) error { return errors.New("no") }
	_, err = c.ProcessOnce(ctx, failing)
	require.NoError(t, err)

	backend.fail.Store(true)
	_, err = c.ProcessOnce(ctx, failing)
	require.NoError(t, err)
	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)

	backend.fail.Store(false)
	_, err = c.ProcessOnce(ctx, failing)
	require.NoError(t, err)

	dead, err := tr.Range(ctx, inbox+":dead", "", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, int64(3), dead[0].Envelope.DeliveryCount)
	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}

func TestMalformedEntriesAreAckedAndDropped(t *testing.T) {
	c, tr := newCoordinator(t, Config{})
	ctx := context.Background()
	require.NoError(t, c.Ensure(ctx))

	_, err := tr.AppendRaw(ctx, inbox, map[string]string{transport.FieldData: "{broken"})
	require.NoError(t, err)
	bad := envelope.New(envelope.RoleUser, "needs cid")
	bad.ReplyTo = "somewhere"
	_, err = tr.Append(ctx, inbox, bad)
	require.NoError(t, err)

	called := false
	n, err := c.ProcessOnce(ctx, func(ctx context.Context, env *envelope.Envelope) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, called)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}

func TestHandlerMalformedErrorAcks(t *testing.T) {
	c, tr := newCoordinator(t, Config{})
	ctx := context.Background()
	require.NoError(t, c.Ensure(ctx))
	appendText(t, tr, "reject")

	_, err := c.ProcessOnce(ctx, func(ctx context.Context, env *envelope.Envelope) error {
		return fmt.Errorf("%w: no good", envelope.ErrMalformed)
	})
	require.NoError(t, err)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}

func TestStaleClaimTakeover(t *testing.T) {
	tr := transport.New(transport.NewMemoryBackend(), transport.Options{})
	ctx := context.Background()

	a, err := New(tr, Config{Stream: inbox, Group: "g", Consumer: "a", ClaimIdle: time.Hour})
	require.NoError(t, err)
	defer a.Close()
	b, err := New(tr, Config{Stream: inbox, Group: "g", Consumer: "b", ClaimIdle: -1})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Ensure(ctx))
	appendText(t, tr, "job")

	// a reads and crashes before acknowledging.
	_, err = a.ProcessOnce(ctx, func(ctx context.Context, env *envelope.Envelope) error {
		return errors.New("crashed")
	})
	require.NoError(t, err)

	var handledBy string
	n, err := b.ProcessOnce(ctx, func(ctx context.Context, env *envelope.Envelope) error {
		handledBy = env.ConsumerID
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "b", handledBy)
}

// A handler slower than the staleness threshold still gets every attempt:
// its own in-flight entry is neither reclaimed nor counted again.
func TestSlowFailingHandlerGetsEveryAttempt(t *testing.T) {
	c, tr := newCoordinator(t, Config{
		Workers:       1,
		Block:         20 * time.Millisecond,
		MaxDeliveries: 3,
		ClaimIdle:     100 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Ensure(ctx))
	appendText(t, tr, "slow poison")

	var (
		mu    sync.Mutex
		calls []int64
	)
	handler := func(ctx context.Context, env *envelope.Envelope) error {
		mu.Lock()
		calls = append(calls, env.DeliveryCount)
		mu.Unlock()
		time.Sleep(300 * time.Millisecond)
		return errors.New("still failing")
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, handler) }()

	require.Eventually(t, func() bool {
		dead, err := tr.Range(ctx, inbox+":dead", "", 10)
		return err == nil && len(dead) > 0
	}, 10*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	assert.Equal(t, []int64{1, 2, 3}, calls)
	mu.Unlock()

	dead, err := tr.Range(context.Background(), inbox+":dead", "", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, int64(4), dead[0].Envelope.DeliveryCount)
	assert.Equal(t, "4", dead[0].Values[transport.FieldDeliveryCount])
}

// Two consumers share a group: a live entry stays with its owner however long
// it runs, while an entry held by a consumer that went away moves to one of
// them once it has been idle past the threshold.
func TestSharedGroupTakeover(t *testing.T) {
	tr := transport.New(transport.NewMemoryBackend(), transport.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const idle = 100 * time.Millisecond
	a, err := New(tr, Config{Stream: inbox, Group: "g", Consumer: "a", Block: 20 * time.Millisecond, ClaimIdle: idle})
	require.NoError(t, err)
	defer a.Close()
	b, err := New(tr, Config{Stream: inbox, Group: "g", Consumer: "b", Block: 20 * time.Millisecond, ClaimIdle: idle})
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, a.Ensure(ctx))

	// A third consumer reads an entry and disappears without acknowledging it.
	appendText(t, tr, "orphan")
	orphanedAt := time.Now()
	orphaned, err := tr.ReadGroup(ctx, inbox, "g", "ghost", 0, 10)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)

	type call struct {
		text     string
		consumer string
		count    int64
		at       time.Time
	}
	var (
		mu      sync.Mutex
		calls   []call
		started = make(chan struct{})
		finish  = make(chan struct{})
	)
	handler := func(ctx context.Context, env *envelope.Envelope) error {
		mu.Lock()
		calls = append(calls, call{text: env.Content.Text(), consumer: env.ConsumerID, count: env.DeliveryCount, at: time.Now()})
		mu.Unlock()
		if env.Content.Text() == "long job" {
			close(started)
			<-finish
		}
		return nil
	}
	callsFor := func(text string) []call {
		mu.Lock()
		defer mu.Unlock()
		var out []call
		for _, c := range calls {
			if c.text == text {
				out = append(out, c)
			}
		}
		return out
	}

	errs := make(chan error, 2)
	go func() { errs <- a.Run(ctx, handler) }()
	go func() { errs <- b.Run(ctx, handler) }()

	appendText(t, tr, "long job")
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("long job never started")
	}

	// Several staleness windows pass while the owner is still busy.
	time.Sleep(5 * idle)

	long := callsFor("long job")
	require.Len(t, long, 1, "a live entry must not be taken over")
	assert.Equal(t, int64(1), long[0].count)

	pending, err := tr.Pending(ctx, inbox, "g")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, long[0].consumer, pending[0].Consumer)
	assert.Equal(t, int64(1), pending[0].DeliveryCount)

	orphan := callsFor("orphan")
	require.Len(t, orphan, 1)
	assert.Contains(t, []string{"a", "b"}, orphan[0].consumer)
	assert.Equal(t, int64(2), orphan[0].count)
	assert.GreaterOrEqual(t, orphan[0].at.Sub(orphanedAt), idle)

	close(finish)
	require.Eventually(t, func() bool {
		p, err := tr.Pending(ctx, inbox, "g")
		return err == nil && len(p) == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Len(t, callsFor("long job"), 1)
}

func TestRunPreservesPerKeyOrder(t *testing.T) {
	c, tr := newCoordinator(t, Config{
		Workers: 4,
		Block:   50 * time.Millisecond,
		KeyFunc: func(env *envelope.Envelope) string { return env.SessionCode },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Ensure(ctx))

	keys := []string{"s1", "s2", "s3"}
	const perKey = 8
	for i := 0; i < perKey; i++ {
		for _, k := range keys {
			env := envelope.New(envelope.RoleUser, fmt.Sprintf("%s-%d", k, i))
			env.SessionCode = k
			_, err := tr.Append(ctx, inbox, env)
			require.NoError(t, err)
		}
	}

	var (
		mu       sync.Mutex
		order    = map[string][]string{}
		active   = map[string]int{}
		overlaps atomic.Int32
		total    atomic.Int32
	)
	handler := func(ctx context.Context, env *envelope.Envelope) error {
		k := env.SessionCode
		mu.Lock()
		active[k]++
		if active[k] > 1 {
			overlaps.Add(1)
		}
		mu.Unlock()

		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)

		mu.Lock()
		order[k] = append(order[k], env.Content.Text())
		active[k]--
		mu.Unlock()
		total.Add(1)
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, handler) }()

	require.Eventually(t, func() bool { return total.Load() == int32(perKey*len(keys)) }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, overlaps.Load())
	for _, k := range keys {
		want := make([]string, perKey)
		for i := range want {
			want[i] = fmt.Sprintf("%s-%d", k, i)
		}
		assert.Equal(t, want, order[k], "key %s", k)
	}
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	c, _ := newCoordinator(t, Config{Block: 20 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.Run(ctx, func(ctx context.Context, env *envelope.Envelope) error { return nil })
	assert.NoError(t, err)
}
