// ABOUTME: Log Transport: envelope append, blocking read, consumer-group read, ack and pending inspection
// ABOUTME: Encodes envelopes as the "data" field and retries transient backend faults with backoff

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/2389/aetherbus/internal/envelope"
	"github.com/2389/aetherbus/internal/metrics"
)

// Entry field names. Reads accept either; writes use FieldData.
const (
	FieldData          = "data"
	FieldEnv           = "env"
	FieldDeliveryCount = "delivery_count"
	FieldSourceID      = "source_id"
	FieldReason        = "reason"
)

// TailEmpty is the tail id of an empty or missing stream.
const TailEmpty = "0-0"

const pendingPage = 1000

// Delivery is one log entry decoded for a reader.
type Delivery struct {
	ID            string
	Stream        string
	Envelope      *envelope.Envelope
	Values        map[string]string
	DeliveryCount int64
	// Err wraps envelope.ErrMalformed when the entry could not be decoded.
	Err error
}

// PendingEntry is an entry read through a group and not yet acknowledged.
// DeliveredAt is the time of the most recent delivery.
type PendingEntry struct {
	ID            string
	Consumer      string
	DeliveryCount int64
	Idle          time.Duration
	DeliveredAt   time.Time
}

// Options configures a Transport.
type Options struct {
	// MaxLen trims streams to roughly this many entries on append. Zero keeps everything.
	MaxLen int64
	// SizeLimit rejects encoded envelopes above this many bytes. Zero uses envelope.DefaultSizeLimit.
	SizeLimit int
	Backoff   BackoffConfig
	// DiscoveryStream receives a discovery envelope the first time a stream is created. Empty disables.
	DiscoveryStream string
	Logger          *slog.Logger
}

// Transport is the envelope-level view of a Backend.
type Transport struct {
	backend Backend
	opts    Options
	logger  *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	known sync.Map // streams seen to exist, for discovery
}

// New wraps backend. Zero-valued options take their defaults.
func New(backend Backend, opts Options) *Transport {
	if opts.SizeLimit == 0 {
		opts.SizeLimit = envelope.DefaultSizeLimit
	}
	if opts.Backoff.MaxAttempts == 0 {
		opts.Backoff = DefaultBackoff()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		backend: backend,
		opts:    opts,
		logger:  logger.With("component", "transport"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Backend returns the underlying backend.
func (t *Transport) Backend() Backend { return t.backend }

// Close closes the backend.
func (t *Transport) Close() error { return t.backend.Close() }

func (t *Transport) nextDelay(attempt int) time.Duration {
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	return NextBackoffDelay(t.opts.Backoff, attempt, t.rng)
}

// do runs fn, retrying transient faults. Exhaustion yields *Error.
func (t *Transport) do(ctx context.Context, op, stream string, fn func(context.Context) error) error {
	attempts := max(t.opts.Backoff.MaxAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		metrics.RecordTransportOp(op, err)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		delay := t.nextDelay(attempt)
		t.logger.Warn("transient log fault, retrying",
			"op", op, "stream", stream, "attempt", attempt, "delay", delay, "error", err)
		metrics.RecordTransportRetry(op)
		if werr := Sleep(ctx, delay); werr != nil {
			return werr
		}
	}
	return &Error{Op: op, Stream: stream, Attempts: attempts, Err: err}
}

// Append encodes env and appends it to stream, returning the assigned id.
// The id is also stored in env.EnvelopeID.
func (t *Transport) Append(ctx context.Context, stream string, env *envelope.Envelope) (string, error) {
	b, err := envelope.EncodeLimit(env, t.opts.SizeLimit)
	if err != nil {
		return "", err
	}
	id, err := t.AppendRaw(ctx, stream, map[string]string{FieldData: string(b)})
	if err != nil {
		return "", err
	}
	env.EnvelopeID = id
	return id, nil
}

// AppendRaw appends pre-encoded entry fields.
func (t *Transport) AppendRaw(ctx context.Context, stream string, values map[string]string) (string, error) {
	announce := t.shouldAnnounce(ctx, stream)

	var id string
	err := t.do(ctx, "append", stream, func(ctx context.Context) error {
		var err error
		id, err = t.backend.Add(ctx, stream, values, t.opts.MaxLen)
		return err
	})
	if err != nil {
		return "", err
	}
	t.known.Store(stream, struct{}{})

	if announce {
		t.announce(ctx, stream)
	}
	return id, nil
}

func (t *Transport) shouldAnnounce(ctx context.Context, stream string) bool {
	if t.opts.DiscoveryStream == "" || stream == t.opts.DiscoveryStream {
		return false
	}
	if _, ok := t.known.Load(stream); ok {
		return false
	}
	exists, err := t.backend.Exists(ctx, stream)
	if err != nil {
		return false
	}
	if exists {
		t.known.Store(stream, struct{}{})
	}
	return !exists
}

func (t *Transport) announce(ctx context.Context, stream string) {
	env := envelope.New(envelope.RoleSystem, map[string]any{"text": "stream created", "stream": stream})
	env.EnvelopeType = envelope.TypeDiscovery
	if _, err := t.Append(ctx, t.opts.DiscoveryStream, env); err != nil {
		t.logger.Warn("failed to publish discovery envelope", "stream", stream, "error", err)
	}
}

func (t *Transport) decode(stream string, m Message) Delivery {
	d := Delivery{ID: m.ID, Stream: stream, Values: m.Values, DeliveryCount: m.DeliveryCount}
	raw, ok := m.Values[FieldData]
	if !ok {
		raw, ok = m.Values[FieldEnv]
	}
	if !ok {
		d.Err = fmt.Errorf("%w: entry %s has no %q field", envelope.ErrMalformed, m.ID, FieldData)
		return d
	}
	env, err := envelope.Decode([]byte(raw))
	if err != nil {
		d.Err = err
		return d
	}
	env.EnvelopeID = m.ID
	switch {
	case m.DeliveryCount > 0:
		env.DeliveryCount = m.DeliveryCount
	case m.Values[FieldDeliveryCount] != "":
		if n, err := strconv.ParseInt(m.Values[FieldDeliveryCount], 10, 64); err == nil {
			env.DeliveryCount = n
			d.DeliveryCount = n
		}
	}
	d.Envelope = env
	return d
}

func (t *Transport) decodeAll(stream string, msgs []Message) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, t.decode(stream, m))
	}
	return out
}

// Read returns up to count entries after sinceID, blocking up to block for the first one.
func (t *Transport) Read(ctx context.Context, stream, sinceID string, count int64, block time.Duration) ([]Delivery, error) {
	if sinceID == "" {
		sinceID = "$"
	}
	var msgs []Message
	err := t.do(ctx, "read", stream, func(ctx context.Context) error {
		var err error
		msgs, err = t.backend.Read(ctx, stream, sinceID, count, block)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t.decodeAll(stream, msgs), nil
}

// ReadBlock waits up to timeout for the first entry after sinceID.
// It returns nil without error when the timeout elapses.
func (t *Transport) ReadBlock(ctx context.Context, stream, sinceID string, timeout time.Duration) (*Delivery, error) {
	ds, err := t.Read(ctx, stream, sinceID, 1, timeout)
	if err != nil || len(ds) == 0 {
		return nil, err
	}
	return &ds[0], nil
}

// Range returns up to count entries after sinceID without blocking.
func (t *Transport) Range(ctx context.Context, stream, sinceID string, count int64) ([]Delivery, error) {
	if sinceID == "" {
		sinceID = TailEmpty
	}
	return t.Read(ctx, stream, sinceID, count, 0)
}

// TailID returns the newest id in stream, or TailEmpty.
func (t *Transport) TailID(ctx context.Context, stream string) (string, error) {
	var id string
	err := t.do(ctx, "tail", stream, func(ctx context.Context) error {
		var err error
		id, err = t.backend.Last(ctx, stream)
		return err
	})
	if err != nil {
		return "", err
	}
	if id == "" {
		return TailEmpty, nil
	}
	return id, nil
}

// Delete removes stream and its groups.
func (t *Transport) Delete(ctx context.Context, stream string) error {
	t.known.Delete(stream)
	return t.do(ctx, "delete", stream, func(ctx context.Context) error {
		return t.backend.Delete(ctx, stream)
	})
}

// CreateGroup creates group on stream, creating the stream if needed.
// An existing group is not an error.
func (t *Transport) CreateGroup(ctx context.Context, stream, group string) error {
	err := t.do(ctx, "create_group", stream, func(ctx context.Context) error {
		return t.backend.CreateGroup(ctx, stream, group, "0")
	})
	if errors.Is(err, ErrGroupExists) {
		return nil
	}
	if err == nil {
		t.known.Store(stream, struct{}{})
	}
	return err
}

// ReadGroup reads new entries for consumer, blocking up to timeout.
func (t *Transport) ReadGroup(ctx context.Context, stream, group, consumer string, timeout time.Duration, maxCount int64) ([]Delivery, error) {
	var msgs []Message
	err := t.do(ctx, "read_group", stream, func(ctx context.Context) error {
		var err error
		msgs, err = t.backend.ReadGroup(ctx, stream, group, consumer, maxCount, timeout)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t.stampGroup(t.decodeAll(stream, msgs), group, consumer), nil
}

// Claim takes over entries pending for at least minIdle, other than the ids in
// skip. Each claimed entry counts as one more delivery.
func (t *Transport) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64, skip ...string) ([]Delivery, error) {
	var msgs []Message
	err := t.do(ctx, "claim", stream, func(ctx context.Context) error {
		var err error
		msgs, err = t.backend.Claim(ctx, stream, group, consumer, minIdle, count, skip)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t.stampGroup(t.decodeAll(stream, msgs), group, consumer), nil
}

// Touch marks ids consumer is still working on as fresh so no other consumer
// treats them as stale. Delivery counts are unchanged.
func (t *Transport) Touch(ctx context.Context, stream, group, consumer string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return t.do(ctx, "touch", stream, func(ctx context.Context) error {
		return t.backend.Touch(ctx, stream, group, consumer, ids...)
	})
}

func (t *Transport) stampGroup(ds []Delivery, group, consumer string) []Delivery {
	for i := range ds {
		if env := ds[i].Envelope; env != nil {
			env.ConsumerGroup = group
			env.ConsumerID = consumer
		}
	}
	return ds
}

// Ack acknowledges ids on stream for group.
func (t *Transport) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return t.do(ctx, "ack", stream, func(ctx context.Context) error {
		return t.backend.Ack(ctx, stream, group, ids...)
	})
}

// Pending lists entries read through group but not acknowledged.
func (t *Transport) Pending(ctx context.Context, stream, group string) ([]PendingEntry, error) {
	var infos []PendingInfo
	err := t.do(ctx, "pending", stream, func(ctx context.Context) error {
		var err error
		infos, err = t.backend.Pending(ctx, stream, group, pendingPage)
		return err
	})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]PendingEntry, 0, len(infos))
	for _, p := range infos {
		out = append(out, PendingEntry{
			ID:            p.ID,
			Consumer:      p.Consumer,
			DeliveryCount: p.DeliveryCount,
			Idle:          p.Idle,
			DeliveredAt:   now.Add(-p.Idle),
		})
	}
	return out, nil
}

// Ping checks that the log is reachable. It is not retried.
func (t *Transport) Ping(ctx context.Context) error {
	return t.backend.Ping(ctx)
}
