// ABOUTME: Consumer Group Coordinator: claim, process and acknowledge cycle over one stream
// ABOUTME: Handles stale-claim takeover, dead-lettering past the redelivery ceiling and keyed ordering

package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/aetherbus/internal/dedupe"
	"github.com/2389/aetherbus/internal/envelope"
	"github.com/2389/aetherbus/internal/metrics"
	"github.com/2389/aetherbus/internal/streamkey"
	"github.com/2389/aetherbus/internal/transport"
)

// ErrRedeliveryExhausted is recorded on entries moved to the dead-letter stream.
var ErrRedeliveryExhausted = errors.New("redelivery exhausted")

// Defaults applied by New.
const (
	DefaultWorkers       = 4
	DefaultBatchSize     = 10
	DefaultBlock         = 2 * time.Second
	DefaultMaxDeliveries = 3
	DefaultClaimIdle     = 3 * time.Minute
	DefaultDedupeTTL     = 10 * time.Minute
)

// Handler processes one envelope. Returning nil acknowledges the entry;
// an error wrapping envelope.ErrMalformed acknowledges and drops it;
// any other error leaves it pending for redelivery.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// KeyFunc assigns an ordering key. Envelopes sharing a non-empty key are
// handled one at a time in stream order. It runs on the reader goroutine.
type KeyFunc func(env *envelope.Envelope) string

// Config configures a Coordinator.
type Config struct {
	Stream        string
	Group         string
	Consumer      string
	Workers       int
	BatchSize     int64
	Block         time.Duration
	MaxDeliveries int64
	// ClaimIdle is how long an entry must sit unacknowledged before another
	// consumer may take it over. Entries still being handled are kept fresh
	// by a heartbeat and never taken over. Negative means immediately.
	ClaimIdle time.Duration
	DedupeTTL time.Duration
	KeyFunc   KeyFunc
	Logger    *slog.Logger
}

// Stats summarises the group's pending entries.
type Stats struct {
	Stream           string
	Group            string
	Pending          int
	PerConsumer      map[string]int
	MaxDeliveryCount int64
	OldestIdle       time.Duration
}

// Coordinator drives one consumer identity within a group.
type Coordinator struct {
	tr     *transport.Transport
	cfg    Config
	logger *slog.Logger
	seen   *dedupe.Cache

	mu       sync.Mutex
	inflight map[string]struct{} // entry ids dispatched and not yet settled
}

// New validates cfg and applies defaults.
func New(tr *transport.Transport, cfg Config) (*Coordinator, error) {
	if cfg.Stream == "" {
		return nil, errors.New("consumer: stream is required")
	}
	if cfg.Group == "" {
		return nil, errors.New("consumer: group is required")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = cfg.Group + "-" + uuid.NewString()[:8]
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultBlock
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = DefaultMaxDeliveries
	}
	switch {
	case cfg.ClaimIdle == 0:
		cfg.ClaimIdle = DefaultClaimIdle
	case cfg.ClaimIdle < 0:
		cfg.ClaimIdle = 0
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		tr:       tr,
		cfg:      cfg,
		logger:   logger.With("component", "consumer", "stream", cfg.Stream, "group", cfg.Group, "consumer", cfg.Consumer),
		seen:     dedupe.New(cfg.DedupeTTL, 10000),
		inflight: make(map[string]struct{}),
	}, nil
}

// Consumer returns the consumer identity.
func (c *Coordinator) Consumer() string { return c.cfg.Consumer }

// Stream returns the consumed stream.
func (c *Coordinator) Stream() string { return c.cfg.Stream }

// Close releases the dedupe cache.
func (c *Coordinator) Close() { c.seen.Close() }

// Ensure creates the group if it does not exist.
func (c *Coordinator) Ensure(ctx context.Context) error {
	if err := c.tr.CreateGroup(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
		return fmt.Errorf("creating group %s on %s: %w", c.cfg.Group, c.cfg.Stream, err)
	}
	return nil
}

type job struct {
	id  string
	key string
	env *envelope.Envelope
}

// fetch reclaims stale entries, then reads new ones. Reclaimed work skips the blocking read.
func (c *Coordinator) fetch(ctx context.Context, block time.Duration) ([]transport.Delivery, error) {
	// Entries dispatched locally are still being worked on, however long they take.
	claimed, err := c.tr.Claim(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.ClaimIdle, c.cfg.BatchSize, c.held()...)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		block = 0
	}
	fresh, err := c.tr.ReadGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, block, c.cfg.BatchSize)
	if err != nil {
		return claimed, err
	}
	return append(claimed, fresh...), nil
}

func (c *Coordinator) held() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	return ids
}

// heartbeat keeps in-flight entries fresh so peers do not take over work
// that is merely slow. It beats three times per ClaimIdle window.
func (c *Coordinator) heartbeat(ctx context.Context) {
	if c.cfg.ClaimIdle <= 0 {
		return
	}
	ticker := time.NewTicker(max(c.cfg.ClaimIdle/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ids := c.held()
		if len(ids) == 0 {
			continue
		}
		if err := c.tr.Touch(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, ids...); err != nil && ctx.Err() == nil {
			c.logger.Warn("heartbeat failed", "entries", len(ids), "error", err)
		}
	}
}

// triage settles entries that must not reach the handler and returns the rest as jobs.
func (c *Coordinator) triage(ctx context.Context, d transport.Delivery) (job, bool) {
	key := dedupe.Key(c.cfg.Stream, d.ID)

	if d.DeliveryCount > c.cfg.MaxDeliveries {
		// Recorded before the copy is written, so a redelivery racing the ack is acked instead of copied twice.
		if outcome, dup := c.seen.CheckAndRecord(key, dedupe.DeadLettered); dup {
			c.duplicate(ctx, d.ID, outcome)
			return job{}, false
		}
		if err := c.deadLetter(ctx, d); err != nil {
			c.seen.Forget(key)
			c.logger.Error("failed to dead-letter entry", "id", d.ID, "error", err)
			return job{}, false
		}
		c.ack(ctx, d.ID)
		metrics.RecordDelivery(c.cfg.Stream, c.cfg.Group, "dead_lettered")
		return job{}, false
	}

	if outcome, ok := c.seen.Lookup(key); ok {
		c.duplicate(ctx, d.ID, outcome)
		return job{}, false
	}

	if d.Err == nil {
		d.Err = d.Envelope.Validate()
	}
	if d.Err != nil {
		c.logger.Warn("dropping malformed entry", "id", d.ID, "error", d.Err)
		c.ack(ctx, d.ID)
		metrics.RecordDelivery(c.cfg.Stream, c.cfg.Group, "malformed")
		return job{}, false
	}

	j := job{id: d.ID, env: d.Envelope}
	if c.cfg.KeyFunc != nil {
		j.key = c.cfg.KeyFunc(d.Envelope)
	}
	return j, true
}

// deadLetter copies the entry to <stream>:dead with its delivery count and reason.
func (c *Coordinator) deadLetter(ctx context.Context, d transport.Delivery) error {
	dead := streamkey.Dead(c.cfg.Stream)
	info := map[string]any{
		"stream":         c.cfg.Stream,
		"group":          c.cfg.Group,
		"consumer":       c.cfg.Consumer,
		"source_id":      d.ID,
		"delivery_count": d.DeliveryCount,
		"reason":         ErrRedeliveryExhausted.Error(),
	}

	values := make(map[string]string, len(d.Values)+3)
	if d.Envelope != nil {
		env := d.Envelope.Clone()
		env.DeliveryCount = d.DeliveryCount
		env.EnvelopeID = ""
		env.SetMeta("dead_letter", info)
		b, err := envelope.Encode(env)
		if err != nil {
			return err
		}
		values[transport.FieldData] = string(b)
	} else {
		for k, v := range d.Values {
			values[k] = v
		}
		b, _ := json.Marshal(info)
		values["dead_letter"] = string(b)
	}
	values[transport.FieldDeliveryCount] = strconv.FormatInt(d.DeliveryCount, 10)
	values[transport.FieldSourceID] = d.ID
	values[transport.FieldReason] = ErrRedeliveryExhausted.Error()

	if _, err := c.tr.AppendRaw(ctx, dead, values); err != nil {
		return err
	}
	c.logger.Warn("moved entry to dead-letter stream", "id", d.ID, "delivery_count", d.DeliveryCount, "dead_stream", dead)
	return nil
}

func (c *Coordinator) duplicate(ctx context.Context, id string, outcome dedupe.Outcome) {
	c.logger.Debug("acking already settled entry", "id", id, "outcome", outcome)
	c.ack(ctx, id)
	metrics.RecordDelivery(c.cfg.Stream, c.cfg.Group, "duplicate")
}

func (c *Coordinator) ack(ctx context.Context, id string) {
	if err := c.tr.Ack(ctx, c.cfg.Stream, c.cfg.Group, id); err != nil {
		c.logger.Error("ack failed", "id", id, "error", err)
	}
}

// handle runs the handler for one job and settles the entry.
func (c *Coordinator) handle(ctx context.Context, h Handler, j job) {
	start := time.Now()
	err := h(ctx, j.env)
	metrics.ObserveHandle(c.cfg.Stream, c.cfg.Group, time.Since(start))

	switch {
	case err == nil:
		c.seen.Record(dedupe.Key(c.cfg.Stream, j.id), dedupe.Handled)
		c.ack(ctx, j.id)
		metrics.RecordDelivery(c.cfg.Stream, c.cfg.Group, "acked")
	case errors.Is(err, envelope.ErrMalformed):
		c.logger.Warn("handler rejected envelope as malformed", "id", j.id, "error", err)
		c.ack(ctx, j.id)
		metrics.RecordDelivery(c.cfg.Stream, c.cfg.Group, "malformed")
	default:
		c.logger.Warn("handler failed, leaving entry pending",
			"id", j.id, "delivery_count", j.env.DeliveryCount, "error", err)
		metrics.RecordDelivery(c.cfg.Stream, c.cfg.Group, "failed")
	}
}

// ProcessOnce runs one synchronous cycle without blocking and returns the
// number of entries passed to h.
func (c *Coordinator) ProcessOnce(ctx context.Context, h Handler) (int, error) {
	if err := c.Ensure(ctx); err != nil {
		return 0, err
	}
	deliveries, err := c.fetch(ctx, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range deliveries {
		if j, ok := c.triage(ctx, d); ok {
			c.handle(ctx, h, j)
			n++
		}
	}
	return n, nil
}

// Run consumes the stream until ctx is cancelled, dispatching to a pool of
// workers. It returns nil on cancellation.
func (c *Coordinator) Run(ctx context.Context, h Handler) error {
	if err := c.Ensure(ctx); err != nil {
		return err
	}
	c.logger.Info("consumer started", "workers", c.cfg.Workers, "max_deliveries", c.cfg.MaxDeliveries)

	d := newDispatcher(c.cfg.Workers * int(c.cfg.BatchSize))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			c.work(gctx, h, d)
			return nil
		})
	}
	g.Go(func() error {
		defer close(d.work)
		return c.readLoop(gctx, d)
	})
	g.Go(func() error {
		c.heartbeat(gctx)
		return nil
	})

	err := g.Wait()
	c.logger.Info("consumer stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Coordinator) readLoop(ctx context.Context, d *dispatcher) error {
	failures := 0
	for ctx.Err() == nil {
		deliveries, err := c.fetch(ctx, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrNoGroup) {
				c.logger.Warn("group disappeared, recreating")
				if err := c.Ensure(ctx); err != nil {
					c.logger.Error("recreating group failed", "error", err)
				}
				continue
			}
			failures++
			delay := transport.NextBackoffDelay(transport.DefaultBackoff(), failures, nil)
			c.logger.Error("reading stream failed", "error", err, "retry_in", delay)
			if transport.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		failures = 0

		for _, del := range deliveries {
			j, ok := c.triage(ctx, del)
			if !ok {
				continue
			}
			c.mu.Lock()
			c.inflight[j.id] = struct{}{}
			c.mu.Unlock()
			if !d.submit(ctx, j) {
				c.settled(j.id)
				return nil
			}
		}
	}
	return nil
}

func (c *Coordinator) settled(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

func (c *Coordinator) work(ctx context.Context, h Handler, d *dispatcher) {
	for j := range d.work {
		for {
			if ctx.Err() == nil {
				c.handle(ctx, h, j)
			}
			c.settled(j.id)
			d.release()
			if j.key == "" {
				break
			}
			next, ok := d.next(j.key)
			if !ok {
				break
			}
			j = next
		}
	}
}

// dispatcher hands jobs to workers while keeping at most one job per key in flight.
type dispatcher struct {
	work  chan job
	slots chan struct{}

	mu     sync.Mutex
	queues map[string][]job // keys owned by a worker, with their waiting jobs
}

func newDispatcher(capacity int) *dispatcher {
	return &dispatcher{
		work:   make(chan job),
		slots:  make(chan struct{}, max(capacity, 1)),
		queues: make(map[string][]job),
	}
}

// submit returns false if ctx ended first.
func (d *dispatcher) submit(ctx context.Context, j job) bool {
	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return false
	}

	if j.key != "" {
		d.mu.Lock()
		if q, owned := d.queues[j.key]; owned {
			d.queues[j.key] = append(q, j)
			d.mu.Unlock()
			return true
		}
		d.queues[j.key] = nil
		d.mu.Unlock()
	}

	select {
	case d.work <- j:
		return true
	case <-ctx.Done():
		if j.key != "" {
			d.mu.Lock()
			delete(d.queues, j.key)
			d.mu.Unlock()
		}
		<-d.slots
		return false
	}
}

// next pops the following job for key, or releases ownership of key.
func (d *dispatcher) next(key string) (job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[key]
	if len(q) == 0 {
		delete(d.queues, key)
		return job{}, false
	}
	d.queues[key] = q[1:]
	return q[0], true
}

func (d *dispatcher) release() {
	<-d.slots
}

// Stats reports the group's pending entries.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	pending, err := c.tr.Pending(ctx, c.cfg.Stream, c.cfg.Group)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Stream: c.cfg.Stream, Group: c.cfg.Group, Pending: len(pending), PerConsumer: make(map[string]int)}
	for _, p := range pending {
		s.PerConsumer[p.Consumer]++
		s.MaxDeliveryCount = max(s.MaxDeliveryCount, p.DeliveryCount)
		s.OldestIdle = max(s.OldestIdle, p.Idle)
	}
	return s, nil
}
