// ABOUTME: Backend implementation over Redis Streams using go-redis
// ABOUTME: Maps XADD/XREAD/XGROUP/XREADGROUP/XCLAIM/XACK/XPENDING onto the Backend contract

package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScan bounds how much of the pending list one claim or touch inspects.
const claimScan = 1000

// RedisBackend talks to a Redis server (or compatible) holding the streams.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects lazily to the server named by a redis:// or rediss:// url.
func NewRedisBackend(rawURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// classify converts server replies into the backend's error vocabulary.
// Connection-level failures pass through untouched so they are retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return err
	}
	msg := rerr.Error()
	switch {
	case strings.HasPrefix(msg, "BUSYGROUP"):
		return ErrGroupExists
	case strings.HasPrefix(msg, "NOGROUP"):
		return fmt.Errorf("%w: %s", ErrNoGroup, msg)
	case strings.HasPrefix(msg, "WRONGTYPE"):
		return fmt.Errorf("%w: %s", ErrIncompatibleGroup, msg)
	case strings.HasPrefix(msg, "LOADING"), strings.HasPrefix(msg, "TRYAGAIN"), strings.HasPrefix(msg, "CLUSTERDOWN"):
		return err
	}
	return Permanent(err)
}

// blockArg maps the Backend convention (<= 0 means do not block) to go-redis,
// where a zero Block waits forever and a negative one omits BLOCK.
func blockArg(block time.Duration) time.Duration {
	if block <= 0 {
		return -1
	}
	if block < time.Millisecond {
		return time.Millisecond
	}
	return block
}

func toMessages(in []redis.XMessage) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		values := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			switch s := v.(type) {
			case string:
				values[k] = s
			case nil:
			default:
				values[k] = fmt.Sprint(s)
			}
		}
		out = append(out, Message{ID: m.ID, Values: values})
	}
	return out
}

func (r *RedisBackend) Add(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error) {
	fields := make(map[string]any, len(values))
	for k, v := range values {
		fields[k] = v
	}
	args := &redis.XAddArgs{Stream: stream, Values: fields}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	return id, classify(err)
}

func (r *RedisBackend) Read(ctx context.Context, stream, afterID string, count int64, block time.Duration) ([]Message, error) {
	res, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, afterID},
		Count:   count,
		Block:   blockArg(block),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	var out []Message
	for _, s := range res {
		out = append(out, toMessages(s.Messages)...)
	}
	return out, nil
}

func (r *RedisBackend) Last(ctx context.Context, stream string) (string, error) {
	msgs, err := r.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", classify(err)
	}
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[0].ID, nil
}

func (r *RedisBackend) Exists(ctx context.Context, stream string) (bool, error) {
	n, err := r.client.Exists(ctx, stream).Result()
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

func (r *RedisBackend) Delete(ctx context.Context, stream string) error {
	return classify(r.client.Del(ctx, stream).Err())
}

func (r *RedisBackend) CreateGroup(ctx context.Context, stream, group, startID string) error {
	if startID == "" {
		startID = "0"
	}
	return classify(r.client.XGroupCreateMkStream(ctx, stream, group, startID).Err())
}

func (r *RedisBackend) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    blockArg(block),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	var out []Message
	for _, s := range res {
		msgs := toMessages(s.Messages)
		// New entries (">") are always on their first delivery.
		for i := range msgs {
			msgs[i].DeliveryCount = 1
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// Claim picks stale ids from the pending list and XCLAIMs them. XCLAIM rechecks
// the idle time, so a racing consumer that claimed first wins.
func (r *RedisBackend) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64, skip []string) ([]Message, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  claimScan,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}

	counts := make(map[string]int64)
	var ids []string
	for _, p := range pending {
		if count > 0 && int64(len(ids)) >= count {
			break
		}
		if p.Idle < minIdle || slices.Contains(skip, p.ID) {
			continue
		}
		ids = append(ids, p.ID)
		counts[p.ID] = p.RetryCount
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}

	msgs := make([]Message, 0, len(claimed))
	for _, m := range toMessages(claimed) {
		// Entries trimmed while pending come back empty.
		if m.ID == "" {
			continue
		}
		m.DeliveryCount = counts[m.ID] + 1
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Touch re-claims ids still owned by consumer with JUSTID, which resets
// their idle time and leaves the delivery counter alone.
func (r *RedisBackend) Touch(ctx context.Context, stream, group, consumer string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	owned, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    group,
		Start:    "-",
		End:      "+",
		Count:    claimScan,
		Consumer: consumer,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return classify(err)
	}
	var mine []string
	for _, p := range owned {
		if slices.Contains(ids, p.ID) {
			mine = append(mine, p.ID)
		}
	}
	if len(mine) == 0 {
		return nil
	}
	err = r.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		Messages: mine,
	}).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return classify(err)
}

func (r *RedisBackend) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return classify(r.client.XAck(ctx, stream, group, ids...).Err())
}

func (r *RedisBackend) Pending(ctx context.Context, stream, group string, count int64) ([]PendingInfo, error) {
	entries, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, classify(err)
	}
	out := make([]PendingInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, PendingInfo{ID: e.ID, Consumer: e.Consumer, Idle: e.Idle, DeliveryCount: e.RetryCount})
	}
	return out, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
