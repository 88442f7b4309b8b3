// ABOUTME: Backend is the narrow stream-log contract the transport is written against
// ABOUTME: Implemented by RedisBackend (Redis Streams) and MemoryBackend (in-process)

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrGroupExists is returned by Backend.CreateGroup when the group is already present.
	ErrGroupExists = errors.New("consumer group already exists")
	// ErrIncompatibleGroup is returned when a group cannot be created on the key,
	// for example because it holds a value that is not a stream.
	ErrIncompatibleGroup = errors.New("incompatible consumer group")
	// ErrNoGroup is returned when reading through a group that does not exist.
	ErrNoGroup = errors.New("consumer group does not exist")
	// ErrClosed is returned by a backend after Close.
	ErrClosed = errors.New("log backend closed")
	// ErrUnsupportedURL is returned by Open for unknown schemes.
	ErrUnsupportedURL = errors.New("unsupported log url")
)

// Message is one raw stream entry.
type Message struct {
	ID     string
	Values map[string]string
	// DeliveryCount is set for group reads and claims.
	DeliveryCount int64
}

// PendingInfo describes an entry read through a group but not acknowledged.
type PendingInfo struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Backend is a durable, appendable log with consumer-group primitives.
// Blocking calls treat block <= 0 as non-blocking.
type Backend interface {
	Add(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error)
	Read(ctx context.Context, stream, afterID string, count int64, block time.Duration) ([]Message, error)
	// Last returns the newest id in stream, or "" when the stream is empty or missing.
	Last(ctx context.Context, stream string) (string, error)
	Exists(ctx context.Context, stream string) (bool, error)
	Delete(ctx context.Context, stream string) error
	CreateGroup(ctx context.Context, stream, group, startID string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)
	// Claim transfers entries idle for at least minIdle to consumer, incrementing their
	// delivery count. Ids in skip are left where they are.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64, skip []string) ([]Message, error)
	// Touch resets the idle time of ids still pending for consumer without counting a delivery.
	Touch(ctx context.Context, stream, group, consumer string, ids ...string) error
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Pending(ctx context.Context, stream, group string, count int64) ([]PendingInfo, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open returns a backend for rawURL: redis://, rediss:// or memory://.
func Open(rawURL string) (Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing log url: %w", err)
	}
	switch u.Scheme {
	case "redis", "rediss":
		return NewRedisBackend(rawURL)
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, u.Scheme)
	}
}
