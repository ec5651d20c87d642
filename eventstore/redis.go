// Package eventstore forwards absorbed events to external stores
package eventstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/interfaces"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

// DefaultStream is the Redis stream events are appended to
const DefaultStream = "qnsf:events"

// RedisStream appends events to a Redis stream with XADD.
// Downstream risk engines consume the stream; this type never reads it.
type RedisStream struct {
	client redis.Cmdable
	stream string
	maxLen int64
	logger zerolog.Logger
	now    func() time.Time
}

var _ interfaces.EventStore = (*RedisStream)(nil)

// RedisOption configures a RedisStream
type RedisOption func(*RedisStream)

// WithStream overrides the stream key
func WithStream(stream string) RedisOption {
	return func(r *RedisStream) { r.stream = stream }
}

// WithMaxLen caps the stream length (approximate trimming). Zero disables trimming.
func WithMaxLen(n int64) RedisOption {
	return func(r *RedisStream) { r.maxLen = n }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) RedisOption {
	return func(r *RedisStream) { r.logger = l }
}

// NewRedisStream creates a stream forwarder on an existing client
func NewRedisStream(client redis.Cmdable, opts ...RedisOption) (*RedisStream, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	r := &RedisStream{
		client: client,
		stream: DefaultStream,
		logger: log.Logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.stream == "" {
		return nil, fmt.Errorf("redis stream name cannot be empty")
	}
	if r.maxLen < 0 {
		return nil, fmt.Errorf("redis stream max length cannot be negative")
	}
	r.logger = r.logger.With().Str("component", "eventstore").Str("stream", r.stream).Logger()
	return r, nil
}

// StoreEvent appends the event to the stream
func (r *RedisStream) StoreEvent(ctx context.Context, event types.Event) error {
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: streamValues(event, r.now()),
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to XADD event to redis stream %s: %w", r.stream, err)
	}

	r.logger.Debug().
		Str("entryId", id).
		Str("domain", string(event.Domain)).
		Str("result", string(event.Result)).
		Msg("Event forwarded")
	return nil
}

// Ping checks connectivity to Redis
func (r *RedisStream) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// streamValues flattens an event into stream entry fields
func streamValues(event types.Event, ingestedAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"domain":       string(event.Domain),
		"result":       string(event.Result),
		"severity":     strconv.FormatFloat(event.Severity, 'f', -1, 64),
		"action_taken": event.ActionTaken,
		"ingested_at":  ingestedAt.Format(time.RFC3339Nano),
	}
}
