// Package events forwards pipeline events to Redis Pub/Sub so that other
// services can follow evaluation runs as they progress.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/cqlpipe/internal/pipeline"
)

// DefaultChannel is the Pub/Sub channel used when none is configured.
const DefaultChannel = "cqlpipe:events"

// Publisher delivers one pipeline event to an external consumer.
type Publisher interface {
	Publish(ctx context.Context, ev pipeline.Event) error
}

// RedisPublisher publishes events as JSON on a single Redis channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	logger  zerolog.Logger
}

// NewRedisPublisher connects lazily; call Ping to verify the server.
func NewRedisPublisher(opts *redis.Options, channel string, logger zerolog.Logger) (*RedisPublisher, error) {
	if channel == "" {
		return nil, fmt.Errorf("channel cannot be empty")
	}
	if opts == nil {
		return nil, fmt.Errorf("redis options cannot be nil")
	}
	return &RedisPublisher{
		rdb:     redis.NewClient(opts),
		channel: channel,
		logger:  logger.With().Str("component", "events").Str("channel", channel).Logger(),
	}, nil
}

// NewRedisPublisherFromURL parses a redis:// URL.
func NewRedisPublisherFromURL(url, channel string, logger zerolog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisPublisher(opts, channel, logger)
}

// Channel returns the channel events are published on.
func (p *RedisPublisher) Channel() string { return p.channel }

// Publish serializes ev and publishes it.
func (p *RedisPublisher) Publish(ctx context.Context, ev pipeline.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
	}
	return nil
}

// Ping checks the connection to Redis.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

// Publishing passes every event of seq through unchanged and publishes it
// on the way. A failed publish is logged and never interrupts the run.
func Publishing(ctx context.Context, seq iter.Seq[pipeline.Event], pub Publisher, logger zerolog.Logger) iter.Seq[pipeline.Event] {
	if pub == nil {
		return seq
	}
	return func(yield func(pipeline.Event) bool) {
		for ev := range seq {
			if err := pub.Publish(ctx, ev); err != nil {
				logger.Warn().Err(err).
					Str("run_id", ev.RunID).
					Str("event", string(ev.Type)).
					Msg("event publish failed")
			}
			if !yield(ev) {
				return
			}
		}
	}
}
