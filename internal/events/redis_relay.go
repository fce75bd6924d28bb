package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultChannelPrefix = "coworking:events:"

// RedisRelay shares events between API instances. Outgoing events are
// published to prefix+spaceID; incoming events from other instances are
// delivered to the local broadcaster. A publish-only relay may have a nil
// local broadcaster and never call Run.
type RedisRelay struct {
	client *redis.Client
	prefix string
	origin string
	local  *Broadcaster
	logger zerolog.Logger
	ready  chan struct{}
}

func NewRedisRelay(client *redis.Client, prefix string, local *Broadcaster, logger *zerolog.Logger) *RedisRelay {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "redis_relay").Logger()
	}
	return &RedisRelay{
		client: client,
		prefix: prefix,
		origin: uuid.NewString(),
		local:  local,
		logger: l,
		ready:  make(chan struct{}),
	}
}

func (r *RedisRelay) Name() string { return "redis" }

func (r *RedisRelay) Forward(ctx context.Context, event Event) error {
	event.Origin = r.origin
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.prefix+event.SpaceID, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Ready is closed once the pattern subscription is confirmed.
func (r *RedisRelay) Ready() <-chan struct{} { return r.ready }

// Run consumes events published by other instances until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	if r.local == nil {
		return fmt.Errorf("redis relay has no local broadcaster")
	}
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	close(r.ready)
	r.logger.Info().Str("pattern", r.prefix+"*").Msg("Redis relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("skipping malformed relay message")
				continue
			}
			if event.Origin == r.origin {
				continue
			}
			r.local.Deliver(event)
		}
	}
}
