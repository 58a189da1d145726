package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Broadcaster relays session events between server instances.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe calls deliver for every event published by another
	// instance. It blocks until ctx is done or the subscription fails.
	Subscribe(ctx context.Context, deliver func(Event)) error
}

// DefaultChannel is the Redis channel events are relayed on.
const DefaultChannel = "collabdocs:events"

type relayEnvelope struct {
	Instance string `json:"instance"`
	Event    Event  `json:"event"`
}

// RedisBroadcaster relays events over Redis pub/sub. Each instance tags what
// it publishes so its own events are not delivered twice.
type RedisBroadcaster struct {
	rdb      *redis.Client
	channel  string
	instance string
	logger   *slog.Logger
}

func NewRedisBroadcaster(rdb *redis.Client, channel string, logger *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	instance := uuid.NewString()
	return &RedisBroadcaster{
		rdb:      rdb,
		channel:  channel,
		instance: instance,
		logger:   logger.With("component", "redis_broadcaster", "instance", instance),
	}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(relayEnvelope{Instance: b.instance, Event: ev})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, deliver func(Event)) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before relaying.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("relaying session events", "channel", b.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", b.channel)
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			if env.Instance == b.instance {
				continue
			}
			deliver(env.Event)
		}
	}
}
