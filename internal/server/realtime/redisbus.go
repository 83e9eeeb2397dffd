package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus fans broadcasts out to every hub subscribed to the same Redis
// channel, so rooms span server instances.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	hub     *Hub
	log     zerolog.Logger
}

func NewRedisBus(client redis.UniversalClient, channel string, hub *Hub, log zerolog.Logger) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: channel,
		hub:     hub,
		log:     log.With().Str("component", "redisbus").Str("channel", channel).Logger(),
	}
}

func (b *RedisBus) Publish(ctx context.Context, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish delivery: %w", err)
	}
	return nil
}

// Run subscribes to the channel and delivers broadcasts published by other
// hubs until ctx is cancelled.
func (b *RedisBus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info().Msg("Subscribed to broadcast channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(msg.Payload)
		}
	}
}

func (b *RedisBus) handle(payload string) {
	var d Delivery
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		b.log.Warn().Err(err).Msg("Discarding malformed delivery")
		return
	}
	if d.Origin == b.hub.Origin() {
		return
	}
	b.hub.Deliver(d)
}
