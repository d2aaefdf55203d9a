package broadcast

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"fleet-telemetry/backend/internal/event/domain"
)

// NewRedisClient returns a client for addr. It does not connect until first use.
func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}

type redisPublishClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher publishes each envelope to a Redis channel as a one-element JSON array.
type RedisPublisher struct {
	client  redisPublishClient
	channel string
}

// NewRedisPublisher returns a publisher for channel.
func NewRedisPublisher(client redisPublishClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, env *domain.Envelope) error {
	msg, err := domain.EncodeBatch(env)
	if err != nil {
		return fmt.Errorf("broadcast: encode: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, msg).Err(); err != nil {
		return fmt.Errorf("broadcast: redis publish %s: %w", p.channel, err)
	}
	return nil
}

// Relay forwards messages from a Redis channel to a local Hub. It runs on the gateway, where
// subscribers hold their websockets.
type Relay struct {
	client  *redis.Client
	channel string
	hub     *Hub
}

// NewRelay returns a relay from channel into hub.
func NewRelay(client *redis.Client, channel string, hub *Hub) *Relay {
	return &Relay{client: client, channel: channel, hub: hub}
}

// Run subscribes and forwards until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("broadcast: subscribe %s: %w", r.channel, err)
	}
	log.Printf("broadcast: relaying redis channel %s", r.channel)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.hub.Broadcast([]byte(msg.Payload))
		}
	}
}
