package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher mirrors events onto a Redis pub/sub channel as JSON.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates the publisher.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Handle is an EventHandler suitable for Dispatcher.SubscribeAll.
func (p *RedisPublisher) Handle(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
