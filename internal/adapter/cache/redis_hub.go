package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/session"
)

const eventChannelPrefix = "bridge:events:"

// RedisHub carries session events over Redis Pub/Sub so tabs served by
// different replicas of an origin still converge.
type RedisHub struct {
	client redis.UniversalClient
	logger *zap.Logger
}

var _ session.Hub = (*RedisHub)(nil)

// NewRedisHub constructs a hub on client.
func NewRedisHub(client redis.UniversalClient, logger *zap.Logger) *RedisHub {
	if logger == nil {
		logger = zap.L()
	}
	return &RedisHub{client: client, logger: logger}
}

// Channel returns the Pub/Sub channel for name.
func (h *RedisHub) Channel(name string) session.Channel {
	return &redisChannel{hub: h, topic: eventChannelPrefix + name}
}

type redisChannel struct {
	hub   *RedisHub
	topic string
}

func (c *redisChannel) Publish(ctx context.Context, event session.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := c.hub.client.Publish(ctx, c.topic, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (c *redisChannel) Subscribe(fn func(session.Event)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := c.hub.client.Subscribe(ctx, c.topic)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var event session.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					c.hub.logger.Warn("dropping malformed session event", zap.String("topic", c.topic), zap.Error(err))
					continue
				}
				fn(event)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
			<-done
		})
	}
}
