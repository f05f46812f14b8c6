package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher publishes events as JSON on "{prefix}:{topic_id}".
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(redisURL, prefix string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisPublisherWithClient(client, prefix), nil
}

func NewRedisPublisherWithClient(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "tallyhall:tally"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Channel(topicID string) string {
	return p.prefix + ":" + topicID
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(event.TopicID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

type sink interface {
	Publish(ctx context.Context, event Event) error
}

// Forward relays bus events to out until ctx is done. Failures are logged
// and the event is dropped. The returned channel is closed when the relay
// goroutine exits.
func Forward(ctx context.Context, bus *Bus, out sink, logger *zap.Logger) <-chan struct{} {
	if logger == nil {
		logger = zap.NewNop()
	}
	events, cancel := bus.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				pubCtx, stop := context.WithTimeout(ctx, 2*time.Second)
				if err := out.Publish(pubCtx, event); err != nil {
					logger.Warn("notify: forward event failed",
						zap.String("topic_id", event.TopicID),
						zap.String("type", string(event.Type)),
						zap.Error(err),
					)
				}
				stop()
			}
		}
	}()
	return done
}
