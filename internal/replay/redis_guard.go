// Package replay records which (user, topic, nonce) submissions were already
// consumed, so a resubmitted request can be rejected before any mutation.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrAlreadyUsed is returned by MarkReplay when the nonce was consumed.
var ErrAlreadyUsed = errors.New("replay: nonce already used")

// RedisGuard stores consumed nonces as expiring Redis keys.
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisGuard connects to redisURL and checks the connection.
func NewRedisGuard(redisURL string, ttl time.Duration) (*RedisGuard, error) {
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

	return NewRedisGuardWithClient(client, ttl), nil
}

// NewRedisGuardWithClient builds a guard on an existing client.
func NewRedisGuardWithClient(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisGuard{
		client: client,
		prefix: "replay:",
		ttl:    ttl,
	}
}

func (g *RedisGuard) key(userID, topicID, nonce string) string {
	return g.prefix + strings.Join([]string{userID, topicID, nonce}, ":")
}

// IsReplay reports whether the nonce was already consumed.
func (g *RedisGuard) IsReplay(ctx context.Context, userID, topicID, nonce string) (bool, error) {
	n, err := g.client.Exists(ctx, g.key(userID, topicID, nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("check nonce: %w", err)
	}
	return n > 0, nil
}

// MarkReplay consumes the nonce. A second mark of the same nonce fails with
// ErrAlreadyUsed.
func (g *RedisGuard) MarkReplay(ctx context.Context, userID, topicID, nonce string) error {
	ok, err := g.client.SetNX(ctx, g.key(userID, topicID, nonce), time.Now().UTC().Format(time.RFC3339Nano), g.ttl).Result()
	if err != nil {
		return fmt.Errorf("mark nonce: %w", err)
	}
	if !ok {
		return ErrAlreadyUsed
	}
	return nil
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}

func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}
