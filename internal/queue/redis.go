package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "permitcore:queue:"

// RedisBackend stores each queue as a Redis list: LPUSH to produce, BRPOP to
// consume, so envelopes survive process restarts.
type RedisBackend struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisBackend wraps client. Pop wakes at least once per second to
// observe cancellation.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: defaultRedisPrefix, timeout: time.Second}
}

func (b *RedisBackend) key(name string) string { return b.prefix + name }

// Push encodes env onto the head of the list.
func (b *RedisBackend) Push(ctx context.Context, name string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return b.client.LPush(ctx, b.key(name), raw).Err()
}

// Pop blocks on the tail of the list.
func (b *RedisBackend) Pop(ctx context.Context, name string) (Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Envelope{}, err
		}
		res, err := b.client.BRPop(ctx, b.timeout, b.key(name)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Envelope{}, ctx.Err()
			}
			return Envelope{}, err
		}
		// BRPOP returns [key, value].
		var env Envelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			return Envelope{}, fmt.Errorf("decode envelope: %w", err)
		}
		return env, nil
	}
}

// Len reports the list length.
func (b *RedisBackend) Len(ctx context.Context, name string) (int64, error) {
	return b.client.LLen(ctx, b.key(name)).Result()
}
