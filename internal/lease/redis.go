package lease

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compare-and-act scripts keep renew and release from touching a key that
// another owner has claimed since.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Redis implements Lease with SET NX PX on a shared Redis.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Acquire implements Lease. Re-acquiring a key the owner already holds
// refreshes its TTL.
func (r *Redis) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	if err := r.Renew(ctx, key, owner, ttl); err != nil {
		if errors.Is(err, ErrNotHeld) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Renew implements Lease.
func (r *Redis) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, r.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release implements Lease.
func (r *Redis) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, r.client, []string{key}, owner).Err()
}
