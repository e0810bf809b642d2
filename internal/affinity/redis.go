package affinity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "strider:affinity:"

// invalidateScript deletes the key only when it still holds the expected
// value, making invalidation exact under concurrent rebinding.
var invalidateScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// Redis is the shared affinity store for multi-instance deployments.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis creates a store over an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key Key) (Entry, bool, error) {
	v, err := r.client.Get(ctx, redisKeyPrefix+key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("affinity get: %w", err)
	}
	e, ok := decodeEntry(v)
	if !ok {
		// Unparseable bindings are dropped rather than trusted.
		r.client.Del(ctx, redisKeyPrefix+key.String())
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key Key, e Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key.String(), e.encode(), ttl).Err(); err != nil {
		return fmt.Errorf("affinity set: %w", err)
	}
	return nil
}

// Invalidate implements Store.
func (r *Redis) Invalidate(ctx context.Context, key Key, e Entry) error {
	err := invalidateScript.Run(ctx, r.client, []string{redisKeyPrefix + key.String()}, e.encode()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("affinity invalidate: %w", err)
	}
	return nil
}
