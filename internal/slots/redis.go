package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript checks both caps and increments both counters in one atomic
// step. A cap of 0 is unlimited. Returns {granted, credentialCount}.
var acquireScript = redis.NewScript(`
local ecap = tonumber(ARGV[1])
local ccap = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local e = tonumber(redis.call('GET', KEYS[1]) or '0')
local c = tonumber(redis.call('GET', KEYS[2]) or '0')
if ecap > 0 and e >= ecap then
  return {0, c}
end
if ccap > 0 and c >= ccap then
  return {0, c}
end
e = redis.call('INCR', KEYS[1])
c = redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('EXPIRE', KEYS[2], ttl)
return {1, c}
`)

// releaseScript decrements both counters, never below zero, dropping keys
// that reach zero.
var releaseScript = redis.NewScript(`
for i = 1, 2 do
  local v = tonumber(redis.call('GET', KEYS[i]) or '0')
  if v > 1 then
    redis.call('DECR', KEYS[i])
  elseif v == 1 then
    redis.call('DEL', KEYS[i])
  end
end
return 1
`)

// Redis is the distributed counter backend. Counters carry a TTL so a
// crashed process cannot leak slots forever.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis creates a backend over an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// TryAcquire implements Backend.
func (r *Redis) TryAcquire(ctx context.Context, endpointKey string, endpointCap int, credentialKey string, credentialCap int, ttl time.Duration) (bool, int, error) {
	ttlSec := int(ttl / time.Second)
	if ttlSec < 1 {
		ttlSec = 1
	}
	res, err := acquireScript.Run(ctx, r.client,
		[]string{endpointKey, credentialKey},
		endpointCap, credentialCap, ttlSec,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("slot acquire script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("slot acquire script: unexpected reply %v", res)
	}
	granted, _ := res[0].(int64)
	count, _ := res[1].(int64)
	return granted == 1, int(count), nil
}

// Release implements Backend.
func (r *Redis) Release(ctx context.Context, endpointKey, credentialKey string) error {
	if err := releaseScript.Run(ctx, r.client, []string{endpointKey, credentialKey}).Err(); err != nil {
		return fmt.Errorf("slot release script: %w", err)
	}
	return nil
}

// Held implements Backend.
func (r *Redis) Held(ctx context.Context, key string) (int, error) {
	n, err := r.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("slot read: %w", err)
	}
	return n, nil
}
