package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments the counter and sets its expiry in one atomic step,
// so a crash between INCR and EXPIRE cannot leave an immortal key.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// RedisCounterStore keeps window counters in a shared Redis instance so
// every gateway process sees the same counts.
type RedisCounterStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCounterStore creates a counter store over the given client.
func NewRedisCounterStore(client *redis.Client, keyPrefix string) *RedisCounterStore {
	if keyPrefix == "" {
		keyPrefix = "ratelimit"
	}
	return &RedisCounterStore{client: client, keyPrefix: keyPrefix}
}

// Incr atomically increments the key's counter. The key expires at the end
// of the window, which implements the reset.
func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	redisKey := fmt.Sprintf("%s:%s", s.keyPrefix, key)

	result, err := incrScript.Run(ctx, s.client, []string{redisKey}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected rate limit script result: %v", result)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected rate limit count type: %T", values[0])
	}
	ttlMillis, ok := values[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected rate limit ttl type: %T", values[1])
	}

	resetIn := time.Duration(ttlMillis) * time.Millisecond
	if resetIn < 0 {
		resetIn = window
	}
	return count, resetIn, nil
}
