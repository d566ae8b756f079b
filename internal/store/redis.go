package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// decrementIfPositive consumes one unit only when the counter is positive.
// Running server-side keeps consumption atomic under concurrent redemptions.
var decrementIfPositiveScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v > 0 then
	redis.call('DECR', KEYS[1])
	return 1
end
return 0
`)

// incrementCapped raises the counter up to the cap and refreshes the TTL even
// when the cap is already reached, so credits persist across a long outage.
var incrementCappedScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v < tonumber(ARGV[1]) then
	v = redis.call('INCR', KEYS[1])
end
redis.call('EXPIRE', KEYS[1], ARGV[2])
return v
`)

// RedisKV adapts a go-redis client to the KV contract.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV connects to the key-value service and verifies the connection.
func NewRedisKV(ctx context.Context, redisURL string) (*RedisKV, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisKV{client: client}, nil
}

// NewRedisKVFromClient wraps an existing client. Used by tests.
func NewRedisKVFromClient(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisKV) DecrementIfPositive(ctx context.Context, key string) (bool, error) {
	n, err := decrementIfPositiveScript.Run(ctx, r.client, []string{key}).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisKV) IncrementCapped(ctx context.Context, key string, cap int64, ttl time.Duration) (int64, error) {
	return incrementCappedScript.Run(ctx, r.client, []string{key}, cap, int64(ttl.Seconds())).Int64()
}

// Close releases the underlying connection pool.
func (r *RedisKV) Close() error {
	return r.client.Close()
}
