package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const apiKeyPrefix = "apikey:"

// releaseIdempotencyScript deletes the key only while it still holds the
// caller's token, so a late release cannot drop a newer claim.
var releaseIdempotencyScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]

if redis.call('GET', key) == token then
	return redis.call('DEL', key)
end

return 0
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) GetClientID(ctx context.Context, apiKey string) (int64, bool, error) {
	value, err := r.client.Get(ctx, apiKeyPrefix+apiKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	clientID, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return clientID, true, nil
}

func (r *RedisAdapter) SetClientID(ctx context.Context, apiKey string, clientID int64, ttl time.Duration) error {
	return r.client.Set(ctx, apiKeyPrefix+apiKey, clientID, ttl).Err()
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key, token string) error {
	return releaseIdempotencyScript.Run(ctx, r.client, []string{key}, token).Err()
}
