package nonce

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter adapts a *redis.Client to the RedisClient interface this
// package depends on, keeping the Redis import confined to one file.
type GoRedisAdapter struct {
	Client *redis.Client
}

// SetNX implements RedisClient.
func (a *GoRedisAdapter) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return a.Client.SetNX(ctx, key, value, ttl).Result()
}

// NewRedisStore is a convenience constructor wiring a real go-redis client
// into a Redis nonce store.
func NewRedisStore(client *redis.Client) *Redis {
	return NewRedis(&GoRedisAdapter{Client: client})
}
