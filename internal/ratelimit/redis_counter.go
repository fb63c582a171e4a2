package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter 用 INCR + 首次命中时 EXPIRE 实现跨实例共享的固定窗口。
// INCR 本身原子，窗口边界由 key 的 TTL 决定。
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (r *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX: only the request that opens the window sets the expiry
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}
	return int(incr.Val()), time.Now().Add(remaining), nil
}
