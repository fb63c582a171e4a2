package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const resultKeyPrefix = "analysis:result:"

// RedisStore 结果缓存的共享后端，SET EX 携带 TTL
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, fingerprint string) (*model.AnalysisResult, bool) {
	raw, err := r.client.Get(ctx, resultKeyPrefix+fingerprint).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("cache read failed", "error", err)
		}
		return nil, false
	}
	var result model.AnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		logger.Warn("cache entry corrupt, dropping", "fingerprint", fingerprint)
		_ = r.client.Del(ctx, resultKeyPrefix+fingerprint).Err()
		return nil, false
	}
	return &result, true
}

func (r *RedisStore) Set(ctx context.Context, fingerprint string, result *model.AnalysisResult, ttl time.Duration) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, resultKeyPrefix+fingerprint, raw, ttl).Err(); err != nil {
		logger.Warn("cache write failed", "error", err)
	}
}
