package review

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/telemetry"
)

const cacheKeyPrefix = "threatlens:review:"

// Cache is the subset of the redis client the CachedEngine needs.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedEngine memoizes assessments in redis keyed by payload digest.
// Redis failures are logged and the inner engine is called directly.
type CachedEngine struct {
	inner  Engine
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedEngine wraps inner with a redis-backed cache.
func NewCachedEngine(inner Engine, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedEngine{inner: inner, cache: cache, ttl: ttl, logger: logger}
}

// Review implements Engine.
func (c *CachedEngine) Review(ctx context.Context, payload string) (*telemetry.Assessment, error) {
	key := cacheKey(payload)

	raw, err := c.cache.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var a telemetry.Assessment
		if jerr := json.Unmarshal(raw, &a); jerr == nil {
			return &a, nil
		}
		c.logger.Warn("Discarding corrupt cached review", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("Review cache read failed", zap.Error(err))
	}

	a, err := c.inner.Review(ctx, payload)
	if err != nil {
		return nil, err
	}
	if Validate(a) != nil {
		// never cache something the pipeline will reject
		return a, nil
	}

	if data, merr := json.Marshal(a); merr == nil {
		if serr := c.cache.Set(ctx, key, data, c.ttl).Err(); serr != nil {
			c.logger.Warn("Review cache write failed", zap.Error(serr))
		}
	}
	return a, nil
}

func cacheKey(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}
