package usecase

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/example/leafscan/internal/pipeline"
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache constructs a Redis-backed cache whose keys are namespaced
// under prefix.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, expiration).Err()
}

// Get retrieves a cached value from Redis. A miss is reported as redis.Nil.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, c.prefix+key).Result()
}

func diagnosisKey(diagnosisID string) string {
	return "diagnosis:" + diagnosisID
}

// imageKey is image:<sha1>:<lang>:<model version>:<confidence>:<plant colour>.
func imageKey(sha1Hex, lang, modelVersion string, t pipeline.Thresholds) string {
	return strings.Join([]string{
		"image",
		sha1Hex,
		lang,
		modelVersion,
		strconv.FormatFloat(t.Confidence, 'g', -1, 64),
		strconv.FormatFloat(t.PlantColor, 'g', -1, 64),
	}, ":")
}
