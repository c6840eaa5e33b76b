package security

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares filter state across ingest nodes. Counter increments
// pipeline INCR with EXPIRE so buckets age out server-side without a
// sweeper of our own.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps an existing client. The prefix namespaces every key
// so one Redis can serve several deployments.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "soar"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + ":" + k
}

func (c *RedisCache) IncrBucket(ctx context.Context, key string, bucket int64, ttl time.Duration) (int64, error) {
	k := c.key(bucketKey(key, bucket))
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) GetBucket(ctx context.Context, key string, bucket int64) (int64, error) {
	n, err := c.client.Get(ctx, c.key(bucketKey(key, bucket))).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (c *RedisCache) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.key(key), 1, ttl).Result()
}

func (c *RedisCache) Set(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(key), 1, ttl).Err()
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	return n > 0, err
}

func (c *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.client.TTL(ctx, c.key(key)).Result()
	if err != nil || d < 0 {
		return 0, err
	}
	return d, nil
}

func (c *RedisCache) CountPrefix(ctx context.Context, prefix string) (int64, error) {
	var n int64
	iter := c.client.Scan(ctx, 0, c.key(prefix)+"*", 512).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
