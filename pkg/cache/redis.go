package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-redis/redis/v8"
)

// RedisCacheConfig Redis 缓存配置
type RedisCacheConfig struct {
	Prefix     string        // 键命名空间前缀
	DefaultTTL time.Duration // 默认生存时间
	ScanCount  int64         // 前缀失效时每批 SCAN 的数量
}

// RedisCache 以 JSON 编码存储值的远程缓存，过期由 Redis 负责
type RedisCache[T any] struct {
	client    redis.UniversalClient
	config    RedisCacheConfig
	hitCount  int64
	missCount int64
}

// NewRedisCache 创建 Redis 缓存
func NewRedisCache[T any](client redis.UniversalClient, config RedisCacheConfig) *RedisCache[T] {
	if config.ScanCount <= 0 {
		config.ScanCount = 100
	}
	return &RedisCache[T]{client: client, config: config}
}

func (rc *RedisCache[T]) key(k string) string {
	return rc.config.Prefix + k
}

// Get 从 Redis 获取并解码
func (rc *RedisCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	v, _, ok, err := rc.GetWithTTL(ctx, key)
	return v, ok, err
}

// GetWithTTL 在同一个 pipeline 中读取值和 PTTL
func (rc *RedisCache[T]) GetWithTTL(ctx context.Context, key string) (T, time.Duration, bool, error) {
	var zero T

	k := rc.key(key)
	pipe := rc.client.Pipeline()
	getCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	_, _ = pipe.Exec(ctx)

	raw, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		atomic.AddInt64(&rc.missCount, 1)
		return zero, 0, false, nil
	}
	if err != nil {
		return zero, 0, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	// 没有过期时间时 PTTL 返回负值，按默认 TTL 处理
	remaining, err := ttlCmd.Result()
	if err != nil || remaining <= 0 {
		remaining = rc.config.DefaultTTL
	}

	var value T
	if err := sonic.Unmarshal(raw, &value); err != nil {
		// 损坏的条目直接删除，按未命中处理
		rc.client.Del(ctx, k)
		atomic.AddInt64(&rc.missCount, 1)
		return zero, 0, false, nil
	}
	atomic.AddInt64(&rc.hitCount, 1)
	return value, remaining, true, nil
}

// Set 编码后写入 Redis
func (rc *RedisCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = rc.config.DefaultTTL
	}
	raw, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	if err := rc.client.Set(ctx, rc.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Invalidate 删除单个键
func (rc *RedisCache[T]) Invalidate(ctx context.Context, key string) error {
	return rc.client.Del(ctx, rc.key(key)).Err()
}

// InvalidatePrefix 使用 SCAN 删除前缀下的所有键
func (rc *RedisCache[T]) InvalidatePrefix(ctx context.Context, prefix string) error {
	var cursor uint64
	pattern := rc.key(prefix) + "*"
	for {
		keys, next, err := rc.client.Scan(ctx, cursor, pattern, rc.config.ScanCount).Result()
		if err != nil {
			return fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := rc.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Stats 返回客户端侧的命中统计
func (rc *RedisCache[T]) Stats() Stats {
	hits := atomic.LoadInt64(&rc.hitCount)
	misses := atomic.LoadInt64(&rc.missCount)
	return Stats{
		HitCount:  hits,
		MissCount: misses,
		HitRate:   hitRate(hits, misses),
		TTL:       rc.config.DefaultTTL,
	}
}

// Ping 检查连接状态
func (rc *RedisCache[T]) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

var (
	_ Cache[[]byte]     = (*RedisCache[[]byte])(nil)
	_ TTLGetter[[]byte] = (*RedisCache[[]byte])(nil)
)
