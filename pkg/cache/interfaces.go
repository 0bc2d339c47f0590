package cache

import (
	"context"
	"time"
)

// Cache 定义了带 TTL 的键值缓存行为。
// 所有实现（MemoryCache, RedisCache, LayeredCache）都遵循此接口。
type Cache[T any] interface {
	// Get 获取一个值；未命中或已过期时 ok 为 false
	Get(ctx context.Context, key string) (value T, ok bool, err error)
	// Set 设置一个值，ttl<=0 时使用默认生存时间
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate 删除单个键
	Invalidate(ctx context.Context, key string) error
	// InvalidatePrefix 删除所有以 prefix 开头的键
	InvalidatePrefix(ctx context.Context, prefix string) error
	// Stats 获取缓存的统计信息
	Stats() Stats
}

// TTLGetter 能同时返回剩余生存时间的缓存。
// 分层缓存只把这类远程层的命中回填到内存层，回填的 TTL 不超过剩余时间。
type TTLGetter[T any] interface {
	GetWithTTL(ctx context.Context, key string) (value T, remaining time.Duration, ok bool, err error)
}

// Sweeper 支持主动清理过期条目的缓存
type Sweeper interface {
	Sweep() int
}

// Stats 包含了缓存的统计信息。
type Stats struct {
	Size        int64         `json:"size"`         // 当前缓存中的条目数
	MaxSize     int64         `json:"max_size"`     // 缓存最大容量
	HitCount    int64         `json:"hit_count"`    // 命中次数
	MissCount   int64         `json:"miss_count"`   // 未命中次数
	HitRate     float64       `json:"hit_rate"`     // 命中率
	TTL         time.Duration `json:"ttl"`          // 默认的生存时间
	LastCleanup time.Time     `json:"last_cleanup"` // 最后一次清理过期条目的时间
}

func hitRate(hits, misses int64) float64 {
	if total := hits + misses; total > 0 {
		return float64(hits) / float64(total)
	}
	return 0
}
