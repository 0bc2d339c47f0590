package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"comicfeed/pkg/timing"
)

// entry 缓存条目，只在缓存内部使用
type entry[T any] struct {
	value      T
	expiresAt  time.Time
	createTime time.Time
}

// MemoryCache 线程安全的内存缓存实现。
// 过期条目在读取时惰性删除，另由 Sweep 周期性清理。
type MemoryCache[T any] struct {
	mu         sync.RWMutex
	entries    map[string]*entry[T]
	maxSize    int64
	defaultTTL time.Duration
	clock      timing.TimeService

	hitCount  int64
	missCount int64

	// 清理相关
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
	lastCleanup   time.Time
}

// MemoryCacheConfig 内存缓存配置
type MemoryCacheConfig struct {
	MaxSize         int64              // 最大条目数量，<=0 表示不限
	DefaultTTL      time.Duration      // 默认TTL
	CleanupInterval time.Duration      // 内部清理间隔，0 表示由外部调度 Sweep
	Clock           timing.TimeService // 时间来源，nil 时使用系统时间
}

// NewMemoryCache 创建新的内存缓存
func NewMemoryCache[T any](config MemoryCacheConfig) *MemoryCache[T] {
	clock := timing.OrDefault(config.Clock)
	mc := &MemoryCache[T]{
		entries:     make(map[string]*entry[T]),
		maxSize:     config.MaxSize,
		defaultTTL:  config.DefaultTTL,
		clock:       clock,
		stopCleanup: make(chan struct{}),
		lastCleanup: clock.Now(),
	}

	if config.CleanupInterval > 0 {
		mc.cleanupTicker = time.NewTicker(config.CleanupInterval)
		go mc.startCleanup()
	}

	return mc
}

// Get 获取缓存值
func (mc *MemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	v, _, ok, err := mc.GetWithTTL(ctx, key)
	return v, ok, err
}

// GetWithTTL 获取缓存值及其剩余生存时间
func (mc *MemoryCache[T]) GetWithTTL(ctx context.Context, key string) (T, time.Duration, bool, error) {
	var zero T

	mc.mu.RLock()
	e, exists := mc.entries[key]
	mc.mu.RUnlock()

	if !exists {
		atomic.AddInt64(&mc.missCount, 1)
		return zero, 0, false, nil
	}

	remaining := e.expiresAt.Sub(mc.clock.Now())
	if remaining <= 0 {
		mc.mu.Lock()
		// 读锁释放后条目可能已被替换，只删除同一个条目
		if cur, ok := mc.entries[key]; ok && cur == e {
			delete(mc.entries, key)
		}
		mc.mu.Unlock()
		atomic.AddInt64(&mc.missCount, 1)
		return zero, 0, false, nil
	}

	atomic.AddInt64(&mc.hitCount, 1)
	return e.value, remaining, true, nil
}

// Set 设置缓存值
func (mc *MemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = mc.defaultTTL
	}

	now := mc.clock.Now()
	e := &entry[T]{
		value:      value,
		expiresAt:  now.Add(ttl),
		createTime: now,
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, replacing := mc.entries[key]; !replacing && mc.maxSize > 0 && int64(len(mc.entries)) >= mc.maxSize {
		mc.evictLocked(now)
	}

	mc.entries[key] = e
	return nil
}

// Invalidate 删除缓存值
func (mc *MemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.entries, key)
	return nil
}

// InvalidatePrefix 删除指定前缀的所有缓存值
func (mc *MemoryCache[T]) InvalidatePrefix(ctx context.Context, prefix string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for key := range mc.entries {
		if strings.HasPrefix(key, prefix) {
			delete(mc.entries, key)
		}
	}
	return nil
}

// Clear 清空缓存
func (mc *MemoryCache[T]) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.entries = make(map[string]*entry[T])
	atomic.StoreInt64(&mc.hitCount, 0)
	atomic.StoreInt64(&mc.missCount, 0)
}

// Stats 获取缓存统计信息
func (mc *MemoryCache[T]) Stats() Stats {
	mc.mu.RLock()
	size := int64(len(mc.entries))
	lastCleanup := mc.lastCleanup
	mc.mu.RUnlock()

	hits := atomic.LoadInt64(&mc.hitCount)
	misses := atomic.LoadInt64(&mc.missCount)

	return Stats{
		Size:        size,
		MaxSize:     mc.maxSize,
		HitCount:    hits,
		MissCount:   misses,
		HitRate:     hitRate(hits, misses),
		TTL:         mc.defaultTTL,
		LastCleanup: lastCleanup,
	}
}

// Sweep 清理所有已过期条目，返回清理数量
func (mc *MemoryCache[T]) Sweep() int {
	now := mc.clock.Now()

	mc.mu.Lock()
	defer mc.mu.Unlock()

	removed := 0
	for key, e := range mc.entries {
		if !now.Before(e.expiresAt) {
			delete(mc.entries, key)
			removed++
		}
	}
	mc.lastCleanup = now
	return removed
}

// Close 停止内部清理协程
func (mc *MemoryCache[T]) Close() error {
	mc.closeOnce.Do(func() {
		if mc.cleanupTicker != nil {
			mc.cleanupTicker.Stop()
		}
		close(mc.stopCleanup)
	})
	return nil
}

func (mc *MemoryCache[T]) startCleanup() {
	for {
		select {
		case <-mc.cleanupTicker.C:
			mc.Sweep()
		case <-mc.stopCleanup:
			return
		}
	}
}

// evictLocked 优先淘汰已过期条目，否则淘汰创建时间最早的条目
func (mc *MemoryCache[T]) evictLocked(now time.Time) {
	var oldestKey string
	var oldestTime time.Time

	for key, e := range mc.entries {
		if !now.Before(e.expiresAt) {
			delete(mc.entries, key)
			return
		}
		if oldestKey == "" || e.createTime.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.createTime
		}
	}

	if oldestKey != "" {
		delete(mc.entries, oldestKey)
	}
}

var (
	_ Cache[[]byte]     = (*MemoryCache[[]byte])(nil)
	_ Sweeper           = (*MemoryCache[[]byte])(nil)
	_ TTLGetter[[]byte] = (*MemoryCache[[]byte])(nil)
)
