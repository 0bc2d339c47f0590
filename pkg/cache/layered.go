package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"comicfeed/pkg/logger"
)

// LayeredCacheConfig 分层缓存配置
type LayeredCacheConfig struct {
	PromoteTTL  time.Duration // 远程命中回填到内存层时使用的 TTL
	MaxRequests uint32        // 熔断半开状态下允许的探测请求数
	Timeout     time.Duration // 熔断打开后多久进入半开
	ReadyToTrip uint32        // 连续失败多少次后跳过远程层
}

// DefaultLayeredCacheConfig 默认分层缓存配置
func DefaultLayeredCacheConfig() LayeredCacheConfig {
	return LayeredCacheConfig{
		PromoteTTL:  time.Minute,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: 3,
	}
}

// LayeredCache 内存一级缓存 + 远程二级缓存。
// 远程层的所有调用都经过 gobreaker，远程不可用时退化为只用内存层，不向调用方报错。
type LayeredCache[T any] struct {
	local  *MemoryCache[T]
	remote Cache[T]
	cb     *gobreaker.CircuitBreaker
	config LayeredCacheConfig
	log    *logrus.Entry
}

type remoteResult[T any] struct {
	value     T
	remaining time.Duration
	ok        bool
}

// NewLayeredCache 创建分层缓存
func NewLayeredCache[T any](local *MemoryCache[T], remote Cache[T], config LayeredCacheConfig) *LayeredCache[T] {
	if config.ReadyToTrip == 0 {
		config = DefaultLayeredCacheConfig()
	}
	if config.PromoteTTL <= 0 {
		config.PromoteTTL = DefaultLayeredCacheConfig().PromoteTTL
	}
	log := logger.WithComponent("LayeredCache")

	settings := gobreaker.Settings{
		Name:        "cache-remote-tier",
		MaxRequests: config.MaxRequests,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ReadyToTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
				Warn("远程缓存熔断器状态变更")
		},
	}

	return &LayeredCache[T]{
		local:  local,
		remote: remote,
		cb:     gobreaker.NewCircuitBreaker(settings),
		config: config,
		log:    log,
	}
}

// Get 先查内存层，未命中再查远程层并回填。
// 回填的 TTL 取 PromoteTTL 与远程剩余时间的较小值；远程层报告不了剩余时间时不回填。
func (lc *LayeredCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	if v, ok, _ := lc.local.Get(ctx, key); ok {
		return v, true, nil
	}

	var zero T
	if lc.remote == nil {
		return zero, false, nil
	}

	result, err := lc.cb.Execute(func() (interface{}, error) {
		if tg, ok := lc.remote.(TTLGetter[T]); ok {
			v, remaining, ok, err := tg.GetWithTTL(ctx, key)
			if err != nil {
				return nil, err
			}
			return remoteResult[T]{value: v, remaining: remaining, ok: ok}, nil
		}
		v, ok, err := lc.remote.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return remoteResult[T]{value: v, ok: ok}, nil
	})
	if err != nil {
		lc.log.WithError(err).Debug("远程缓存读取失败，按未命中处理")
		return zero, false, nil
	}

	r := result.(remoteResult[T])
	if !r.ok {
		return zero, false, nil
	}
	if ttl := min(lc.config.PromoteTTL, r.remaining); ttl > 0 {
		_ = lc.local.Set(ctx, key, r.value, ttl)
	}
	return r.value, true, nil
}

// Set 同时写入两层；远程层失败只记录日志
func (lc *LayeredCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := lc.local.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	lc.remoteDo(func() error { return lc.remote.Set(ctx, key, value, ttl) })
	return nil
}

// Invalidate 从两层同时删除
func (lc *LayeredCache[T]) Invalidate(ctx context.Context, key string) error {
	_ = lc.local.Invalidate(ctx, key)
	lc.remoteDo(func() error { return lc.remote.Invalidate(ctx, key) })
	return nil
}

// InvalidatePrefix 从两层按前缀删除
func (lc *LayeredCache[T]) InvalidatePrefix(ctx context.Context, prefix string) error {
	_ = lc.local.InvalidatePrefix(ctx, prefix)
	lc.remoteDo(func() error { return lc.remote.InvalidatePrefix(ctx, prefix) })
	return nil
}

// Sweep 清理内存层；远程层由 Redis 自行过期
func (lc *LayeredCache[T]) Sweep() int {
	return lc.local.Sweep()
}

// Stats 返回内存层统计
func (lc *LayeredCache[T]) Stats() Stats {
	return lc.local.Stats()
}

// RemoteState 返回远程层熔断器状态
func (lc *LayeredCache[T]) RemoteState() gobreaker.State {
	return lc.cb.State()
}

func (lc *LayeredCache[T]) remoteDo(fn func() error) {
	if lc.remote == nil {
		return
	}
	if _, err := lc.cb.Execute(func() (interface{}, error) { return nil, fn() }); err != nil {
		lc.log.WithError(err).Debug("远程缓存写入失败")
	}
}

var (
	_ Cache[[]byte] = (*LayeredCache[[]byte])(nil)
	_ Sweeper       = (*LayeredCache[[]byte])(nil)
)
