package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"comicfeed/pkg/logger"
)

// DefaultRPS 未配置提供商时使用的保守默认值
const DefaultRPS = 2.0

// RateLimiter 按提供商强制最小请求间隔。
// 同一提供商的并发调用者按到达顺序依次放行，相邻两次放行的实际时间间隔不小于 1/RPS。
type RateLimiter struct {
	mu         sync.Mutex
	providers  map[string]*providerSlot
	rates      map[string]float64
	defaultRPS float64
	log        *logrus.Entry
}

// providerSlot 单个提供商的限流状态。
// turn 是容量为 1 的令牌通道：阻塞在通道上的接收者由运行时按 FIFO 唤醒。
type providerSlot struct {
	turn         chan struct{}
	mu           sync.Mutex
	minInterval  time.Duration
	lastDispatch time.Time
	waiting      int64
}

// NewRateLimiter 创建限流器，defaultRPS<=0 时使用 DefaultRPS
func NewRateLimiter(defaultRPS float64) *RateLimiter {
	if defaultRPS <= 0 {
		defaultRPS = DefaultRPS
	}
	return &RateLimiter{
		providers:  make(map[string]*providerSlot),
		rates:      make(map[string]float64),
		defaultRPS: defaultRPS,
		log:        logger.WithComponent("RateLimiter"),
	}
}

// SetRate 设置某个提供商的每秒请求数
func (r *RateLimiter) SetRate(providerKey string, rps float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rps <= 0 {
		delete(r.rates, providerKey)
		rps = r.defaultRPS
	} else {
		r.rates[providerKey] = rps
	}
	if slot, ok := r.providers[providerKey]; ok {
		slot.mu.Lock()
		slot.minInterval = intervalFor(rps)
		slot.mu.Unlock()
	}
}

// MinInterval 返回某个提供商的最小请求间隔
func (r *RateLimiter) MinInterval(providerKey string) time.Duration {
	slot := r.slot(providerKey)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.minInterval
}

// Acquire 阻塞直到该提供商允许下一次请求。
// ctx 取消时返回 ctx.Err()，并让出位置给后续等待者。
func (r *RateLimiter) Acquire(ctx context.Context, providerKey string) error {
	slot := r.slot(providerKey)

	slot.mu.Lock()
	slot.waiting++
	slot.mu.Unlock()
	defer func() {
		slot.mu.Lock()
		slot.waiting--
		slot.mu.Unlock()
	}()

	select {
	case <-slot.turn:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { slot.turn <- struct{}{} }()

	slot.mu.Lock()
	earliest := slot.lastDispatch.Add(slot.minInterval)
	slot.mu.Unlock()

	if wait := time.Until(earliest); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	// 记录实际放行时间而不是预计时间，避免竞争下的漂移
	now := time.Now()
	slot.mu.Lock()
	slot.lastDispatch = now
	slot.mu.Unlock()

	r.log.WithFields(logrus.Fields{"provider": providerKey}).Debug("rate limiter slot acquired")
	return nil
}

// LastDispatch 返回该提供商最近一次放行的时间
func (r *RateLimiter) LastDispatch(providerKey string) time.Time {
	slot := r.slot(providerKey)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.lastDispatch
}

// Waiting 返回正在排队的调用者数量
func (r *RateLimiter) Waiting(providerKey string) int64 {
	slot := r.slot(providerKey)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.waiting
}

// GetStatus 获取限流器当前状态
func (r *RateLimiter) GetStatus() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	providers := make(map[string]interface{}, len(r.providers))
	for key, slot := range r.providers {
		slot.mu.Lock()
		providers[key] = map[string]interface{}{
			"min_interval":  slot.minInterval.String(),
			"last_dispatch": slot.lastDispatch,
			"waiting":       slot.waiting,
		}
		slot.mu.Unlock()
	}
	return map[string]interface{}{
		"default_rps": r.defaultRPS,
		"providers":   providers,
	}
}

func (r *RateLimiter) slot(providerKey string) *providerSlot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slot, ok := r.providers[providerKey]; ok {
		return slot
	}
	rps, ok := r.rates[providerKey]
	if !ok {
		rps = r.defaultRPS
	}
	slot := &providerSlot{
		turn:        make(chan struct{}, 1),
		minInterval: intervalFor(rps),
	}
	slot.turn <- struct{}{}
	r.providers[providerKey] = slot
	return slot
}

// intervalFor minInterval = 1000ms / rps
func intervalFor(rps float64) time.Duration {
	return time.Duration(float64(time.Second) / rps)
}
