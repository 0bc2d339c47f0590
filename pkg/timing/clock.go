package timing

import (
	"sync"
	"time"
)

// TimeService 提供当前时间接口，用于mock测试
type TimeService interface {
	Now() time.Time
}

// SystemTimeService 使用系统实际时间
type SystemTimeService struct{}

func (s *SystemTimeService) Now() time.Time {
	return time.Now()
}

// Default 返回系统时间服务
func Default() TimeService {
	return &SystemTimeService{}
}

// OrDefault 在 ts 为 nil 时回退到系统时间
func OrDefault(ts TimeService) TimeService {
	if ts == nil {
		return Default()
	}
	return ts
}

// ManualClock 手动推进的时钟，供缓存、熔断器、令牌管理器的测试使用
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock 创建从 start 开始的手动时钟
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 将时钟向前推进 d
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set 将时钟设置到指定时间
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
