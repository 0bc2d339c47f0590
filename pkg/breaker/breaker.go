package breaker

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"comicfeed/pkg/errs"
	"comicfeed/pkg/logger"
	"comicfeed/pkg/timing"
)

const (
	DefaultThreshold    = 5
	DefaultBaseCooldown = 60 * time.Second
	DefaultMaxCooldown  = 10 * time.Minute
)

// State 熔断器状态
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText 以字符串形式序列化
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settings 熔断参数
type Settings struct {
	Threshold    int           // 连续失败多少次后打开
	BaseCooldown time.Duration // 第一次打开的冷却时间
	MaxCooldown  time.Duration // 冷却时间上限
}

func (s Settings) withDefaults() Settings {
	if s.Threshold <= 0 {
		s.Threshold = DefaultThreshold
	}
	if s.BaseCooldown <= 0 {
		s.BaseCooldown = DefaultBaseCooldown
	}
	if s.MaxCooldown <= 0 {
		s.MaxCooldown = DefaultMaxCooldown
	}
	if s.MaxCooldown < s.BaseCooldown {
		s.MaxCooldown = s.BaseCooldown
	}
	return s
}

// CircuitState 某个 provider/endpointClass 的熔断状态快照
type CircuitState struct {
	Key                 string        `json:"key"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	RetryAfter          time.Time     `json:"retry_after,omitempty"`
	Cooldown            time.Duration `json:"cooldown"`
}

type circuit struct {
	CircuitState
	settings      Settings
	trialInFlight bool
}

// Option 注册表选项
type Option func(*Registry)

// WithClock 注入时钟
func WithClock(clock timing.TimeService) Option {
	return func(r *Registry) { r.clock = timing.OrDefault(clock) }
}

// WithProviderSettings 为单个提供商覆盖熔断参数
func WithProviderSettings(provider string, s Settings) Option {
	return func(r *Registry) { r.overrides[strings.ToLower(provider)] = s.withDefaults() }
}

// WithStateChange 注册状态变化回调，在持有锁之外调用
func WithStateChange(fn func(key string, from, to State)) Option {
	return func(r *Registry) { r.onStateChange = fn }
}

// Registry 按 key 管理熔断器，key 形如 "provider/endpointClass"
type Registry struct {
	mu            sync.Mutex
	defaults      Settings
	overrides     map[string]Settings
	circuits      map[string]*circuit
	clock         timing.TimeService
	onStateChange func(key string, from, to State)
	log           *logrus.Entry
}

// NewRegistry 创建熔断器注册表
func NewRegistry(defaults Settings, opts ...Option) *Registry {
	r := &Registry{
		defaults:  defaults.withDefaults(),
		overrides: make(map[string]Settings),
		circuits:  make(map[string]*circuit),
		clock:     timing.Default(),
		log:       logger.WithComponent("CircuitBreaker"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetProviderSettings 运行时覆盖某个提供商的熔断参数，已有熔断器的冷却时间从下次打开起生效
func (r *Registry) SetProviderSettings(provider string, s Settings) {
	s = s.withDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.overrides[strings.ToLower(provider)] = s
	for key, c := range r.circuits {
		if strings.EqualFold(providerOf(key), provider) {
			c.settings = s
			if c.State == StateClosed {
				c.Cooldown = s.BaseCooldown
			}
		}
	}
}

// Key 组合熔断 key
func Key(provider, endpointClass string) string {
	if endpointClass == "" {
		return provider
	}
	return provider + "/" + endpointClass
}

// Allow 判断请求能否发出。
// OPEN 且未到 RetryAfter 时快速失败；过了 RetryAfter 进入 HALF_OPEN，只放行一个试探请求，
// 试探未结束前的其他请求同样快速失败。
func (r *Registry) Allow(key string) error {
	r.mu.Lock()
	c := r.circuitLocked(key)
	now := r.clock.Now()

	var transition *stateChange
	switch c.State {
	case StateOpen:
		if now.Before(c.RetryAfter) {
			retryAfter := c.RetryAfter
			r.mu.Unlock()
			return openError(key, retryAfter)
		}
		transition = r.setStateLocked(c, StateHalfOpen, now)
		c.trialInFlight = true
	case StateHalfOpen:
		if c.trialInFlight {
			retryAfter := c.RetryAfter
			r.mu.Unlock()
			return openError(key, retryAfter)
		}
		c.trialInFlight = true
	}
	r.mu.Unlock()

	r.notify(transition)
	return nil
}

// Success 记录一次成功：失败计数清零，HALF_OPEN 时关闭并把冷却时间恢复为基数
func (r *Registry) Success(key string) {
	r.mu.Lock()
	c := r.circuitLocked(key)
	now := r.clock.Now()

	var transition *stateChange
	switch c.State {
	case StateClosed:
		c.ConsecutiveFailures = 0
	case StateHalfOpen:
		c.ConsecutiveFailures = 0
		c.Cooldown = c.settings.BaseCooldown
		c.trialInFlight = false
		transition = r.setStateLocked(c, StateClosed, now)
	case StateOpen:
		// 打开之前放行的请求迟到的结果，不改变状态
	}
	r.mu.Unlock()

	r.notify(transition)
}

// Failure 记录一次可重试失败，返回本次是否导致熔断打开
func (r *Registry) Failure(key string) bool {
	r.mu.Lock()
	c := r.circuitLocked(key)
	now := r.clock.Now()

	var transition *stateChange
	switch c.State {
	case StateClosed:
		c.ConsecutiveFailures++
		if c.ConsecutiveFailures >= c.settings.Threshold {
			c.RetryAfter = now.Add(c.Cooldown)
			transition = r.setStateLocked(c, StateOpen, now)
		}
	case StateHalfOpen:
		c.ConsecutiveFailures++
		c.Cooldown *= 2
		if c.Cooldown > c.settings.MaxCooldown {
			c.Cooldown = c.settings.MaxCooldown
		}
		c.RetryAfter = now.Add(c.Cooldown)
		c.trialInFlight = false
		transition = r.setStateLocked(c, StateOpen, now)
	case StateOpen:
		c.ConsecutiveFailures++
	}
	r.mu.Unlock()

	r.notify(transition)
	return transition != nil && transition.to == StateOpen
}

// Release 放行的请求既没有成功也没有可重试失败（永久错误、取消）时调用，
// 只释放 HALF_OPEN 的试探名额，不改变计数
func (r *Registry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.circuits[key]; ok && c.State == StateHalfOpen {
		c.trialInFlight = false
	}
}

// State 返回熔断状态快照
func (r *Registry) State(key string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuitLocked(key).CircuitState
}

// Snapshot 返回所有已知熔断器的状态
func (r *Registry) Snapshot() []CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]CircuitState, 0, len(r.circuits))
	for _, c := range r.circuits {
		out = append(out, c.CircuitState)
	}
	return out
}

// Reset 手动关闭熔断器
func (r *Registry) Reset(key string) {
	r.mu.Lock()
	var transition *stateChange
	if c, ok := r.circuits[key]; ok {
		c.ConsecutiveFailures = 0
		c.Cooldown = c.settings.BaseCooldown
		c.RetryAfter = time.Time{}
		c.trialInFlight = false
		transition = r.setStateLocked(c, StateClosed, r.clock.Now())
	}
	r.mu.Unlock()

	r.notify(transition)
}

func (r *Registry) circuitLocked(key string) *circuit {
	if c, ok := r.circuits[key]; ok {
		return c
	}
	s := r.settingsFor(key)
	c := &circuit{
		CircuitState: CircuitState{
			Key:      key,
			State:    StateClosed,
			Cooldown: s.BaseCooldown,
		},
		settings: s,
	}
	r.circuits[key] = c
	return c
}

func providerOf(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}

func (r *Registry) settingsFor(key string) Settings {
	if s, ok := r.overrides[strings.ToLower(providerOf(key))]; ok {
		return s
	}
	return r.defaults
}

type stateChange struct {
	key        string
	from, to   State
	failures   int
	cooldown   time.Duration
	retryAfter time.Time
}

func (r *Registry) setStateLocked(c *circuit, to State, now time.Time) *stateChange {
	if c.State == to {
		return nil
	}
	from := c.State
	c.State = to
	if to == StateClosed {
		c.RetryAfter = time.Time{}
	}
	return &stateChange{
		key:        c.Key,
		from:       from,
		to:         to,
		failures:   c.ConsecutiveFailures,
		cooldown:   c.Cooldown,
		retryAfter: c.RetryAfter,
	}
}

func (r *Registry) notify(sc *stateChange) {
	if sc == nil {
		return
	}
	entry := r.log.WithFields(logrus.Fields{
		"key":                  sc.key,
		"from":                 sc.from.String(),
		"to":                   sc.to.String(),
		"consecutive_failures": sc.failures,
	})
	if sc.to == StateOpen {
		entry.WithFields(logrus.Fields{
			"cooldown":    sc.cooldown.String(),
			"retry_after": sc.retryAfter,
		}).Warn("circuit opened")
	} else {
		entry.Info("circuit state changed")
	}
	if r.onStateChange != nil {
		r.onStateChange(sc.key, sc.from, sc.to)
	}
}

func openError(key string, retryAfter time.Time) error {
	return errs.Newf(errs.KindCircuitOpen, "circuit %s is open", key).
		WithProvider(providerOf(key)).
		WithContext("retry_after", retryAfter)
}
