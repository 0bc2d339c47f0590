package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"comicfeed/pkg/auth"
	"comicfeed/pkg/breaker"
	"comicfeed/pkg/cache"
	"comicfeed/pkg/errs"
	"comicfeed/pkg/limiter"
	"comicfeed/pkg/logger"
	"comicfeed/pkg/provider/core"
	"comicfeed/pkg/telemetry"
	"comicfeed/pkg/transport"
)

// 上游错误信息最多保留的字节数
const maxMessageBytes = 256

// RequestSpec 一次逻辑请求
type RequestSpec struct {
	Provider      string
	EndpointClass core.EndpointClass
	Request       transport.Request
	Idempotent    bool
	RequiresAuth  bool
	Modifier      transport.Modifier
}

// FromCall 由提供商构造的 Call 生成请求描述
func FromCall(provider string, call core.Call, mod transport.Modifier) RequestSpec {
	return RequestSpec{
		Provider:      provider,
		EndpointClass: call.Class,
		Request:       call.Request,
		Idempotent:    call.Idempotent,
		RequiresAuth:  call.RequiresAuth,
		Modifier:      mod,
	}
}

// TokenSource 执行器需要的令牌能力，由 auth.Manager 实现
type TokenSource interface {
	GetValidToken(ctx context.Context) (auth.TokenState, error)
	ForceRefresh(ctx context.Context) (auth.TokenState, error)
}

// Config 重试参数
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	JitterRatio float64
}

// Deps 执行器的协作者，除 Transport 外都可以为空
type Deps struct {
	Transport transport.Transport
	Limiter   *limiter.RateLimiter
	Breakers  *breaker.Registry
	Cache     cache.Cache[*transport.Response]
	Observer  telemetry.Observer
}

// Option 单次调用的选项
type Option func(*callOptions)

type callOptions struct {
	cacheKey string
	cacheTTL time.Duration
}

// WithCache 成功响应以 key 写入缓存，命中时直接返回副本
func WithCache(key string, ttl time.Duration) Option {
	return func(o *callOptions) {
		o.cacheKey = key
		o.cacheTTL = ttl
	}
}

// Executor 负责缓存、熔断、限流、认证、重试的统一调度
type Executor struct {
	transport  transport.Transport
	limiter    *limiter.RateLimiter
	breakers   *breaker.Registry
	cache      cache.Cache[*transport.Response]
	observer   telemetry.Observer
	classifier *limiter.ErrorClassifier
	log        *logrus.Entry

	// 可在测试中替换
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	tokens map[string]TokenSource
}

// New 创建执行器
func New(cfg Config, deps Deps) *Executor {
	if deps.Transport == nil {
		deps.Transport = transport.NewRestyTransport(transport.RestyConfig{})
	}
	if deps.Limiter == nil {
		deps.Limiter = limiter.NewRateLimiter(0)
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry(breaker.Settings{})
	}
	if deps.Observer == nil {
		deps.Observer = telemetry.Nop
	}
	return &Executor{
		transport:  deps.Transport,
		limiter:    deps.Limiter,
		breakers:   deps.Breakers,
		cache:      deps.Cache,
		observer:   deps.Observer,
		classifier: limiter.NewErrorClassifier(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffMax, cfg.JitterRatio),
		log:        logger.WithComponent("Executor"),
		sleep:      sleepContext,
		tokens:     make(map[string]TokenSource),
	}
}

// SetTokenSource 注册提供商的令牌来源，ts 为 nil 时移除
func (e *Executor) SetTokenSource(provider string, ts TokenSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts == nil {
		delete(e.tokens, provider)
		return
	}
	e.tokens[provider] = ts
}

func (e *Executor) tokenSource(provider string) TokenSource {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tokens[provider]
}

// Transport 返回底层传输，认证端点直接使用它
func (e *Executor) Transport() transport.Transport { return e.transport }

// Limiter 返回限流器
func (e *Executor) Limiter() *limiter.RateLimiter { return e.limiter }

// Breakers 返回熔断器注册表
func (e *Executor) Breakers() *breaker.Registry { return e.breakers }

// Invalidate 清除单个缓存响应
func (e *Executor) Invalidate(ctx context.Context, key string) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Invalidate(ctx, key)
}

// InvalidatePrefix 清除以 prefix 开头的缓存响应
func (e *Executor) InvalidatePrefix(ctx context.Context, prefix string) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.InvalidatePrefix(ctx, prefix)
}

// Execute 执行一次逻辑请求。
// 返回的错误都是 *errs.Error，可以用 errs.KindOf 区分。
func (e *Executor) Execute(ctx context.Context, spec RequestSpec, opts ...Option) (*transport.Response, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	run := &execution{
		Executor:  e,
		spec:      spec,
		requestID: uuid.NewString(),
		key:       breaker.Key(spec.Provider, string(spec.EndpointClass)),
	}
	run.log = e.log.WithFields(logrus.Fields{
		"provider":   spec.Provider,
		"endpoint":   spec.EndpointClass,
		"request_id": run.requestID,
	})

	if o.cacheKey != "" && e.cache != nil {
		if resp, ok, err := e.cache.Get(ctx, o.cacheKey); err == nil && ok && resp != nil {
			run.report(0, resp.Status, "", 0, true)
			run.log.WithField("cache_key", o.cacheKey).Debug("served from cache")
			return resp.Clone(), nil
		}
	}

	resp, err := run.loop(ctx)
	if err != nil {
		return nil, err
	}

	if o.cacheKey != "" && e.cache != nil {
		if err := e.cache.Set(ctx, o.cacheKey, resp.Clone(), o.cacheTTL); err != nil {
			run.log.WithError(err).Warn("failed to cache response")
		}
	}
	return resp, nil
}

// execution 单次 Execute 的状态
type execution struct {
	*Executor
	spec      RequestSpec
	requestID string
	key       string
	log       *logrus.Entry

	attempts  int
	transient int
	reauthed  bool
}

func (x *execution) loop(ctx context.Context) (*transport.Response, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, x.canceled(err)
		}
		if err := x.breakers.Allow(x.key); err != nil {
			x.log.Debug("rejected by open circuit")
			return nil, x.withAttempts(err)
		}
		if err := x.limiter.Acquire(ctx, x.spec.Provider); err != nil {
			x.breakers.Release(x.key)
			return nil, x.canceled(err)
		}

		req, err := x.prepare(ctx)
		if err != nil {
			x.breakers.Release(x.key)
			return nil, err
		}

		x.attempts++
		start := time.Now()
		resp, sendErr := x.transport.Send(ctx, req)
		latency := time.Since(start)

		var kind errs.Kind
		status := 0
		if sendErr != nil {
			if ctx.Err() != nil {
				x.breakers.Release(x.key)
				x.report(x.attempts, 0, errs.KindCanceled, latency, false)
				return nil, x.canceled(ctx.Err())
			}
			kind = x.classifier.ClassifyError(sendErr)
		} else {
			status = resp.Status
			kind = x.classifier.ClassifyStatus(status)
		}
		x.report(x.attempts, status, kind, latency, false)

		switch kind {
		case "":
			x.breakers.Success(x.key)
			return resp, nil

		case errs.KindAuthFailed:
			x.breakers.Release(x.key)
			if retry, err := x.reauthenticate(ctx, resp); !retry {
				return nil, err
			}

		case errs.KindTransient:
			retry, wait, err := x.onTransient(resp, sendErr)
			if !retry {
				return nil, err
			}
			x.log.WithFields(logrus.Fields{
				"attempt": x.attempts,
				"status":  status,
				"wait":    wait,
			}).Warn(x.classifier.GetRetryMessage(kind, x.transient))
			if err := x.sleep(ctx, wait); err != nil {
				return nil, x.canceled(err)
			}

		case errs.KindCanceled:
			x.breakers.Release(x.key)
			return nil, x.canceled(sendErr)

		default:
			x.breakers.Release(x.key)
			e := errs.Wrap(errs.KindPermanent, upstreamMessage(resp, "request rejected"), sendErr).
				WithProvider(x.spec.Provider).
				WithStatus(status).
				WithAttempts(x.attempts)
			x.log.WithError(e).Info(x.classifier.GetRetryMessage(errs.KindPermanent, x.attempts))
			return nil, e
		}
	}
}

// prepare 复制请求，附加令牌并应用提供商修改器
func (x *execution) prepare(ctx context.Context) (transport.Request, error) {
	req := x.spec.Request.Clone()
	if x.spec.RequiresAuth {
		ts := x.tokenSource(x.spec.Provider)
		if ts == nil {
			return req, errs.New(errs.KindAuthFailed, "not logged in").WithProvider(x.spec.Provider)
		}
		tok, err := ts.GetValidToken(ctx)
		if err != nil {
			if errs.KindOf(err) == errs.KindCanceled {
				return req, x.canceled(err)
			}
			return req, x.authFailed("token unavailable", err, 0)
		}
		req.Headers.Set("Authorization", "Bearer "+tok.AccessToken)
	}
	if x.spec.Modifier != nil {
		req = x.spec.Modifier(req)
	}
	return req, nil
}

// reauthenticate 401 时强制刷新一次令牌，返回是否应该重试
func (x *execution) reauthenticate(ctx context.Context, resp *transport.Response) (bool, error) {
	status := 0
	if resp != nil {
		status = resp.Status
	}
	ts := x.tokenSource(x.spec.Provider)
	if !x.spec.RequiresAuth || ts == nil || x.reauthed {
		return false, x.authFailed(upstreamMessage(resp, "unauthorized"), nil, status)
	}
	x.reauthed = true
	x.log.Info("upstream rejected token, forcing refresh")
	if _, err := ts.ForceRefresh(ctx); err != nil {
		if errs.KindOf(err) == errs.KindCanceled {
			return false, x.canceled(err)
		}
		return false, x.authFailed("token refresh failed", err, status)
	}
	return true, nil
}

// onTransient 记录可重试失败，决定是否以及等待多久再试
func (x *execution) onTransient(resp *transport.Response, sendErr error) (bool, time.Duration, error) {
	x.transient++
	status := 0
	if resp != nil {
		status = resp.Status
	}
	fail := func(msg string) error {
		return errs.Wrap(errs.KindTransient, upstreamMessage(resp, msg), sendErr).
			WithProvider(x.spec.Provider).
			WithStatus(status).
			WithAttempts(x.attempts)
	}

	if x.breakers.Failure(x.key) {
		return false, 0, fail("circuit opened")
	}
	// 非幂等请求只有在服务端明确未处理（429）时才重发
	if !x.spec.Idempotent && status != 429 {
		return false, 0, fail("non-idempotent request failed")
	}
	retry, wait := x.classifier.GetRetryStrategy(errs.KindTransient, x.transient)
	if !retry {
		return false, 0, fail("retries exhausted")
	}
	if status == 429 {
		if ra, ok := limiter.RetryAfter(resp.Headers.Get("Retry-After"), time.Now()); ok && ra > wait {
			wait = ra
		}
	}
	return true, wait, nil
}

func (x *execution) report(attempt, status int, kind errs.Kind, latency time.Duration, cacheHit bool) {
	x.observer.Observe(telemetry.Outcome{
		RequestID: x.requestID,
		Provider:  x.spec.Provider,
		Class:     string(x.spec.EndpointClass),
		Attempt:   attempt,
		Status:    status,
		Kind:      kind,
		Latency:   latency,
		CacheHit:  cacheHit,
		Time:      time.Now(),
	})
}

func (x *execution) canceled(cause error) error {
	var e *errs.Error
	if errors.As(cause, &e) && e.Kind == errs.KindCanceled {
		return e
	}
	return errs.Wrap(errs.KindCanceled, "operation canceled", cause).
		WithProvider(x.spec.Provider).
		WithAttempts(x.attempts)
}

func (x *execution) authFailed(msg string, cause error, status int) error {
	return errs.Wrap(errs.KindAuthFailed, msg, cause).
		WithProvider(x.spec.Provider).
		WithStatus(status).
		WithAttempts(x.attempts)
}

func (x *execution) withAttempts(err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.WithAttempts(x.attempts)
	}
	return err
}

// upstreamMessage 截取响应体作为错误信息
func upstreamMessage(resp *transport.Response, fallback string) string {
	if resp == nil || len(resp.Body) == 0 {
		return fallback
	}
	body := resp.Body
	if len(body) > maxMessageBytes {
		body = body[:maxMessageBytes]
	}
	return fallback + ": " + string(body)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
