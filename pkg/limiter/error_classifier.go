package limiter

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"comicfeed/pkg/errs"
)

const (
	DefaultMaxAttempts = 3                      // 最大尝试次数（含首次）
	DefaultBackoffBase = 500 * time.Millisecond // 退避基数
	DefaultBackoffMax  = 10 * time.Second       // 单次退避上限
	DefaultJitter      = 0.2                    // ±20% 抖动
)

// ErrorClassifier 负责把一次请求结果归类为错误种类并给出重试策略
type ErrorClassifier struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	JitterRatio float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewErrorClassifier 创建新的错误分类器，零值字段使用默认值
func NewErrorClassifier(maxAttempts int, base, max time.Duration, jitter float64) *ErrorClassifier {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if jitter < 0 || jitter >= 1 {
		jitter = DefaultJitter
	}
	return &ErrorClassifier{
		MaxAttempts: maxAttempts,
		BackoffBase: base,
		BackoffMax:  max,
		JitterRatio: jitter,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ClassifyStatus 根据 HTTP 状态码分类，2xx 返回空字符串
func (c *ErrorClassifier) ClassifyStatus(status int) errs.Kind {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusUnauthorized:
		return errs.KindAuthFailed
	case status == http.StatusTooManyRequests:
		return errs.KindTransient
	case status >= 500:
		return errs.KindTransient
	default:
		return errs.KindPermanent
	}
}

// ClassifyError 分类传输层错误。网络错误与超时都可以重试，调用方取消不可重试。
func (c *ErrorClassifier) ClassifyError(err error) errs.Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return errs.KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.KindTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "eof"):
		return errs.KindTransient
	case strings.Contains(msg, "unsupported protocol scheme"),
		strings.Contains(msg, "invalid url"):
		return errs.KindPermanent
	}
	// 其余传输错误按网络错误处理
	return errs.KindTransient
}

// GetRetryStrategy 返回第 attempt 次（从 1 开始）失败后是否重试以及等待时长。
// 只有 Transient 会在执行器内部重试，熔断打开直接交给调用方。
func (c *ErrorClassifier) GetRetryStrategy(kind errs.Kind, attempt int) (shouldRetry bool, wait time.Duration) {
	if kind != errs.KindTransient || attempt >= c.MaxAttempts {
		return false, 0
	}
	return true, c.Backoff(attempt)
}

// Backoff base*2^(attempt-1)，上限 BackoffMax，叠加 ±JitterRatio 抖动
func (c *ErrorClassifier) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.BackoffBase) * math.Pow(2, float64(attempt-1))
	if d > float64(c.BackoffMax) {
		d = float64(c.BackoffMax)
	}
	if c.JitterRatio > 0 {
		c.mu.Lock()
		f := 1 + c.JitterRatio*(2*c.rnd.Float64()-1)
		c.mu.Unlock()
		d *= f
	}
	return time.Duration(d)
}

// RetryAfter 解析 Retry-After 头，支持秒数与 HTTP 日期两种格式
func RetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// GetRetryMessage 获取重试提示信息
func (c *ErrorClassifier) GetRetryMessage(kind errs.Kind, attempt int) string {
	switch kind {
	case errs.KindTransient:
		if attempt >= c.MaxAttempts {
			return "transient failure, retries exhausted"
		}
		return "transient failure, retrying"
	case errs.KindAuthFailed:
		return "authentication rejected"
	case errs.KindCanceled:
		return "request canceled by caller"
	case errs.KindPermanent:
		return "permanent failure, not retrying"
	default:
		return "request failed"
	}
}
