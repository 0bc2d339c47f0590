package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind 错误分类，决定执行器是否重试以及展示层如何呈现
type Kind string

const (
	// KindTransient 可重试错误：超时、网络错误、5xx、429
	KindTransient Kind = "TRANSIENT"
	// KindPermanent 不可重试的客户端错误：除 429 外的 4xx、非法请求
	KindPermanent Kind = "PERMANENT"
	// KindCircuitOpen 熔断器打开，请求被快速失败
	KindCircuitOpen Kind = "CIRCUIT_OPEN"
	// KindAuthFailed 令牌刷新失败或认证被拒绝
	KindAuthFailed Kind = "AUTH_FAILED"
	// KindNormalizationFailed 整个响应无法归一化
	KindNormalizationFailed Kind = "NORMALIZATION_FAILED"
	// KindCanceled 调用方取消了操作
	KindCanceled Kind = "CANCELED"
)

// 按分类比较的哨兵错误，配合 errors.Is 使用
var (
	ErrTransient           = &Error{Kind: KindTransient}
	ErrPermanent           = &Error{Kind: KindPermanent}
	ErrCircuitOpen         = &Error{Kind: KindCircuitOpen}
	ErrAuthFailed          = &Error{Kind: KindAuthFailed}
	ErrNormalizationFailed = &Error{Kind: KindNormalizationFailed}
	ErrCanceled            = &Error{Kind: KindCanceled}
)

// Error 带分类的错误类型
type Error struct {
	Kind      Kind                   `json:"kind"`               // 错误分类
	Message   string                 `json:"message"`            // 人类可读的错误信息
	Provider  string                 `json:"provider,omitempty"` // 出错的提供商
	Status    int                    `json:"status,omitempty"`   // 上游返回的 HTTP 状态码
	Attempts  int                    `json:"attempts,omitempty"` // 已经进行的尝试次数
	Cause     error                  `json:"-"`                  // 原始错误
	Context   map[string]interface{} `json:"context,omitempty"`  // 额外的上下文信息
	Timestamp time.Time              `json:"timestamp"`          // 错误发生的时间戳
}

// New 创建新的分类错误
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf 创建带格式化信息的分类错误
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap 包装现有错误
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.Cause = cause
	return e
}

// Error 实现 error 接口
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Provider != "" {
		msg += " [" + e.Provider + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap 支持错误包装
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按分类比较
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// WithProvider 附加提供商信息
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithStatus 附加上游状态码
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithAttempts 附加尝试次数
func (e *Error) WithAttempts(attempts int) *Error {
	e.Attempts = attempts
	return e
}

// WithContext 为错误附加一个键值对形式的上下文信息。
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// KindOf 返回错误链中第一个分类；上下文取消和超时分别视为 Canceled 和 Transient
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return ""
}

// Retryable 展示层是否应提供"重试"入口
func Retryable(kind Kind) bool {
	return kind == KindTransient || kind == KindCircuitOpen
}
