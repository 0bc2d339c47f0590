package limiter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"comicfeed/pkg/errs"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		expected errs.Kind
	}{
		{"成功", http.StatusOK, ""},
		{"无内容", http.StatusNoContent, ""},
		{"未授权", http.StatusUnauthorized, errs.KindAuthFailed},
		{"限流", http.StatusTooManyRequests, errs.KindTransient},
		{"请求超时按客户端错误处理", http.StatusRequestTimeout, errs.KindPermanent},
		{"服务端错误", http.StatusInternalServerError, errs.KindTransient},
		{"网关错误", http.StatusBadGateway, errs.KindTransient},
		{"请求错误", http.StatusBadRequest, errs.KindPermanent},
		{"禁止访问", http.StatusForbidden, errs.KindPermanent},
		{"未找到", http.StatusNotFound, errs.KindPermanent},
	}

	classifier := NewErrorClassifier(0, 0, 0, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classifier.ClassifyStatus(tt.status))
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected errs.Kind
	}{
		{"nil错误", nil, ""},
		{"调用方取消", context.Canceled, errs.KindCanceled},
		{"包装的取消", fmt.Errorf("send: %w", context.Canceled), errs.KindCanceled},
		{"超时", context.DeadlineExceeded, errs.KindTransient},
		{"连接拒绝", errors.New("dial tcp: connection refused"), errs.KindTransient},
		{"连接重置", errors.New("read tcp: connection reset by peer"), errs.KindTransient},
		{"主机未找到", errors.New("dial tcp: lookup x: no such host"), errs.KindTransient},
		{"非法协议", errors.New("unsupported protocol scheme \"ftp\""), errs.KindPermanent},
		{"其他错误", errors.New("something odd"), errs.KindTransient},
	}

	classifier := NewErrorClassifier(0, 0, 0, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classifier.ClassifyError(tt.err))
		})
	}
}

func TestRetryStrategy(t *testing.T) {
	classifier := NewErrorClassifier(3, 100*time.Millisecond, time.Second, 0.0001)
	classifier.JitterRatio = 0

	tests := []struct {
		name        string
		kind        errs.Kind
		attempt     int
		shouldRetry bool
		wait        time.Duration
	}{
		{"临时错误-第1次", errs.KindTransient, 1, true, 100 * time.Millisecond},
		{"临时错误-第2次", errs.KindTransient, 2, true, 200 * time.Millisecond},
		{"临时错误-达到上限", errs.KindTransient, 3, false, 0},
		{"永久错误", errs.KindPermanent, 1, false, 0},
		{"熔断打开", errs.KindCircuitOpen, 1, false, 0},
		{"认证失败", errs.KindAuthFailed, 1, false, 0},
		{"取消", errs.KindCanceled, 1, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retry, wait := classifier.GetRetryStrategy(tt.kind, tt.attempt)
			assert.Equal(t, tt.shouldRetry, retry)
			assert.Equal(t, tt.wait, wait)
		})
	}
}

func TestBackoff_CapAndJitter(t *testing.T) {
	classifier := NewErrorClassifier(10, 500*time.Millisecond, 10*time.Second, 0.2)

	for i := 0; i < 50; i++ {
		d := classifier.Backoff(1)
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
		assert.LessOrEqual(t, d, 600*time.Millisecond)
	}

	// 第 10 次：500ms*2^9 远超上限，只在上限附近抖动
	for i := 0; i < 50; i++ {
		d := classifier.Backoff(10)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	d, ok := RetryAfter("3", now)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	d, ok = RetryAfter(now.Add(5*time.Second).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, d)

	d, ok = RetryAfter(now.Add(-5*time.Second).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	_, ok = RetryAfter("", now)
	assert.False(t, ok)
	_, ok = RetryAfter("soon", now)
	assert.False(t, ok)
	_, ok = RetryAfter("-1", now)
	assert.False(t, ok)
}

func TestGetRetryMessage(t *testing.T) {
	classifier := NewErrorClassifier(3, 0, 0, 0)
	assert.Equal(t, "transient failure, retrying", classifier.GetRetryMessage(errs.KindTransient, 1))
	assert.Equal(t, "transient failure, retries exhausted", classifier.GetRetryMessage(errs.KindTransient, 3))
	assert.Equal(t, "permanent failure, not retrying", classifier.GetRetryMessage(errs.KindPermanent, 1))
}
