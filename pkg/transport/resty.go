package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"comicfeed/pkg/logger"
)

const (
	DefaultTimeout   = 15 * time.Second
	DefaultUserAgent = "ComicFeed/1.0"
)

// RestyConfig 默认传输层配置
type RestyConfig struct {
	Timeout   time.Duration
	UserAgent string
	ProxyURL  string
}

// RestyTransport 基于 resty 的传输实现。
// 重试由执行器负责，这里关闭 resty 自身的重试。
type RestyTransport struct {
	client *resty.Client
	log    *logrus.Entry
}

// NewRestyTransport 创建 resty 传输
func NewRestyTransport(cfg RestyConfig) *RestyTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", cfg.UserAgent)
	if cfg.ProxyURL != "" {
		client.SetProxy(cfg.ProxyURL)
	}

	return &RestyTransport{
		client: client,
		log:    logger.WithComponent("Transport"),
	}
}

// Send 发送一次请求。非 2xx 不视为错误，由调用方按状态码分类。
func (t *RestyTransport) Send(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	r := t.client.R().SetContext(ctx)
	for key, values := range req.Headers {
		for _, v := range values {
			r.Header.Add(key, v)
		}
	}
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}

	start := time.Now()
	resp, err := r.Execute(method, req.URL)
	if err != nil {
		t.log.WithFields(logrus.Fields{
			"method": method,
			"url":    req.URL,
		}).WithError(err).Debug("request failed")
		return nil, err
	}

	return &Response{
		Status:  resp.StatusCode(),
		Headers: resp.Header(),
		Body:    resp.Body(),
		Elapsed: time.Since(start),
	}, nil
}
