package transport

import (
	"context"
	"net/http"
	"time"
)

// Request 发往提供商的一次 HTTP 请求
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// Clone 深拷贝请求，修改器之间互不影响
func (r Request) Clone() Request {
	out := r
	out.Headers = r.Headers.Clone()
	if out.Headers == nil {
		out.Headers = http.Header{}
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// Response 提供商返回的原始响应
type Response struct {
	Status  int           `json:"status"`
	Headers http.Header   `json:"headers,omitempty"`
	Body    []byte        `json:"body"`
	Elapsed time.Duration `json:"elapsed"`
}

// Clone 深拷贝响应，缓存命中时调用方拿到的是副本
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Headers = r.Headers.Clone()
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

// ContentType 返回 Content-Type 头
func (r *Response) ContentType() string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// Transport 发送请求的协作者，实现方只负责一次往返，不做重试
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Modifier 提供商在发送前改写请求，例如签名或追加自定义头
type Modifier func(Request) Request

// Chain 按顺序组合多个修改器
func Chain(mods ...Modifier) Modifier {
	return func(r Request) Request {
		for _, m := range mods {
			if m != nil {
				r = m(r)
			}
		}
		return r
	}
}

// SetHeader 返回设置固定请求头的修改器
func SetHeader(key, value string) Modifier {
	return func(r Request) Request {
		r = r.Clone()
		r.Headers.Set(key, value)
		return r
	}
}

// TransportFunc 函数适配为 Transport
type TransportFunc func(ctx context.Context, req Request) (*Response, error)

func (f TransportFunc) Send(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
