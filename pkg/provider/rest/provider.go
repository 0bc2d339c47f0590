// Package rest 由配置描述的通用提供商：端点是 URL 模板，解析方式是 SchemaHints。
// 模板中的 {name} 占位符在构造请求时替换，路径部分做路径转义，查询部分做查询转义。
package rest

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"comicfeed/pkg/auth"
	"comicfeed/pkg/normalize"
	"comicfeed/pkg/provider/core"
	"comicfeed/pkg/transport"
)

// Endpoint 一个端点的请求模板
type Endpoint struct {
	Method       string                `mapstructure:"method"`
	Path         string                `mapstructure:"path"` // 相对 BaseURL 或绝对地址
	Body         string                `mapstructure:"body"` // JSON 请求体模板
	Headers      map[string]string     `mapstructure:"headers"`
	Hints        normalize.SchemaHints `mapstructure:"hints"`
	RequiresAuth bool                  `mapstructure:"requires_auth"`
}

// Config 提供商配置
type Config struct {
	Descriptor core.Descriptor              `mapstructure:"descriptor"`
	Lists      map[core.ListKind]Endpoint   `mapstructure:"lists"`
	Details    Endpoint                     `mapstructure:"details"`
	Chapters   *Endpoint                    `mapstructure:"chapters"`
	Pages      Endpoint                     `mapstructure:"pages"`
	Comments   *Endpoint                    `mapstructure:"comments"`
	Headers    map[string]string            `mapstructure:"headers"` // 每个请求都带上的固定头
	PageSize   int                          `mapstructure:"page_size"`
	Auth       *TokenConfig                 `mapstructure:"auth"`
	Extra      map[string]map[string]string `mapstructure:"extra"` // 预留给特定站点的参数
}

// Provider 基于配置的提供商
type Provider struct {
	cfg      Config
	modifier transport.Modifier
}

// New 创建提供商，描述信息的校验由管理器在注册时完成
func New(cfg Config) (*Provider, error) {
	if len(cfg.Lists) == 0 {
		return nil, fmt.Errorf("%w: provider %s defines no list endpoints", core.ErrInvalidArgument, cfg.Descriptor.Key)
	}
	if cfg.Details.Path == "" || cfg.Pages.Path == "" {
		return nil, fmt.Errorf("%w: provider %s must define details and pages endpoints", core.ErrInvalidArgument, cfg.Descriptor.Key)
	}

	keys := make([]string, 0, len(cfg.Headers))
	for k := range cfg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	mods := make([]transport.Modifier, 0, len(keys))
	for _, k := range keys {
		mods = append(mods, transport.SetHeader(k, cfg.Headers[k]))
	}

	p := &Provider{cfg: cfg}
	if len(mods) > 0 {
		p.modifier = transport.Chain(mods...)
	}
	return p, nil
}

func (p *Provider) Descriptor() core.Descriptor {
	return p.cfg.Descriptor
}

func (p *Provider) Modifier() transport.Modifier {
	return p.modifier
}

// List 构造列表请求
func (p *Provider) List(q core.ListQuery) (core.Call, error) {
	ep, ok := p.cfg.Lists[q.Kind]
	if !ok {
		return core.Call{}, fmt.Errorf("%w: %s does not support %s lists", core.ErrOperationNotSupported, p.cfg.Descriptor.Key, q.Kind)
	}
	if q.Page < 1 {
		return core.Call{}, fmt.Errorf("%w: page must be >= 1, got %d", core.ErrInvalidArgument, q.Page)
	}

	vars := map[string]string{
		"page":      strconv.Itoa(q.Page),
		"page_size": strconv.Itoa(p.cfg.PageSize),
		"offset":    strconv.Itoa((q.Page - 1) * p.cfg.PageSize),
	}
	for k, v := range q.Params {
		vars[k] = v
	}
	call, err := p.call(core.EndpointList, ep, vars)
	if err != nil {
		return core.Call{}, err
	}
	if call.Hints.PageSize == 0 {
		call.Hints.PageSize = p.cfg.PageSize
	}
	return call, nil
}

// Details 构造详情请求
func (p *Provider) Details(comicID string) (core.Call, error) {
	if comicID == "" {
		return core.Call{}, fmt.Errorf("%w: empty comic id", core.ErrInvalidArgument)
	}
	return p.call(core.EndpointDetails, p.cfg.Details, map[string]string{"id": comicID})
}

// Chapters 构造章节列表请求，未配置独立端点时返回 ok=false
func (p *Provider) Chapters(comicID string) (core.Call, bool, error) {
	if p.cfg.Chapters == nil {
		return core.Call{}, false, nil
	}
	call, err := p.call(core.EndpointChapters, *p.cfg.Chapters, map[string]string{"id": comicID})
	return call, err == nil, err
}

// Pages 构造章节图片请求
func (p *Provider) Pages(comicID, chapterID string) (core.Call, error) {
	if comicID == "" || chapterID == "" {
		return core.Call{}, fmt.Errorf("%w: empty comic or chapter id", core.ErrInvalidArgument)
	}
	return p.call(core.EndpointPages, p.cfg.Pages, map[string]string{"id": comicID, "chapter": chapterID})
}

// Comments 构造评论请求
func (p *Provider) Comments(comicID string, page int) (core.Call, error) {
	if p.cfg.Comments == nil {
		return core.Call{}, fmt.Errorf("%w: %s has no comments", core.ErrOperationNotSupported, p.cfg.Descriptor.Key)
	}
	if page < 1 {
		page = 1
	}
	return p.call(core.EndpointComments, *p.cfg.Comments, map[string]string{"id": comicID, "page": strconv.Itoa(page)})
}

// Authenticator 配置了认证端点时返回刷新器
func (p *Provider) Authenticator(t transport.Transport) auth.Refresher {
	if p.cfg.Auth == nil {
		return nil
	}
	return newTokenClient(p, *p.cfg.Auth, t)
}

func (p *Provider) call(class core.EndpointClass, ep Endpoint, vars map[string]string) (core.Call, error) {
	req, err := p.buildRequest(ep, vars)
	if err != nil {
		return core.Call{}, err
	}

	hints := ep.Hints
	hints.Provider = p.cfg.Descriptor.Key
	if hints.BaseURL == "" {
		hints.BaseURL = p.cfg.Descriptor.BaseURL
	}
	return core.Call{
		Class:        class,
		Request:      req,
		Hints:        hints,
		RequiresAuth: ep.RequiresAuth,
		Idempotent:   req.Method == http.MethodGet || req.Method == http.MethodHead,
	}, nil
}

func (p *Provider) buildRequest(ep Endpoint, vars map[string]string) (transport.Request, error) {
	method := strings.ToUpper(ep.Method)
	if method == "" {
		method = http.MethodGet
	}

	target := expandURL(ep.Path, vars)
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		base, err := url.Parse(p.cfg.Descriptor.BaseURL)
		if err != nil {
			return transport.Request{}, fmt.Errorf("%w: base url: %v", core.ErrInvalidDescriptor, err)
		}
		ref, err := url.Parse(target)
		if err != nil {
			return transport.Request{}, fmt.Errorf("%w: endpoint %q: %v", core.ErrInvalidArgument, ep.Path, err)
		}
		target = base.ResolveReference(ref).String()
	}

	req := transport.Request{
		Method:  method,
		URL:     target,
		Headers: http.Header{},
	}
	for k, v := range ep.Headers {
		req.Headers.Set(k, expand(v, vars, noEscape))
	}
	if ep.Body != "" {
		req.Body = []byte(expand(ep.Body, vars, jsonEscape))
		if req.Headers.Get("Content-Type") == "" {
			req.Headers.Set("Content-Type", "application/json")
		}
	}
	return req, nil
}

// expandURL 路径部分与查询部分使用不同的转义
func expandURL(tpl string, vars map[string]string) string {
	path, query, hasQuery := strings.Cut(tpl, "?")
	out := expand(path, vars, url.PathEscape)
	if hasQuery {
		out += "?" + dropEmptyParams(expand(query, vars, url.QueryEscape))
	}
	return out
}

// dropEmptyParams 去掉值为空的查询参数，例如未提供的 keyword
func dropEmptyParams(query string) string {
	parts := strings.Split(query, "&")
	kept := parts[:0]
	for _, part := range parts {
		if k, v, ok := strings.Cut(part, "="); ok && v == "" && k != "" {
			continue
		}
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, "&")
}

func expand(tpl string, vars map[string]string, escape func(string) string) string {
	var b strings.Builder
	for {
		start := strings.IndexByte(tpl, '{')
		if start < 0 {
			b.WriteString(tpl)
			return b.String()
		}
		b.WriteString(tpl[:start])
		tpl = tpl[start:]

		end := strings.IndexByte(tpl, '}')
		if end > 0 && isPlaceholder(tpl[1:end]) {
			b.WriteString(escape(vars[tpl[1:end]]))
			tpl = tpl[end+1:]
			continue
		}
		// JSON 模板里的花括号原样保留
		b.WriteByte('{')
		tpl = tpl[1:]
	}
}

func isPlaceholder(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func noEscape(s string) string { return s }

// jsonEscape 转义为 JSON 字符串内容（不含两侧引号）
func jsonEscape(s string) string {
	quoted, err := sonic.MarshalString(s)
	if err != nil || len(quoted) < 2 {
		return ""
	}
	return quoted[1 : len(quoted)-1]
}
