// Package aggregator 把执行器、归一化管道和提供商组合成对外的操作。
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"comicfeed/pkg/cache"
	"comicfeed/pkg/errs"
	"comicfeed/pkg/executor"
	"comicfeed/pkg/logger"
	"comicfeed/pkg/model"
	"comicfeed/pkg/normalize"
	"comicfeed/pkg/provider"
	"comicfeed/pkg/provider/core"
)

// Operation 一个列表操作：种类加参数
type Operation struct {
	Kind   core.ListKind
	Params map[string]string
}

// TTLFunc 返回提供商响应的缓存时间
type TTLFunc func(provider string) time.Duration

// Aggregator 按页拉取列表并推断是否还有下一页
type Aggregator struct {
	providers *provider.ProviderManager
	exec      *executor.Executor
	pipeline  *normalize.Pipeline
	ttl       TTLFunc
	log       *logrus.Entry
}

// NewAggregator 创建分页聚合器，ttl 为 nil 时不缓存
func NewAggregator(providers *provider.ProviderManager, exec *executor.Executor, pipeline *normalize.Pipeline, ttl TTLFunc) *Aggregator {
	if pipeline == nil {
		pipeline = normalize.NewPipeline()
	}
	return &Aggregator{
		providers: providers,
		exec:      exec,
		pipeline:  pipeline,
		ttl:       ttl,
		log:       logger.WithComponent("Aggregator"),
	}
}

// FetchPage 拉取并归一化一页列表。
// hasNext 优先取响应中的 total_pages、total、has_more，缺失时按是否满页推断；空页总是 false。
func (a *Aggregator) FetchPage(ctx context.Context, providerID string, op Operation, page int) (model.ListPage, error) {
	if !core.ValidListKind(op.Kind) {
		return model.ListPage{}, invalid(providerID, fmt.Errorf("%w: unknown list kind %q", core.ErrInvalidArgument, op.Kind))
	}
	if page < 1 {
		return model.ListPage{}, invalid(providerID, fmt.Errorf("%w: page must be >= 1, got %d", core.ErrInvalidArgument, page))
	}

	p, err := a.provider(providerID)
	if err != nil {
		return model.ListPage{}, err
	}
	call, err := p.List(core.ListQuery{Kind: op.Kind, Page: page, Params: op.Params})
	if err != nil {
		return model.ListPage{}, invalid(providerID, err)
	}

	params := make(map[string]string, len(op.Params)+1)
	for k, v := range op.Params {
		params[k] = v
	}
	params["page"] = strconv.Itoa(page)
	key := cache.Key(providerID, "list:"+string(op.Kind), params)

	payload, err := a.fetch(ctx, p, call, key)
	if err != nil {
		return model.ListPage{}, err
	}

	raws, err := payload.List(call.Hints.Root)
	if err != nil {
		a.discard(ctx, key)
		return model.ListPage{}, withProvider(err, providerID)
	}
	items, dropped, err := a.pipeline.NormalizeList(raws, call.Hints)
	if err != nil {
		a.discard(ctx, key)
		return model.ListPage{}, err
	}

	info := a.pageInfo(payload, call.Hints)
	result := model.ListPage{
		Items:   items,
		HasNext: hasNext(info, page, len(raws), call.Hints.PageSize),
		Dropped: dropped,
	}

	a.log.WithFields(logrus.Fields{
		"provider": providerID,
		"kind":     op.Kind,
		"page":     page,
		"items":    len(items),
		"dropped":  dropped,
		"has_next": result.HasNext,
	}).Debug("page fetched")
	return result, nil
}

// FetchAll 从第一页开始连续拉取，直到空页、hasNext=false 或达到 maxPages（<=0 表示不限）
func (a *Aggregator) FetchAll(ctx context.Context, providerID string, op Operation, maxPages int) (model.ListPage, error) {
	all := model.ListPage{Items: []model.Comic{}}
	for page := 1; maxPages <= 0 || page <= maxPages; page++ {
		lp, err := a.FetchPage(ctx, providerID, op, page)
		if err != nil {
			return all, err
		}
		all.Items = append(all.Items, lp.Items...)
		all.Dropped += lp.Dropped
		all.HasNext = lp.HasNext
		if len(lp.Items) == 0 || !lp.HasNext {
			break
		}
	}
	return all, nil
}

// hasNext 推断是否还有下一页
func hasNext(info normalize.PageInfo, page, count, pageSize int) bool {
	if count == 0 {
		return false
	}
	switch {
	case info.TotalPages != nil:
		return page < *info.TotalPages
	case info.Total != nil && pageSize > 0:
		return page*pageSize < *info.Total
	case info.HasMore != nil:
		return *info.HasMore
	case pageSize > 0:
		return count >= pageSize
	}
	// 不知道页大小时只要有数据就继续，由下一次的空页终止
	return true
}

// pageInfo 先在列表所在对象上找分页字段，再回退到根对象
func (a *Aggregator) pageInfo(payload *normalize.Payload, hints normalize.SchemaHints) normalize.PageInfo {
	root := a.pipeline.NormalizePageInfo(payload.Root(), hints)
	if payload.IsHTML() {
		return root
	}
	i := strings.LastIndexByte(hints.Root, '.')
	if i <= 0 {
		return root
	}
	parent, err := payload.Object(hints.Root[:i])
	if err != nil {
		return root
	}
	info := a.pipeline.NormalizePageInfo(parent, hints)
	if info.TotalPages == nil {
		info.TotalPages = root.TotalPages
	}
	if info.Total == nil {
		info.Total = root.Total
	}
	if info.HasMore == nil {
		info.HasMore = root.HasMore
	}
	return info
}

func (a *Aggregator) provider(providerID string) (core.Provider, error) {
	p, err := a.providers.GetProvider(providerID)
	if err != nil {
		return nil, invalid(providerID, err)
	}
	return p, nil
}

// fetch 执行请求并解码；需要认证或非幂等的请求不缓存
func (a *Aggregator) fetch(ctx context.Context, p core.Provider, call core.Call, cacheKey string) (*normalize.Payload, error) {
	providerID := p.Descriptor().Key
	var opts []executor.Option
	if cacheKey != "" && a.ttl != nil && call.Idempotent && !call.RequiresAuth {
		opts = append(opts, executor.WithCache(cacheKey, a.ttl(providerID)))
	} else {
		cacheKey = ""
	}

	resp, err := a.exec.Execute(ctx, executor.FromCall(providerID, call, p.Modifier()), opts...)
	if err != nil {
		return nil, err
	}
	payload, err := normalize.Decode(resp.Body, resp.ContentType(), call.Hints)
	if err != nil {
		a.discard(ctx, cacheKey)
		return nil, err
	}
	return payload, nil
}

// discard 无法归一化的响应不应继续留在缓存里
func (a *Aggregator) discard(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := a.exec.Invalidate(ctx, key); err != nil {
		a.log.WithError(err).WithField("cache_key", key).Warn("failed to discard cached response")
	}
}

// invalid 把提供商层的参数错误包装为不可重试错误，原始哨兵错误仍可用 errors.Is 判断
func invalid(providerID string, err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.Wrap(errs.KindPermanent, "invalid request", err).WithProvider(providerID)
}

func withProvider(err error, providerID string) error {
	var e *errs.Error
	if errors.As(err, &e) && e.Provider == "" {
		e.Provider = providerID
	}
	return err
}
