package aggregator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"comicfeed/pkg/auth"
	"comicfeed/pkg/breaker"
	"comicfeed/pkg/cache"
	"comicfeed/pkg/config"
	"comicfeed/pkg/errs"
	"comicfeed/pkg/executor"
	"comicfeed/pkg/logger"
	"comicfeed/pkg/model"
	"comicfeed/pkg/normalize"
	"comicfeed/pkg/provider"
	"comicfeed/pkg/provider/core"
	"comicfeed/pkg/timing"
)

// ClientConfig 客户端依赖
type ClientConfig struct {
	Config    *config.Config
	Providers *provider.ProviderManager
	Executor  *executor.Executor
	// Store 刷新令牌的持久化位置，nil 时只保存在内存
	Store auth.CredentialStore
	Clock timing.TimeService
}

// Client 展示层使用的全部操作
type Client struct {
	cfg       *config.Config
	providers *provider.ProviderManager
	exec      *executor.Executor
	pipeline  *normalize.Pipeline
	agg       *Aggregator
	store     auth.CredentialStore
	clock     timing.TimeService
	log       *logrus.Entry

	mu     sync.RWMutex
	tokens map[string]*auth.Manager
}

// NewClient 创建客户端
func NewClient(cc ClientConfig) *Client {
	if cc.Config == nil {
		cc.Config = config.Default()
	}
	if cc.Providers == nil {
		cc.Providers = provider.NewProviderManager()
	}
	if cc.Executor == nil {
		cc.Executor = executor.New(executor.Config{}, executor.Deps{})
	}
	if cc.Store == nil {
		cc.Store = auth.NewMemoryStore()
	}

	pipeline := normalize.NewPipeline()
	return &Client{
		cfg:       cc.Config,
		providers: cc.Providers,
		exec:      cc.Executor,
		pipeline:  pipeline,
		agg:       NewAggregator(cc.Providers, cc.Executor, pipeline, cc.Config.ProviderCacheTTL),
		store:     cc.Store,
		clock:     timing.OrDefault(cc.Clock),
		log:       logger.WithComponent("Client"),
		tokens:    make(map[string]*auth.Manager),
	}
}

// RegisterProvider 注册提供商，并按配置设置限流、熔断和令牌管理
func (c *Client) RegisterProvider(p core.Provider) error {
	if err := c.providers.RegisterProvider(p); err != nil {
		return err
	}
	key := p.Descriptor().Key

	c.exec.Limiter().SetRate(key, c.cfg.ProviderRPS(key))
	if c.cfg.Provider(key).Breaker != nil {
		b := c.cfg.ProviderBreaker(key)
		c.exec.Breakers().SetProviderSettings(key, breaker.Settings{
			Threshold:    b.Threshold,
			BaseCooldown: b.BaseCooldown,
			MaxCooldown:  b.MaxCooldown,
		})
	}

	if a, ok := p.(core.Authenticated); ok {
		if refresher := a.Authenticator(c.exec.Transport()); refresher != nil {
			m := auth.NewManager(auth.ManagerConfig{
				Provider:     key,
				SafetyMargin: c.cfg.Auth.SafetyMargin,
				Refresher:    refresher,
				Store:        c.store,
				Clock:        c.clock,
			})
			c.mu.Lock()
			c.tokens[key] = m
			c.mu.Unlock()
			c.exec.SetTokenSource(key, m)
		}
	}
	return nil
}

// UnregisterProvider 注销提供商并清除它的缓存
func (c *Client) UnregisterProvider(ctx context.Context, key string) error {
	if err := c.providers.UnregisterProvider(key); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.tokens, key)
	c.mu.Unlock()
	c.exec.SetTokenSource(key, nil)
	return c.exec.InvalidatePrefix(ctx, cache.Prefix(key, ""))
}

// Providers 按注册顺序返回提供商描述
func (c *Client) Providers() []core.Descriptor {
	return c.providers.ListProviders()
}

// Circuits 返回所有熔断器状态
func (c *Client) Circuits() []breaker.CircuitState {
	return c.exec.Breakers().Snapshot()
}

// TokenManagers 返回所有需要认证的提供商的令牌管理器
func (c *Client) TokenManagers() []*auth.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*auth.Manager, 0, len(c.tokens))
	for _, m := range c.tokens {
		out = append(out, m)
	}
	return out
}

func (c *Client) tokenManager(providerID string) (*auth.Manager, error) {
	if _, err := c.agg.provider(providerID); err != nil {
		return nil, err
	}
	c.mu.RLock()
	m, ok := c.tokens[providerID]
	c.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.KindPermanent, "provider does not support login").WithProvider(providerID)
	}
	return m, nil
}

// Login 登录提供商
func (c *Client) Login(ctx context.Context, providerID string, creds auth.Credentials) error {
	m, err := c.tokenManager(providerID)
	if err != nil {
		return err
	}
	_, err = m.Login(ctx, creds)
	return err
}

// Logout 登出提供商，清除保存的令牌
func (c *Client) Logout(ctx context.Context, providerID string) error {
	m, err := c.tokenManager(providerID)
	if err != nil {
		return err
	}
	return m.Logout(ctx)
}

// LoggedIn 是否持有提供商的令牌
func (c *Client) LoggedIn(providerID string) bool {
	m, err := c.tokenManager(providerID)
	return err == nil && m.LoggedIn()
}

// ListOperation 拉取一页列表
func (c *Client) ListOperation(ctx context.Context, providerID string, kind core.ListKind, page int, params map[string]string) (model.ListPage, error) {
	return c.agg.FetchPage(ctx, providerID, Operation{Kind: kind, Params: params}, page)
}

// FetchAll 连续拉取多页列表
func (c *Client) FetchAll(ctx context.Context, providerID string, kind core.ListKind, params map[string]string, maxPages int) (model.ListPage, error) {
	return c.agg.FetchAll(ctx, providerID, Operation{Kind: kind, Params: params}, maxPages)
}

// DetailsOperation 拉取漫画详情。
// 提供商有独立的章节端点时，详情和章节并发请求，任一失败则整体失败。
func (c *Client) DetailsOperation(ctx context.Context, providerID, comicID string) (model.ComicDetails, error) {
	p, err := c.agg.provider(providerID)
	if err != nil {
		return model.ComicDetails{}, err
	}
	infoCall, err := p.Details(comicID)
	if err != nil {
		return model.ComicDetails{}, invalid(providerID, err)
	}
	chapterCall, separate, err := p.Chapters(comicID)
	if err != nil {
		return model.ComicDetails{}, invalid(providerID, err)
	}

	params := map[string]string{"id": comicID}
	var (
		info        normalize.Record
		infoPayload *normalize.Payload
		chapterRaws []normalize.Record
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		key := cache.Key(providerID, "details", params)
		payload, err := c.agg.fetch(gctx, p, infoCall, key)
		if err != nil {
			return err
		}
		rec, err := payload.Object(infoCall.Hints.Root)
		if err != nil {
			c.agg.discard(gctx, key)
			return withProvider(err, providerID)
		}
		info, infoPayload = rec, payload
		return nil
	})
	if separate {
		g.Go(func() error {
			key := cache.Key(providerID, "chapters", params)
			payload, err := c.agg.fetch(gctx, p, chapterCall, key)
			if err != nil {
				return err
			}
			path := chapterCall.Hints.Chapters
			if path == "" {
				path = chapterCall.Hints.Root
			}
			raws, err := payload.List(path)
			if err != nil {
				c.agg.discard(gctx, key)
				return withProvider(err, providerID)
			}
			chapterRaws = raws
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.ComicDetails{}, err
	}

	// 章节内嵌在详情里但位置需要单独的路径或选择器
	if !separate && infoCall.Hints.Chapters != "" {
		raws, err := infoPayload.List(infoCall.Hints.Chapters)
		if err != nil {
			return model.ComicDetails{}, withProvider(err, providerID)
		}
		chapterRaws = raws
	}

	if !separate {
		return c.pipeline.NormalizeDetails(info, chapterRaws, infoCall.Hints)
	}

	details, err := c.pipeline.NormalizeDetails(info, []normalize.Record{}, infoCall.Hints)
	if err != nil {
		return model.ComicDetails{}, err
	}
	chapters, dropped := c.pipeline.NormalizeChapters(chapterRaws, chapterCall.Hints)
	if dropped > 0 {
		c.log.WithFields(logrus.Fields{"provider": providerID, "comic": comicID, "dropped": dropped}).Warn("dropped malformed or duplicate chapters")
	}
	details.Chapters = chapters
	details.ChapterCount = chapters.Len()
	return details, nil
}

// ChapterImagesOperation 拉取章节图片
func (c *Client) ChapterImagesOperation(ctx context.Context, providerID, comicID, chapterID string) ([]model.Page, error) {
	p, err := c.agg.provider(providerID)
	if err != nil {
		return nil, err
	}
	call, err := p.Pages(comicID, chapterID)
	if err != nil {
		return nil, invalid(providerID, err)
	}

	key := cache.Key(providerID, "pages", map[string]string{"id": comicID, "chapter": chapterID})
	payload, err := c.agg.fetch(ctx, p, call, key)
	if err != nil {
		return nil, err
	}
	raws, err := payload.List(call.Hints.Root)
	if err != nil {
		c.agg.discard(ctx, key)
		return nil, withProvider(err, providerID)
	}
	pages, err := c.pipeline.NormalizePages(raws, call.Hints)
	if err != nil {
		c.agg.discard(ctx, key)
		return nil, err
	}
	return pages, nil
}

// CommentsOperation 拉取一页评论，第二个返回值表示是否还有更多
func (c *Client) CommentsOperation(ctx context.Context, providerID, comicID string, page int) ([]model.Comment, bool, error) {
	p, err := c.agg.provider(providerID)
	if err != nil {
		return nil, false, err
	}
	call, err := p.Comments(comicID, page)
	if err != nil {
		return nil, false, invalid(providerID, err)
	}
	if page < 1 {
		page = 1
	}

	key := cache.Key(providerID, "comments", map[string]string{"id": comicID, "page": strconv.Itoa(page)})
	payload, err := c.agg.fetch(ctx, p, call, key)
	if err != nil {
		return nil, false, err
	}
	raws, err := payload.List(call.Hints.Root)
	if err != nil {
		c.agg.discard(ctx, key)
		return nil, false, withProvider(err, providerID)
	}
	comments, dropped, err := c.pipeline.NormalizeComments(raws, call.Hints)
	if err != nil {
		c.agg.discard(ctx, key)
		return nil, false, err
	}
	if dropped > 0 {
		c.log.WithFields(logrus.Fields{"provider": providerID, "comic": comicID, "dropped": dropped}).Warn("dropped malformed comments")
	}

	info := c.agg.pageInfo(payload, call.Hints)
	return comments, hasNext(info, page, len(raws), call.Hints.PageSize), nil
}

// PrewarmTokens 刷新 within 内即将过期的令牌，返回遇到的第一个错误
func (c *Client) PrewarmTokens(ctx context.Context, within time.Duration) error {
	var first error
	for _, m := range c.TokenManagers() {
		if err := m.RefreshIfExpiring(ctx, within); err != nil {
			c.log.WithError(err).WithField("provider", m.Provider()).Warn("token prewarm failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
