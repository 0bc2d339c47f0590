package aggregator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comicfeed/pkg/auth"
	"comicfeed/pkg/cache"
	"comicfeed/pkg/config"
	"comicfeed/pkg/errs"
	"comicfeed/pkg/executor"
	"comicfeed/pkg/limiter"
	"comicfeed/pkg/model"
	"comicfeed/pkg/normalize"
	"comicfeed/pkg/provider/core"
	"comicfeed/pkg/provider/rest"
	"comicfeed/pkg/transport"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Limiter.DefaultRPS = 1000

	exec := executor.New(executor.Config{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond}, executor.Deps{
		Transport: transport.NewRestyTransport(transport.RestyConfig{Timeout: 5 * time.Second}),
		Limiter:   limiter.NewRateLimiter(cfg.Limiter.DefaultRPS),
		Cache:     cache.NewMemoryCache[*transport.Response](cache.MemoryCacheConfig{MaxSize: 100, DefaultTTL: time.Minute}),
	})
	return NewClient(ClientConfig{Config: cfg, Executor: exec})
}

func newMockClient(t *testing.T) (*Client, *rest.MockSite) {
	t.Helper()
	site := rest.NewMockSite()
	t.Cleanup(site.Close)

	c := newTestClient(t)
	p, err := rest.New(rest.MockConfig("mock", site.GetURL()))
	require.NoError(t, err)
	require.NoError(t, c.RegisterProvider(p))
	return c, site
}

func TestFetchPage_TotalPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "1" {
			_, _ = w.Write([]byte(`{"results":[{"id":"7","title":"Foo","cover":"http://x/c.jpg","tags":["Action"]}],"total_pages":3}`))
			return
		}
		_, _ = w.Write([]byte(`{"results":[],"total_pages":3}`))
	}))
	defer srv.Close()

	c := newTestClient(t)
	hints := normalize.SchemaHints{Root: "results"}
	p, err := rest.New(rest.Config{
		Descriptor: core.Descriptor{Key: "foo", Name: "Foo", Version: "1.0.0", BaseURL: srv.URL},
		Lists:      map[core.ListKind]rest.Endpoint{core.ListSearch: {Path: "/search?q={keyword}&page={page}", Hints: hints}},
		Details:    rest.Endpoint{Path: "/comic/{id}"},
		Pages:      rest.Endpoint{Path: "/comic/{id}/{chapter}"},
	})
	require.NoError(t, err)
	require.NoError(t, c.RegisterProvider(p))

	lp, err := c.ListOperation(context.Background(), "foo", core.ListSearch, 1, map[string]string{"keyword": "foo"})
	require.NoError(t, err)
	require.Len(t, lp.Items, 1)
	assert.Equal(t, "7", lp.Items[0].ID)
	assert.Equal(t, "Foo", lp.Items[0].Title)
	assert.Equal(t, "http://x/c.jpg", lp.Items[0].Cover)
	assert.Equal(t, []string{"Action"}, lp.Items[0].Tags)
	assert.True(t, lp.HasNext)

	lp, err = c.ListOperation(context.Background(), "foo", core.ListSearch, 3, map[string]string{"keyword": "foo"})
	require.NoError(t, err)
	assert.Empty(t, lp.Items)
	assert.False(t, lp.HasNext)
}

func TestHasNext(t *testing.T) {
	intp := func(n int) *int { return &n }
	boolp := func(b bool) *bool { return &b }

	tests := []struct {
		name     string
		info     normalize.PageInfo
		page     int
		count    int
		pageSize int
		want     bool
	}{
		{"空页", normalize.PageInfo{TotalPages: intp(5)}, 1, 0, 20, false},
		{"总页数未到", normalize.PageInfo{TotalPages: intp(3)}, 2, 20, 20, true},
		{"最后一页", normalize.PageInfo{TotalPages: intp(3)}, 3, 5, 20, false},
		{"总条数", normalize.PageInfo{Total: intp(45)}, 2, 20, 20, true},
		{"总条数刚好用完", normalize.PageInfo{Total: intp(40)}, 2, 20, 20, false},
		{"has_more", normalize.PageInfo{HasMore: boolp(false)}, 1, 20, 20, false},
		{"满页推断", normalize.PageInfo{}, 1, 20, 20, true},
		{"不满页推断", normalize.PageInfo{}, 1, 7, 20, false},
		{"页大小未知", normalize.PageInfo{}, 1, 7, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hasNext(tt.info, tt.page, tt.count, tt.pageSize))
		})
	}
}

func TestListOperation_Mock(t *testing.T) {
	c, site := newMockClient(t)
	ctx := context.Background()

	t.Run("分页", func(t *testing.T) {
		lp, err := c.ListOperation(ctx, "mock", core.ListPopular, 1, nil)
		require.NoError(t, err)
		assert.Len(t, lp.Items, 20)
		assert.True(t, lp.HasNext)
		assert.Equal(t, "c1", lp.Items[0].ID)
		assert.Equal(t, site.GetURL()+"/covers/c1.jpg", lp.Items[0].Cover)

		lp, err = c.ListOperation(ctx, "mock", core.ListPopular, 3, nil)
		require.NoError(t, err)
		assert.Len(t, lp.Items, 5)
		assert.False(t, lp.HasNext)
	})

	t.Run("缓存命中", func(t *testing.T) {
		before := site.Hits("/api/comics")
		_, err := c.ListOperation(ctx, "mock", core.ListPopular, 1, nil)
		require.NoError(t, err)
		assert.Equal(t, before, site.Hits("/api/comics"))
	})

	t.Run("搜索", func(t *testing.T) {
		lp, err := c.ListOperation(ctx, "mock", core.ListSearch, 1, map[string]string{"keyword": "one piece"})
		require.NoError(t, err)
		assert.Len(t, lp.Items, 9)
		assert.False(t, lp.HasNext)
	})

	t.Run("临时错误重试", func(t *testing.T) {
		site.FailNext("/api/category", http.StatusServiceUnavailable, http.StatusTooManyRequests)
		lp, err := c.ListOperation(ctx, "mock", core.ListCategory, 1, map[string]string{"category": "seinen"})
		require.NoError(t, err)
		assert.NotEmpty(t, lp.Items)
		assert.Equal(t, 3, site.Hits("/api/category"))
	})

	t.Run("未知种类", func(t *testing.T) {
		_, err := c.ListOperation(ctx, "mock", core.ListKind("random"), 1, nil)
		assert.ErrorIs(t, err, core.ErrInvalidArgument)
		assert.Equal(t, errs.KindPermanent, errs.KindOf(err))
	})

	t.Run("未知提供商", func(t *testing.T) {
		_, err := c.ListOperation(ctx, "nope", core.ListPopular, 1, nil)
		assert.ErrorIs(t, err, core.ErrProviderNotFound)
		assert.Equal(t, errs.KindPermanent, errs.KindOf(err))
	})
}

func TestFetchAll(t *testing.T) {
	c, _ := newMockClient(t)

	all, err := c.FetchAll(context.Background(), "mock", core.ListLatest, nil, 0)
	require.NoError(t, err)
	assert.Len(t, all.Items, 45)
	assert.False(t, all.HasNext)
	assert.Equal(t, "c45", all.Items[0].ID)

	some, err := c.FetchAll(context.Background(), "mock", core.ListLatest, nil, 2)
	require.NoError(t, err)
	assert.Len(t, some.Items, 40)
	assert.True(t, some.HasNext)
}

func TestDetailsOperation(t *testing.T) {
	c, site := newMockClient(t)
	ctx := context.Background()

	d, err := c.DetailsOperation(ctx, "mock", "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", d.ID)
	assert.Equal(t, "Description of Naruto Comic 1", d.Description)
	assert.Equal(t, model.StatusCompleted, d.Status)
	assert.Equal(t, []string{"No Volume", "Volume 1", "Volume 2"}, d.Chapters.Volumes())
	assert.Equal(t, 4, d.ChapterCount)
	assert.Equal(t, model.CategoryGenres, d.TagGroups.Keys()[0])

	vol, ok := d.Chapters.VolumeOf("ep3")
	require.True(t, ok)
	assert.Equal(t, "Volume 1", vol)

	t.Run("章节请求失败则整体失败", func(t *testing.T) {
		site.FailNext("/api/comics/c2/chapters", http.StatusNotFound)
		_, err := c.DetailsOperation(ctx, "mock", "c2")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrPermanent))
	})

	t.Run("不存在的漫画", func(t *testing.T) {
		_, err := c.DetailsOperation(ctx, "mock", "missing")
		var e *errs.Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, errs.KindPermanent, e.Kind)
		assert.Equal(t, http.StatusNotFound, e.Status)
	})
}

func TestChapterImagesOperation(t *testing.T) {
	c, site := newMockClient(t)

	pages, err := c.ChapterImagesOperation(context.Background(), "mock", "c1", "ep2")
	require.NoError(t, err)
	require.Len(t, pages, 5)
	for i, p := range pages {
		assert.Equal(t, i+1, p.Order)
	}
	assert.Equal(t, site.GetURL()+"/images/c1/ep2/001.webp", pages[0].URL)

	_, err = c.ChapterImagesOperation(context.Background(), "mock", "c1", "")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestCommentsOperation(t *testing.T) {
	c, _ := newMockClient(t)

	comments, more, err := c.CommentsOperation(context.Background(), "mock", "c1", 1)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.False(t, more)
	assert.Equal(t, "alice", comments[0].Author)
	assert.Equal(t, 12, comments[0].LikeCount)
	require.Len(t, comments[0].Replies, 1)
	assert.Equal(t, "bob", comments[0].Replies[0].Author)

	comments, more, err = c.CommentsOperation(context.Background(), "mock", "c1", 2)
	require.NoError(t, err)
	assert.Empty(t, comments)
	assert.False(t, more)
}

func TestAuthenticatedList(t *testing.T) {
	c, site := newMockClient(t)
	ctx := context.Background()

	_, err := c.ListOperation(ctx, "mock", core.ListFavorites, 1, nil)
	assert.True(t, errors.Is(err, errs.ErrAuthFailed), "未登录")
	assert.False(t, c.LoggedIn("mock"))

	err = c.Login(ctx, "mock", auth.Credentials{Username: "reader", Password: "wrong"})
	assert.True(t, errors.Is(err, errs.ErrAuthFailed))

	require.NoError(t, c.Login(ctx, "mock", auth.Credentials{Username: "reader", Password: "secret"}))
	assert.True(t, c.LoggedIn("mock"))

	lp, err := c.ListOperation(ctx, "mock", core.ListFavorites, 1, nil)
	require.NoError(t, err)
	assert.Len(t, lp.Items, 3)

	t.Run("服务端吊销后自动刷新", func(t *testing.T) {
		site.ExpireTokens()
		lp, err := c.ListOperation(ctx, "mock", core.ListFavorites, 1, nil)
		require.NoError(t, err)
		assert.Len(t, lp.Items, 3)
		assert.Equal(t, 1, site.Hits("/auth/refresh"))
	})

	t.Run("预刷新", func(t *testing.T) {
		require.NoError(t, c.PrewarmTokens(ctx, 2*time.Hour))
		assert.Equal(t, 2, site.Hits("/auth/refresh"))
	})

	require.NoError(t, c.Logout(ctx, "mock"))
	_, err = c.ListOperation(ctx, "mock", core.ListFavorites, 1, nil)
	assert.True(t, errors.Is(err, errs.ErrAuthFailed))
}

func TestClient_Registry(t *testing.T) {
	c, _ := newMockClient(t)

	list := c.Providers()
	require.Len(t, list, 1)
	assert.Equal(t, "mock", list[0].Key)
	assert.Len(t, c.TokenManagers(), 1)

	_, err := c.ListOperation(context.Background(), "mock", core.ListPopular, 1, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, c.Circuits())

	require.NoError(t, c.UnregisterProvider(context.Background(), "mock"))
	assert.Empty(t, c.Providers())
	assert.Empty(t, c.TokenManagers())
}
