package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comicfeed/pkg/config"
	"comicfeed/pkg/provider/rest"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*APIServer, *rest.MockSite) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	site := rest.NewMockSite()
	t.Cleanup(site.Close)

	cfg := config.Default()
	cfg.Limiter.DefaultRPS = 1000
	cfg.Server.RateLimit = 0
	if mutate != nil {
		mutate(cfg)
	}

	s, err := NewAPIServer(cfg, []rest.Config{rest.MockConfig("mock", site.GetURL())})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, site
}

func doRequest(s *APIServer, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), v))
}

func TestAPIServer_HealthAndProviders(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doRequest(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var health map[string]interface{}
	decode(t, w, &health)
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["providers"])

	w = doRequest(s, http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var providers []providerInfo
	decode(t, w, &providers)
	require.Len(t, providers, 1)
	assert.Equal(t, "mock", providers[0].Key)
	assert.False(t, providers[0].LoggedIn)
}

func TestAPIServer_Lists(t *testing.T) {
	s, _ := newTestServer(t, nil)

	t.Run("热门第一页", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, "/api/v1/providers/mock/lists/popular?page=1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var page struct {
			Items   []map[string]interface{} `json:"items"`
			HasNext bool                     `json:"has_next"`
		}
		decode(t, w, &page)
		assert.Len(t, page.Items, 20)
		assert.True(t, page.HasNext)
	})

	t.Run("最后一页", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, "/api/v1/providers/mock/lists/popular?page=3", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var page struct {
			Items   []map[string]interface{} `json:"items"`
			HasNext bool                     `json:"has_next"`
		}
		decode(t, w, &page)
		assert.Len(t, page.Items, 5)
		assert.False(t, page.HasNext)
	})

	t.Run("非法页码", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, "/api/v1/providers/mock/lists/popular?page=0", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("未知列表类型", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, "/api/v1/providers/mock/lists/trending", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		var resp ErrorResponse
		decode(t, w, &resp)
		assert.Equal(t, "PERMANENT", resp.Error)
		assert.False(t, resp.Retryable)
	})

	t.Run("未知提供商", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, "/api/v1/providers/nope/lists/popular", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAPIServer_ComicEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doRequest(s, http.MethodGet, "/api/v1/providers/mock/comics/c1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var details map[string]interface{}
	decode(t, w, &details)
	assert.NotEmpty(t, details)

	w = doRequest(s, http.MethodGet, "/api/v1/providers/mock/comics/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(s, http.MethodGet, "/api/v1/providers/mock/comics/c1/chapters/ep2/pages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pages struct {
		Pages []map[string]interface{} `json:"pages"`
	}
	decode(t, w, &pages)
	assert.NotEmpty(t, pages.Pages)

	w = doRequest(s, http.MethodGet, "/api/v1/providers/mock/comics/c1/comments?page=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var comments struct {
		Comments []map[string]interface{} `json:"comments"`
	}
	decode(t, w, &comments)
	assert.NotEmpty(t, comments.Comments)
}

func TestAPIServer_LoginFlow(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doRequest(s, http.MethodGet, "/api/v1/providers/mock/lists/favorites", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(s, http.MethodPost, "/api/v1/providers/mock/login", []byte(`{"username":"reader","password":"wrong"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(s, http.MethodPost, "/api/v1/providers/mock/login", []byte(`{"username":"reader"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(s, http.MethodPost, "/api/v1/providers/mock/login", []byte(`{"username":"reader","password":"secret"}`))
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, http.MethodGet, "/api/v1/providers/mock/lists/favorites", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, http.MethodPost, "/api/v1/providers/mock/logout", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(s, http.MethodGet, "/api/v1/providers/mock/lists/favorites", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIServer_Stats(t *testing.T) {
	s, _ := newTestServer(t, nil)
	doRequest(s, http.MethodGet, "/api/v1/providers/mock/lists/latest", nil)

	w := doRequest(s, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats map[string]interface{}
	decode(t, w, &stats)
	for _, k := range []string{"cache", "limiter", "circuits", "requests", "scheduler"} {
		assert.Contains(t, stats, k)
	}
	requests, ok := stats["requests"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, requests, "mock")
}

func TestAPIServer_RateLimit(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = 0.001
		cfg.Server.Burst = 1
	})

	w := doRequest(s, http.MethodGet, "/api/v1/providers", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, http.MethodGet, "/api/v1/providers", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var resp ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, "RATE_LIMITED", resp.Error)
	assert.True(t, resp.Retryable)

	// 健康检查不受限流影响
	w = doRequest(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
