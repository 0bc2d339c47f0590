package rest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"comicfeed/pkg/normalize"
	"comicfeed/pkg/provider/core"
)

const (
	mockPageSize  = 20
	mockUsername  = "reader"
	mockPassword  = "secret"
	mockTokenLife = time.Hour
)

var mockSeries = []string{"One Piece", "Naruto", "Bleach", "Berserk", "Vagabond"}

// MockSite 模拟的漫画站点 HTTP 服务器，用于测试与本地演示
type MockSite struct {
	server *httptest.Server

	mu       sync.Mutex
	comics   []map[string]interface{}
	failures map[string][]int // 路径前缀 -> 待返回的错误状态码队列
	hits     map[string]int
	tokens   map[string]time.Time // 访问令牌 -> 过期时间
	refresh  map[string]bool
	seq      int
}

// NewMockSite 创建并启动模拟站点，包含 45 部漫画
func NewMockSite() *MockSite {
	m := &MockSite{
		failures: make(map[string][]int),
		hits:     make(map[string]int),
		tokens:   make(map[string]time.Time),
		refresh:  make(map[string]bool),
	}
	for i := 1; i <= 45; i++ {
		m.comics = append(m.comics, map[string]interface{}{
			"id":         fmt.Sprintf("c%d", i),
			"title":      fmt.Sprintf("%s Comic %d", mockSeries[i%len(mockSeries)], i),
			"cover":      fmt.Sprintf("/covers/c%d.jpg", i),
			"author":     "Author " + strconv.Itoa(i%7),
			"tags":       []interface{}{"Action", mockSeries[i%len(mockSeries)]},
			"rating":     float64(i%11) * 0.9,
			"updated_at": time.Date(2024, 1, i%28+1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
			"status":     []string{"ongoing", "completed", "hiatus"}[i%3],
			"category":   []string{"shounen", "seinen"}[i%2],
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/comics", m.handleList)
	mux.HandleFunc("GET /api/search", m.handleList)
	mux.HandleFunc("GET /api/category/{category}", m.handleList)
	mux.HandleFunc("GET /api/favorites", m.handleFavorites)
	mux.HandleFunc("GET /api/comics/{id}", m.handleDetails)
	mux.HandleFunc("GET /api/comics/{id}/chapters", m.handleChapters)
	mux.HandleFunc("GET /api/comics/{id}/chapters/{chapter}/pages", m.handlePages)
	mux.HandleFunc("GET /api/comics/{id}/comments", m.handleComments)
	mux.HandleFunc("POST /auth/login", m.handleLogin)
	mux.HandleFunc("POST /auth/refresh", m.handleRefresh)

	m.server = httptest.NewServer(m.intercept(mux))
	return m
}

// GetURL 获取模拟服务器的URL
func (m *MockSite) GetURL() string {
	return m.server.URL
}

// Close 关闭模拟服务器
func (m *MockSite) Close() {
	if m.server != nil {
		m.server.Close()
	}
}

// FailNext 让以 pathPrefix 开头的后续请求依次返回给定状态码
func (m *MockSite) FailNext(pathPrefix string, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[pathPrefix] = append(m.failures[pathPrefix], statuses...)
}

// Hits 返回以 pathPrefix 开头的请求次数
func (m *MockSite) Hits(pathPrefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for path, c := range m.hits {
		if strings.HasPrefix(path, pathPrefix) {
			n += c
		}
	}
	return n
}

// ExpireTokens 让所有已签发的访问令牌立即失效，模拟服务端吊销
func (m *MockSite) ExpireTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok := range m.tokens {
		m.tokens[tok] = time.Time{}
	}
}

func (m *MockSite) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		status := 0
		for prefix, queue := range m.failures {
			if strings.HasPrefix(r.URL.Path, prefix) && len(queue) > 0 {
				status = queue[0]
				m.failures[prefix] = queue[1:]
				break
			}
		}
		m.mu.Unlock()

		if status != 0 {
			if status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "0")
			}
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(body)
}

func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

func (m *MockSite) handleList(w http.ResponseWriter, r *http.Request) {
	keyword := strings.ToLower(r.URL.Query().Get("q"))
	category := r.PathValue("category")

	m.mu.Lock()
	var matched []map[string]interface{}
	for _, c := range m.comics {
		if keyword != "" && !strings.Contains(strings.ToLower(c["title"].(string)), keyword) {
			continue
		}
		if category != "" && c["category"] != category {
			continue
		}
		matched = append(matched, c)
	}
	m.mu.Unlock()

	if r.URL.Query().Get("sort") == "latest" {
		reversed := make([]map[string]interface{}, len(matched))
		for i, c := range matched {
			reversed[len(matched)-1-i] = c
		}
		matched = reversed
	}
	writePage(w, matched, pageParam(r))
}

func writePage(w http.ResponseWriter, all []map[string]interface{}, page int) {
	start := (page - 1) * mockPageSize
	items := []interface{}{}
	for i := start; i < len(all) && i < start+mockPageSize; i++ {
		items = append(items, all[i])
	}
	totalPages := (len(all) + mockPageSize - 1) / mockPageSize
	writeJSON(w, map[string]interface{}{
		"data": map[string]interface{}{
			"comics":      items,
			"page":        page,
			"total_pages": totalPages,
		},
	})
}

func (m *MockSite) authorized(r *http.Request) bool {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.tokens[tok]
	return ok && time.Now().Before(exp)
}

func (m *MockSite) handleFavorites(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	m.mu.Lock()
	favs := []map[string]interface{}{m.comics[0], m.comics[1], m.comics[2]}
	m.mu.Unlock()
	writePage(w, favs, pageParam(r))
}

func (m *MockSite) findComic(id string) (map[string]interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.comics {
		if c["id"] == id {
			return c, true
		}
	}
	return nil, false
}

func (m *MockSite) handleDetails(w http.ResponseWriter, r *http.Request) {
	c, ok := m.findComic(r.PathValue("id"))
	if !ok {
		http.Error(w, "comic not found", http.StatusNotFound)
		return
	}
	detail := make(map[string]interface{}, len(c)+2)
	for k, v := range c {
		detail[k] = v
	}
	detail["description"] = "Description of " + c["title"].(string)
	detail["authors"] = []interface{}{c["author"]}
	writeJSON(w, map[string]interface{}{"data": map[string]interface{}{"comic": detail}})
}

func (m *MockSite) handleChapters(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.findComic(r.PathValue("id")); !ok {
		http.Error(w, "comic not found", http.StatusNotFound)
		return
	}
	chapters := []interface{}{
		map[string]interface{}{"id": "ep1", "title": "Prologue", "volume": nil},
		map[string]interface{}{"id": "ep2", "title": "Departure", "volume": 1},
		map[string]interface{}{"id": "ep3", "title": "Storm", "volume": 1},
		map[string]interface{}{"id": "ep4", "title": "Return", "volume": 2},
	}
	writeJSON(w, map[string]interface{}{"data": map[string]interface{}{"chapters": chapters}})
}

func (m *MockSite) handlePages(w http.ResponseWriter, r *http.Request) {
	id, chapter := r.PathValue("id"), r.PathValue("chapter")
	images := make([]interface{}, 0, 5)
	for i := 1; i <= 5; i++ {
		images = append(images, fmt.Sprintf("/images/%s/%s/%03d.webp", id, chapter, i))
	}
	writeJSON(w, map[string]interface{}{"data": map[string]interface{}{"images": images}})
}

func (m *MockSite) handleComments(w http.ResponseWriter, r *http.Request) {
	page := pageParam(r)
	comments := []interface{}{}
	if page == 1 {
		comments = append(comments,
			map[string]interface{}{
				"id": "m1", "content": "Best arc so far", "likes": 12,
				"user":    map[string]interface{}{"name": "alice", "avatar": "/avatars/alice.png"},
				"replies": []interface{}{map[string]interface{}{"id": "m2", "content": "Agreed", "user": map[string]interface{}{"name": "bob"}}},
			},
			map[string]interface{}{"id": "m3", "content": "Waiting for the next chapter", "user": map[string]interface{}{"name": "carol"}},
		)
	}
	writeJSON(w, map[string]interface{}{"data": map[string]interface{}{"comments": comments, "has_more": false}})
}

func (m *MockSite) issueToken() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	access := fmt.Sprintf("access-%d", m.seq)
	refresh := fmt.Sprintf("refresh-%d", m.seq)
	m.tokens[access] = time.Now().Add(mockTokenLife)
	m.refresh[refresh] = true
	return map[string]interface{}{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    int(mockTokenLife.Seconds()),
	}
}

func (m *MockSite) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if body.Username != mockUsername || body.Password != mockPassword {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	writeJSON(w, m.issueToken())
}

func (m *MockSite) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	valid := m.refresh[body.RefreshToken]
	delete(m.refresh, body.RefreshToken)
	m.mu.Unlock()

	if !valid {
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)
		return
	}
	writeJSON(w, m.issueToken())
}

// MockConfig 返回与模拟站点匹配的提供商配置
func MockConfig(key, baseURL string) Config {
	listHints := normalize.SchemaHints{Root: "data.comics"}
	return Config{
		Descriptor: core.Descriptor{Key: key, Name: "Mock Comics", Version: "1.0.0", BaseURL: baseURL},
		PageSize:   mockPageSize,
		Headers:    map[string]string{"Referer": baseURL + "/"},
		Lists: map[core.ListKind]Endpoint{
			core.ListPopular:   {Path: "/api/comics?page={page}&sort=popular", Hints: listHints},
			core.ListLatest:    {Path: "/api/comics?page={page}&sort=latest", Hints: listHints},
			core.ListSearch:    {Path: "/api/search?q={keyword}&page={page}", Hints: listHints},
			core.ListCategory:  {Path: "/api/category/{category}?page={page}", Hints: listHints},
			core.ListFavorites: {Path: "/api/favorites?page={page}", Hints: listHints, RequiresAuth: true},
		},
		Details:  Endpoint{Path: "/api/comics/{id}", Hints: normalize.SchemaHints{Root: "data.comic"}},
		Chapters: &Endpoint{Path: "/api/comics/{id}/chapters", Hints: normalize.SchemaHints{Chapters: "data.chapters"}},
		Pages:    Endpoint{Path: "/api/comics/{id}/chapters/{chapter}/pages", Hints: normalize.SchemaHints{Root: "data.images"}},
		Comments: &Endpoint{Path: "/api/comics/{id}/comments?page={page}", Hints: normalize.SchemaHints{Root: "data.comments"}},
		Auth: &TokenConfig{
			Login:   Endpoint{Method: http.MethodPost, Path: "/auth/login", Body: `{"username":"{username}","password":"{password}"}`},
			Refresh: Endpoint{Method: http.MethodPost, Path: "/auth/refresh", Body: `{"refresh_token":"{refresh_token}"}`},
		},
	}
}
