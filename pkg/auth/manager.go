package auth

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"comicfeed/pkg/errs"
	"comicfeed/pkg/logger"
	"comicfeed/pkg/timing"
)

const (
	// DefaultSafetyMargin 距过期不足该时长即视为需要刷新
	DefaultSafetyMargin = 60 * time.Second
	// DefaultLifetime 刷新响应既没有过期时间也不是 JWT 时假定的有效期
	DefaultLifetime = 15 * time.Minute
)

// ManagerConfig 令牌管理器配置
type ManagerConfig struct {
	Provider     string
	SafetyMargin time.Duration
	Refresher    Refresher
	Store        CredentialStore
	Clock        timing.TimeService
}

// Manager 单个提供商的令牌生命周期管理。
// 并发调用者在令牌即将过期时只会触发一次刷新，其余调用者等待同一结果。
type Manager struct {
	provider  string
	margin    time.Duration
	refresher Refresher
	store     CredentialStore
	clock     timing.TimeService
	log       *logrus.Entry

	mu     sync.RWMutex
	state  TokenState
	loaded bool

	group singleflight.Group
}

// NewManager 创建令牌管理器
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	return &Manager{
		provider:  cfg.Provider,
		margin:    cfg.SafetyMargin,
		refresher: cfg.Refresher,
		store:     cfg.Store,
		clock:     timing.OrDefault(cfg.Clock),
		log:       logger.WithProvider("TokenManager", cfg.Provider),
	}
}

// Provider 返回所属提供商
func (m *Manager) Provider() string {
	return m.provider
}

func (m *Manager) storeKey() string {
	return m.provider + ":refresh_token"
}

// GetValidToken 返回一个在安全余量之后仍有效的令牌，必要时先刷新
func (m *Manager) GetValidToken(ctx context.Context) (TokenState, error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return TokenState{}, err
	}

	m.mu.RLock()
	st := m.state
	m.mu.RUnlock()

	if st.Valid(m.clock.Now(), m.margin) {
		return st, nil
	}
	return m.refresh(ctx, false, m.margin)
}

// ForceRefresh 无论当前令牌是否有效都刷新，用于上游返回 401 的情况
func (m *Manager) ForceRefresh(ctx context.Context) (TokenState, error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return TokenState{}, err
	}
	return m.refresh(ctx, true, 0)
}

// RefreshIfExpiring 令牌在 within 内过期时预先刷新，没有登录状态时什么也不做
func (m *Manager) RefreshIfExpiring(ctx context.Context, within time.Duration) error {
	if err := m.ensureLoaded(ctx); err != nil {
		return err
	}
	m.mu.RLock()
	st := m.state
	m.mu.RUnlock()

	if st.RefreshToken == "" || st.Valid(m.clock.Now(), within) {
		return nil
	}
	_, err := m.refresh(ctx, false, within)
	return err
}

// Login 用账号密码登录并持久化刷新令牌
func (m *Manager) Login(ctx context.Context, creds Credentials) (TokenState, error) {
	if m.refresher == nil {
		return TokenState{}, errs.New(errs.KindAuthFailed, "provider has no authenticator").WithProvider(m.provider)
	}
	st, err := m.refresher.Login(ctx, creds)
	if err != nil {
		return TokenState{}, errs.Wrap(errs.KindAuthFailed, "login failed", err).WithProvider(m.provider)
	}
	st = m.complete(st, "")

	m.mu.Lock()
	m.state = st
	m.loaded = true
	m.mu.Unlock()

	m.persist(ctx, st.RefreshToken)
	m.log.WithField("expires_at", st.ExpiresAt).Info("logged in")
	return st, nil
}

// Logout 清除内存与持久化的令牌
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.state = TokenState{}
	m.loaded = true
	m.mu.Unlock()

	if err := m.store.Delete(ctx, m.storeKey()); err != nil {
		return errs.Wrap(errs.KindTransient, "delete stored credentials", err).WithProvider(m.provider)
	}
	m.log.Info("logged out")
	return nil
}

// State 返回当前令牌快照
func (m *Manager) State() TokenState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LoggedIn 是否持有可用于刷新的令牌
func (m *Manager) LoggedIn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.RefreshToken != "" || m.state.AccessToken != ""
}

// ensureLoaded 首次使用时从存储中读取刷新令牌
func (m *Manager) ensureLoaded(ctx context.Context) error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return nil
	}

	token, ok, err := m.store.Load(ctx, m.storeKey())
	if err != nil {
		return errs.Wrap(errs.KindTransient, "load stored credentials", err).WithProvider(m.provider)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		if ok {
			m.state.RefreshToken = token
		}
		m.loaded = true
	}
	return nil
}

// refresh 在令牌于 within 内过期时刷新，force 时无条件刷新。
// 合并键带上模式，强制刷新不会搭上只做有效期检查的那一次。
func (m *Manager) refresh(ctx context.Context, force bool, within time.Duration) (TokenState, error) {
	key := "refresh:force"
	if !force {
		key = "refresh:" + within.String()
	}
	// 刷新在独立于调用方取消的上下文中完成，调用方取消只影响自己的等待
	ch := m.group.DoChan(key, func() (interface{}, error) {
		return m.doRefresh(context.WithoutCancel(ctx), force, within)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return TokenState{}, res.Err
		}
		return res.Val.(TokenState), nil
	case <-ctx.Done():
		return TokenState{}, errs.Wrap(errs.KindCanceled, "waiting for token refresh", ctx.Err()).WithProvider(m.provider)
	}
}

func (m *Manager) doRefresh(ctx context.Context, force bool, within time.Duration) (TokenState, error) {
	m.mu.RLock()
	current := m.state
	m.mu.RUnlock()

	if !force && current.Valid(m.clock.Now(), within) {
		return current, nil
	}
	if current.RefreshToken == "" || m.refresher == nil {
		return TokenState{}, errs.New(errs.KindAuthFailed, "not logged in").WithProvider(m.provider)
	}

	m.log.Debug("refreshing access token")
	next, err := m.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		m.clear(ctx)
		m.log.WithError(err).Warn("token refresh failed, credentials cleared")
		return TokenState{}, errs.Wrap(errs.KindAuthFailed, "token refresh failed", err).WithProvider(m.provider)
	}
	next = m.complete(next, current.RefreshToken)

	m.mu.Lock()
	m.state = next
	m.mu.Unlock()

	if next.RefreshToken != current.RefreshToken {
		m.persist(ctx, next.RefreshToken)
	}
	m.log.WithField("expires_at", next.ExpiresAt).Info("access token refreshed")
	return next, nil
}

// complete 补齐刷新响应缺失的字段
func (m *Manager) complete(st TokenState, previousRefresh string) TokenState {
	if st.RefreshToken == "" {
		st.RefreshToken = previousRefresh
	}
	if st.ExpiresAt.IsZero() {
		if exp, ok := expiryFromJWT(st.AccessToken); ok {
			st.ExpiresAt = exp
		} else {
			st.ExpiresAt = m.clock.Now().Add(m.margin + DefaultLifetime)
		}
	}
	return st
}

func (m *Manager) clear(ctx context.Context) {
	m.mu.Lock()
	m.state = TokenState{}
	m.mu.Unlock()

	if err := m.store.Delete(ctx, m.storeKey()); err != nil {
		m.log.WithError(err).Warn("failed to delete stored credentials")
	}
}

func (m *Manager) persist(ctx context.Context, refreshToken string) {
	if refreshToken == "" {
		return
	}
	if err := m.store.Save(ctx, m.storeKey(), refreshToken); err != nil {
		m.log.WithError(err).Warn("failed to persist refresh token")
	}
}
