package auth

import (
	"context"
	"time"
)

// TokenState 一个提供商当前持有的令牌
type TokenState struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid 在 now+margin 之前仍未过期则视为有效
func (t TokenState) Valid(now time.Time, margin time.Duration) bool {
	return t.AccessToken != "" && now.Add(margin).Before(t.ExpiresAt)
}

// Credentials 登录凭证
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Refresher 与提供商认证端点交互的协作者
type Refresher interface {
	// Refresh 用刷新令牌换取新的访问令牌
	Refresh(ctx context.Context, refreshToken string) (TokenState, error)
	// Login 用账号密码登录
	Login(ctx context.Context, creds Credentials) (TokenState, error)
}

// CredentialStore 刷新令牌的持久化存储
type CredentialStore interface {
	Save(ctx context.Context, key, value string) error
	Load(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
}
