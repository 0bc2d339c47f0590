package rest

import (
	"context"
	"fmt"
	"time"

	"comicfeed/pkg/auth"
	"comicfeed/pkg/normalize"
	"comicfeed/pkg/transport"
)

// TokenConfig 登录与刷新端点，以及响应中令牌字段的位置
type TokenConfig struct {
	Login        Endpoint `mapstructure:"login"`   // 可用 {username} {password}
	Refresh      Endpoint `mapstructure:"refresh"` // 可用 {refresh_token}
	AccessToken  []string `mapstructure:"access_token"`
	RefreshToken []string `mapstructure:"refresh_token"`
	ExpiresIn    []string `mapstructure:"expires_in"` // 秒
	ExpiresAt    []string `mapstructure:"expires_at"`
}

func (c TokenConfig) withDefaults() TokenConfig {
	if len(c.AccessToken) == 0 {
		c.AccessToken = []string{"access_token", "token", "data.token", "data.access_token"}
	}
	if len(c.RefreshToken) == 0 {
		c.RefreshToken = []string{"refresh_token", "data.refresh_token"}
	}
	if len(c.ExpiresIn) == 0 {
		c.ExpiresIn = []string{"expires_in", "data.expires_in"}
	}
	if len(c.ExpiresAt) == 0 {
		c.ExpiresAt = []string{"expires_at", "data.expires_at"}
	}
	return c
}

// tokenClient 直接通过传输层调用认证端点。
// 认证请求不经过执行器，避免执行器取令牌时递归。
type tokenClient struct {
	p   *Provider
	cfg TokenConfig
	t   transport.Transport
	now func() time.Time
}

func newTokenClient(p *Provider, cfg TokenConfig, t transport.Transport) *tokenClient {
	return &tokenClient{p: p, cfg: cfg.withDefaults(), t: t, now: time.Now}
}

func (c *tokenClient) Login(ctx context.Context, creds auth.Credentials) (auth.TokenState, error) {
	return c.exchange(ctx, c.cfg.Login, map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	})
}

func (c *tokenClient) Refresh(ctx context.Context, refreshToken string) (auth.TokenState, error) {
	return c.exchange(ctx, c.cfg.Refresh, map[string]string{"refresh_token": refreshToken})
}

func (c *tokenClient) exchange(ctx context.Context, ep Endpoint, vars map[string]string) (auth.TokenState, error) {
	if ep.Path == "" {
		return auth.TokenState{}, fmt.Errorf("auth endpoint not configured")
	}
	req, err := c.p.buildRequest(ep, vars)
	if err != nil {
		return auth.TokenState{}, err
	}
	if mod := c.p.Modifier(); mod != nil {
		req = mod(req)
	}

	resp, err := c.t.Send(ctx, req)
	if err != nil {
		return auth.TokenState{}, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return auth.TokenState{}, fmt.Errorf("auth endpoint returned status %d", resp.Status)
	}

	payload, err := normalize.Decode(resp.Body, resp.ContentType(), normalize.SchemaHints{Format: normalize.FormatJSON})
	if err != nil {
		return auth.TokenState{}, err
	}
	root := payload.Root()

	st := auth.TokenState{
		AccessToken:  normalize.StringField(root, c.cfg.AccessToken),
		RefreshToken: normalize.StringField(root, c.cfg.RefreshToken),
	}
	if st.AccessToken == "" {
		return auth.TokenState{}, fmt.Errorf("auth response has no access token")
	}
	if secs, ok := normalize.FloatField(root, c.cfg.ExpiresIn); ok && secs > 0 {
		st.ExpiresAt = c.now().Add(time.Duration(secs * float64(time.Second)))
	} else if at := normalize.TimeField(root, c.cfg.ExpiresAt, nil); at != nil {
		st.ExpiresAt = *at
	}
	return st, nil
}
