package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comicfeed/pkg/errs"
	"comicfeed/pkg/timing"
)

type fakeRefresher struct {
	calls    int32
	delay    time.Duration
	fail     bool
	lifetime time.Duration
	clock    timing.TimeService
	// omitExpiry 为 true 时不返回过期时间，访问令牌为 JWT
	omitExpiry bool
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (TokenState, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail {
		return TokenState{}, errors.New("refresh token revoked")
	}
	st := TokenState{AccessToken: fmt.Sprintf("access-%d", n)}
	if f.omitExpiry {
		st.AccessToken = signedJWT(f.clock.Now().Add(f.lifetime))
	} else {
		st.ExpiresAt = f.clock.Now().Add(f.lifetime)
	}
	return st, nil
}

func (f *fakeRefresher) Login(ctx context.Context, creds Credentials) (TokenState, error) {
	if creds.Password != "secret" {
		return TokenState{}, errors.New("bad credentials")
	}
	return TokenState{
		AccessToken:  "access-login",
		RefreshToken: "refresh-login",
		ExpiresAt:    f.clock.Now().Add(f.lifetime),
	}, nil
}

func signedJWT(exp time.Time) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "reader",
		"exp": exp.Unix(),
	})
	s, err := token.SignedString([]byte("test-key"))
	if err != nil {
		panic(err)
	}
	return s
}

func newTestManager(t *testing.T, ref *fakeRefresher) (*Manager, *MemoryStore, *timing.ManualClock) {
	t.Helper()
	clock := timing.NewManualClock(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	ref.clock = clock
	if ref.lifetime == 0 {
		ref.lifetime = time.Hour
	}
	store := NewMemoryStore()
	m := NewManager(ManagerConfig{
		Provider:     "picacg",
		SafetyMargin: time.Minute,
		Refresher:    ref,
		Store:        store,
		Clock:        clock,
	})
	return m, store, clock
}

func TestManager_NotLoggedIn(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeRefresher{})

	_, err := m.GetValidToken(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.KindAuthFailed, errs.KindOf(err))
	assert.False(t, m.LoggedIn())
}

func TestManager_LoginAndValidToken(t *testing.T) {
	ref := &fakeRefresher{}
	m, store, _ := newTestManager(t, ref)

	_, err := m.Login(context.Background(), Credentials{Username: "u", Password: "wrong"})
	assert.Equal(t, errs.KindAuthFailed, errs.KindOf(err))

	st, err := m.Login(context.Background(), Credentials{Username: "u", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "access-login", st.AccessToken)

	saved, ok, _ := store.Load(context.Background(), "picacg:refresh_token")
	assert.True(t, ok)
	assert.Equal(t, "refresh-login", saved)

	got, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-login", got.AccessToken)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ref.calls), "有效令牌不触发刷新")
}

func TestManager_RefreshWithinSafetyMargin(t *testing.T) {
	ref := &fakeRefresher{}
	m, _, clock := newTestManager(t, ref)
	_, err := m.Login(context.Background(), Credentials{Password: "secret"})
	require.NoError(t, err)

	clock.Advance(time.Hour - 30*time.Second)

	st, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", st.AccessToken)
	assert.Equal(t, "refresh-login", st.RefreshToken, "响应没有新刷新令牌时沿用旧的")
	assert.True(t, st.ExpiresAt.After(clock.Now().Add(time.Minute)))
}

func TestManager_ConcurrentCallersShareOneRefresh(t *testing.T) {
	ref := &fakeRefresher{delay: 50 * time.Millisecond}
	m, store, _ := newTestManager(t, ref)
	require.NoError(t, store.Save(context.Background(), "picacg:refresh_token", "persisted"))

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := m.GetValidToken(context.Background())
			require.NoError(t, err)
			tokens[i] = st.AccessToken
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&ref.calls))
	for _, tok := range tokens {
		assert.Equal(t, "access-1", tok)
	}
}

func TestManager_RefreshFailureClearsState(t *testing.T) {
	ref := &fakeRefresher{fail: true}
	m, store, _ := newTestManager(t, ref)
	require.NoError(t, store.Save(context.Background(), "picacg:refresh_token", "stale"))

	_, err := m.GetValidToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAuthFailed)

	_, ok, _ := store.Load(context.Background(), "picacg:refresh_token")
	assert.False(t, ok, "失败后持久化的刷新令牌被删除")
	assert.False(t, m.LoggedIn())

	_, err = m.GetValidToken(context.Background())
	assert.Equal(t, errs.KindAuthFailed, errs.KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ref.calls), "没有刷新令牌后不再请求上游")
}

func TestManager_ExpiryFromJWT(t *testing.T) {
	ref := &fakeRefresher{omitExpiry: true, lifetime: 2 * time.Hour}
	m, store, clock := newTestManager(t, ref)
	require.NoError(t, store.Save(context.Background(), "picacg:refresh_token", "r"))

	st, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(2*time.Hour).Unix(), st.ExpiresAt.Unix())
}

func TestManager_ForceRefresh(t *testing.T) {
	ref := &fakeRefresher{}
	m, _, _ := newTestManager(t, ref)
	_, err := m.Login(context.Background(), Credentials{Password: "secret"})
	require.NoError(t, err)

	st, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", st.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ref.calls))
}

func TestManager_RefreshIfExpiring(t *testing.T) {
	ref := &fakeRefresher{}
	m, _, clock := newTestManager(t, ref)

	require.NoError(t, m.RefreshIfExpiring(context.Background(), 10*time.Minute), "未登录时不做任何事")

	_, err := m.Login(context.Background(), Credentials{Password: "secret"})
	require.NoError(t, err)

	require.NoError(t, m.RefreshIfExpiring(context.Background(), 10*time.Minute))
	assert.Equal(t, int32(0), atomic.LoadInt32(&ref.calls))

	clock.Advance(55 * time.Minute)
	require.NoError(t, m.RefreshIfExpiring(context.Background(), 10*time.Minute))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ref.calls))
}

func TestManager_CallerCancelDoesNotAbortRefresh(t *testing.T) {
	ref := &fakeRefresher{delay: 100 * time.Millisecond}
	m, store, _ := newTestManager(t, ref)
	require.NoError(t, store.Save(context.Background(), "picacg:refresh_token", "r"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.GetValidToken(ctx)
	assert.Equal(t, errs.KindCanceled, errs.KindOf(err))

	st, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", st.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ref.calls))
}

func TestManager_Logout(t *testing.T) {
	m, store, _ := newTestManager(t, &fakeRefresher{})
	_, err := m.Login(context.Background(), Credentials{Password: "secret"})
	require.NoError(t, err)

	require.NoError(t, m.Logout(context.Background()))
	assert.False(t, m.LoggedIn())
	_, ok, _ := store.Load(context.Background(), "picacg:refresh_token")
	assert.False(t, ok)
}

func TestManager_ForceRefreshDoesNotJoinValidityCheck(t *testing.T) {
	ref := &fakeRefresher{delay: 100 * time.Millisecond}
	m, store, _ := newTestManager(t, ref)
	require.NoError(t, store.Save(context.Background(), "picacg:refresh_token", "r"))

	var (
		wg    sync.WaitGroup
		first TokenState
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, _ = m.GetValidToken(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)

	forced, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)
	wg.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&ref.calls), "强制刷新应单独发起一次刷新")
	assert.NotEqual(t, first.AccessToken, forced.AccessToken)
}
