package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comicfeed/pkg/errs"
	"comicfeed/pkg/timing"
)

func newTestRegistry(opts ...Option) (*Registry, *timing.ManualClock) {
	clock := timing.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(clock)}, opts...)
	return NewRegistry(Settings{Threshold: 3, BaseCooldown: time.Minute, MaxCooldown: 5 * time.Minute}, opts...), clock
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{}.withDefaults()
	assert.Equal(t, DefaultThreshold, s.Threshold)
	assert.Equal(t, DefaultBaseCooldown, s.BaseCooldown)
	assert.Equal(t, DefaultMaxCooldown, s.MaxCooldown)

	s = Settings{BaseCooldown: time.Hour, MaxCooldown: time.Minute}.withDefaults()
	assert.Equal(t, time.Hour, s.MaxCooldown)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "copymanga/search", Key("copymanga", "search"))
	assert.Equal(t, "copymanga", Key("copymanga", ""))
}

func TestRegistry_OpensAtThreshold(t *testing.T) {
	r, _ := newTestRegistry()
	key := Key("p", "list")

	assert.False(t, r.Failure(key))
	assert.False(t, r.Failure(key))
	require.NoError(t, r.Allow(key), "阈值之前仍然放行")
	assert.True(t, r.Failure(key), "第三次连续失败打开熔断")

	st := r.State(key)
	assert.Equal(t, StateOpen, st.State)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, time.Minute, st.Cooldown)

	err := r.Allow(key)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrCircuitOpen)
	assert.Equal(t, errs.KindCircuitOpen, errs.KindOf(err))
}

func TestRegistry_SuccessResetsCount(t *testing.T) {
	r, _ := newTestRegistry()
	key := "p/list"

	r.Failure(key)
	r.Failure(key)
	r.Success(key)
	assert.Equal(t, 0, r.State(key).ConsecutiveFailures)

	r.Failure(key)
	r.Failure(key)
	assert.Equal(t, StateClosed, r.State(key).State, "计数被清零后不会提前打开")
}

func TestRegistry_HalfOpenSingleTrial(t *testing.T) {
	r, clock := newTestRegistry()
	key := "p/list"
	for i := 0; i < 3; i++ {
		r.Failure(key)
	}

	clock.Advance(59 * time.Second)
	assert.Error(t, r.Allow(key), "冷却期内快速失败")

	clock.Advance(time.Second)

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Allow(key) == nil {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted, "HALF_OPEN 只放行一个试探请求")
	assert.Equal(t, StateHalfOpen, r.State(key).State)
}

func TestRegistry_TrialSuccessCloses(t *testing.T) {
	r, clock := newTestRegistry()
	key := "p/list"
	for i := 0; i < 3; i++ {
		r.Failure(key)
	}
	clock.Advance(time.Minute)
	require.NoError(t, r.Allow(key))

	r.Success(key)
	st := r.State(key)
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, time.Minute, st.Cooldown)
	assert.True(t, st.RetryAfter.IsZero())
	assert.NoError(t, r.Allow(key))
}

func TestRegistry_TrialFailureDoublesCooldown(t *testing.T) {
	r, clock := newTestRegistry()
	key := "p/list"
	for i := 0; i < 3; i++ {
		r.Failure(key)
	}

	previous := r.State(key).Cooldown
	expected := []time.Duration{2 * time.Minute, 4 * time.Minute, 5 * time.Minute, 5 * time.Minute}
	for _, want := range expected {
		clock.Advance(previous)
		require.NoError(t, r.Allow(key))
		assert.True(t, r.Failure(key), "试探失败重新打开")

		st := r.State(key)
		assert.Equal(t, StateOpen, st.State)
		assert.Equal(t, want, st.Cooldown)
		assert.Equal(t, clock.Now().Add(want), st.RetryAfter)
		if previous < 5*time.Minute {
			assert.Greater(t, st.Cooldown, previous, "未到上限时冷却时间严格变长")
		}
		previous = st.Cooldown
	}
}

func TestRegistry_ReleaseFreesTrial(t *testing.T) {
	r, clock := newTestRegistry()
	key := "p/list"
	for i := 0; i < 3; i++ {
		r.Failure(key)
	}
	clock.Advance(time.Minute)
	require.NoError(t, r.Allow(key))
	assert.Error(t, r.Allow(key))

	// 试探请求遇到永久错误：状态不变，但名额释放
	r.Release(key)
	assert.Equal(t, StateHalfOpen, r.State(key).State)
	assert.NoError(t, r.Allow(key))
}

func TestRegistry_KeysIndependent(t *testing.T) {
	r, _ := newTestRegistry()
	for i := 0; i < 3; i++ {
		r.Failure("p/search")
	}
	assert.Error(t, r.Allow("p/search"))
	assert.NoError(t, r.Allow("p/details"))
	assert.NoError(t, r.Allow("q/search"))
}

func TestRegistry_ProviderOverride(t *testing.T) {
	r, _ := newTestRegistry(WithProviderSettings("Strict", Settings{Threshold: 1, BaseCooldown: time.Second}))

	assert.True(t, r.Failure("strict/list"))
	assert.Equal(t, time.Second, r.State("strict/list").Cooldown)
	assert.False(t, r.Failure("other/list"))
}

func TestRegistry_SetProviderSettings(t *testing.T) {
	r, _ := newTestRegistry()

	assert.False(t, r.Failure("late/list"))
	r.SetProviderSettings("late", Settings{Threshold: 2, BaseCooldown: 10 * time.Second})

	assert.True(t, r.Failure("late/list"), "已有熔断器使用新的阈值")
	assert.Equal(t, 10*time.Second, r.State("late/list").Cooldown)
	assert.False(t, r.Failure("late/details"))
}

func TestRegistry_StateChangeCallbackAndReset(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	r, _ := newTestRegistry(WithStateChange(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, key+":"+from.String()+"->"+to.String())
		mu.Unlock()
	}))

	for i := 0; i < 3; i++ {
		r.Failure("p/list")
	}
	r.Reset("p/list")

	assert.Equal(t, []string{"p/list:CLOSED->OPEN", "p/list:OPEN->CLOSED"}, transitions)
	assert.NoError(t, r.Allow("p/list"))
	assert.Len(t, r.Snapshot(), 1)
}
