package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(maxFailures int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(&Config{MaxFailures: maxFailures, ResetTimeout: reset}, WithClock(clock.Now))
	return cb, clock
}

// TestStateString 测试状态名称
func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}

// TestDefaults 测试默认配置
func TestDefaults(t *testing.T) {
	cb := New(nil)
	assert.Equal(t, 5, cb.config.MaxFailures)
	assert.Equal(t, 5*time.Minute, cb.config.ResetTimeout)

	cb = New(&Config{})
	assert.Equal(t, 5, cb.config.MaxFailures)
	assert.Equal(t, 5*time.Minute, cb.config.ResetTimeout)
}

// TestOpensAtThreshold 测试连续失败达到阈值后打开
func TestOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		cb.Failure()
		assert.Equal(t, StateClosed, cb.State())
		assert.NoError(t, cb.Allow())
	}
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

// TestSuccessResetsFailures 测试成功清零失败计数
func TestSuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	cb.Failure()
	cb.Failure()
	cb.Success()
	assert.Equal(t, 0, cb.Stats().Failures)

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State())
}

// TestHalfOpenSingleTrial 测试半开状态只放行一次试探
func TestHalfOpenSingleTrial(t *testing.T) {
	cb, clock := newTestBreaker(5, 5*time.Minute)
	for i := 0; i < 5; i++ {
		cb.Failure()
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(5*time.Minute - time.Second)
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	t.Run("trial success closes", func(t *testing.T) {
		cb.Success()
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, 0, cb.Stats().Failures)
		assert.NoError(t, cb.Allow())
	})
}

// TestHalfOpenFailureReopens 测试试探失败重新打开并重新计时
func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)
	cb.Failure()
	cb.Failure()

	clock.Advance(time.Minute)
	require.NoError(t, cb.Allow())
	cb.Failure()

	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, clock.now, cb.Stats().OpenedAt)

	clock.Advance(59 * time.Second)
	assert.Equal(t, StateOpen, cb.State())
	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.NoError(t, cb.Allow())
}

// TestRelease 测试放弃试探后可再次试探
func TestRelease(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)
	cb.Failure()
	clock.Advance(time.Minute)

	require.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
	cb.Release()
	assert.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
}

// TestProbeSuccess 测试健康检查成功只在非打开状态生效
func TestProbeSuccess(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)
	cb.Failure()
	cb.ProbeSuccess()
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Minute)
	cb.ProbeSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

// TestReset 测试重置
func TestReset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)

	cb.Failure()
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Allow())
	assert.Equal(t, 0, cb.Stats().Failures)
}

// TestRegistry 测试注册表
func TestRegistry(t *testing.T) {
	r := NewRegistry(&Config{MaxFailures: 1, ResetTimeout: time.Minute})
	a := r.Get("a")
	assert.Same(t, a, r.Get("a"))
	assert.NotSame(t, a, r.Get("b"))

	a.Failure()
	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, "open", snap["a"].StateName)
	assert.Equal(t, "closed", snap["b"].StateName)
}
