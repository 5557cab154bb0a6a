package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-tracker/pkg/circuitbreaker"
)

func TestHealthChecker_CheckOnce(t *testing.T) {
	clock := newFakeClock()
	pool, err := NewPool(PoolConfig{
		Endpoints: []EndpointConfig{{URL: "up"}, {URL: "down"}, {URL: "busy"}},
		Breaker:   &circuitbreaker.Config{MaxFailures: 2, ResetTimeout: time.Minute},
		Clock:     clock.Now,
	}, nil)
	require.NoError(t, err)

	tr := new(MockTransport)
	tr.On("Call", mock.Anything, "up", "getHealth", mock.Anything).Return(raw(`"ok"`), nil)
	tr.On("Call", mock.Anything, "down", "getHealth", mock.Anything).Return(nil, &NetworkError{Endpoint: "down", Err: errors.New("refused")})
	tr.On("Call", mock.Anything, "busy", "getHealth", mock.Anything).Return(nil, ErrUpstreamRateLimited)
	hc := NewHealthChecker(pool, tr, HealthCheckConfig{Timeout: time.Second}, nil)

	hc.CheckOnce(context.Background())
	hc.CheckOnce(context.Background())

	up, _ := pool.Get("up")
	down, _ := pool.Get("down")
	busy, _ := pool.Get("busy")
	assert.True(t, up.IsHealthy())
	assert.False(t, down.IsHealthy())
	assert.True(t, busy.IsHealthy())
	assert.Equal(t, 0, busy.Status().FailureCount)
	assert.False(t, up.Status().LastSuccessAt.IsZero())

	tr.AssertExpectations(t)
	tr.AssertNumberOfCalls(t, "Call", 6)

	// 打开状态下探活成功不会提前关闭熔断器
	tr.ExpectedCalls = nil
	tr.On("Call", mock.Anything, mock.Anything, "getHealth", mock.Anything).Return(raw(`"ok"`), nil)
	hc.CheckOnce(context.Background())
	assert.False(t, down.IsHealthy())

	// 进入半开后探活成功恢复
	clock.Advance(time.Minute)
	hc.CheckOnce(context.Background())
	assert.Equal(t, circuitbreaker.StateClosed, down.Breaker().State())
}
