package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/cache"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/model"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/monitor"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/ratelimit"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/rpc"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/scaling"
	"github.com/eidos-exchange/eidos/eidos-tracker/pkg/circuitbreaker"
	"github.com/eidos-exchange/eidos/eidos-tracker/pkg/logger"
)

// MockGateway 网关 mock
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Call(ctx context.Context, method string, params []any, opts rpc.CallOptions) (json.RawMessage, error) {
	args := m.Called(ctx, method, params, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

func (m *MockGateway) Counters() rpc.Counters {
	args := m.Called()
	return args.Get(0).(rpc.Counters)
}

type fakeEndpoints struct{}

func (fakeEndpoints) Snapshot() []rpc.EndpointStatus {
	return []rpc.EndpointStatus{{URL: "https://a", Healthy: true}}
}

// MockCache 缓存 mock
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Invalidate(ctx context.Context, pattern string) (int, error) {
	args := m.Called(ctx, pattern)
	return args.Int(0), args.Error(1)
}

func (m *MockCache) Stats(ctx context.Context) (*cache.StoreStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cache.StoreStats), args.Error(1)
}

type fakeBreakers struct{}

func (fakeBreakers) BreakerStates() map[string]circuitbreaker.Stats {
	return map[string]circuitbreaker.Stats{"https://a": {State: circuitbreaker.StateOpen, StateName: "open", Failures: 5}}
}

type fakeWarmer struct{}

func (fakeWarmer) GetOrWarm(_ context.Context, key string) ([]byte, error) {
	return []byte("v:" + key), nil
}
func (fakeWarmer) QueueSize() int { return 4 }
func (fakeWarmer) Aggressiveness() float64 { return 1.5 }

type panickyMonitor struct{}

func (panickyMonitor) Stats() monitor.Stats { panic("monitor gone") }

type fakeScaling struct{}

func (fakeScaling) Metrics() scaling.Metrics { return scaling.Metrics{HistoryLen: 9} }

type fakeLimiter struct{}

func (fakeLimiter) Stats() []ratelimit.ScopeStats {
	return []ratelimit.ScopeStats{{Scope: "https://a", SecondCount: 1}}
}

// MockPublisher 事件发布 mock
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishDatasetChanged(ctx context.Context, e *model.DatasetChangedEvent) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockPublisher) PublishCacheInvalidated(ctx context.Context, e *model.CacheInvalidatedEvent) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func TestService_Call(t *testing.T) {
	gw := new(MockGateway)
	svc := NewService(Deps{Gateway: gw}, nil)

	_, err := svc.Call(context.Background(), CallPayload{}, rpc.CallOptions{})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	opts := rpc.CallOptions{CacheKey: "slot"}
	gw.On("Call", mock.Anything, "getSlot", []any(nil), opts).Return(json.RawMessage(`"ok"`), nil).Once()
	res, err := svc.Call(context.Background(), CallPayload{Method: "getSlot"}, opts)
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(res))
	gw.AssertExpectations(t)
}

// TestService_CallRequestFields 网关收到的 context 带请求级日志字段
func TestService_CallRequestFields(t *testing.T) {
	gw := new(MockGateway)
	svc := NewService(Deps{Gateway: gw}, nil)

	var got context.Context
	gw.On("Call", mock.Anything, "getBalance", []any{"acct"}, rpc.CallOptions{}).
		Run(func(args mock.Arguments) { got = args.Get(0).(context.Context) }).
		Return(nil, rpc.ErrNoHealthyEndpoint)

	_, err := svc.Call(context.Background(), CallPayload{Method: "getBalance", Params: []any{"acct"}}, rpc.CallOptions{})
	assert.ErrorIs(t, err, rpc.ErrNoHealthyEndpoint)
	require.NotNil(t, got)

	core, logs := observer.New(zapcore.DebugLevel)
	logger.WithContext(got, zap.New(core)).Warn("rpc call failed")
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "getBalance", fields["method"])
	assert.NotEmpty(t, fields["request_id"])
}

func TestService_GetOrWarm(t *testing.T) {
	svc := NewService(Deps{Warmer: fakeWarmer{}}, nil)
	v, err := svc.GetOrWarm(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v:k", string(v))
}

func TestService_ClearCaches(t *testing.T) {
	c := new(MockCache)
	pub := new(MockPublisher)
	svc := NewService(Deps{Cache: c, Publisher: pub}, nil)

	c.On("Invalidate", mock.Anything, "*").Return(5, nil).Once()
	c.On("Invalidate", mock.Anything, "balance:*").Return(2, nil).Once()
	pub.On("PublishCacheInvalidated", mock.Anything, mock.MatchedBy(func(e *model.CacheInvalidatedEvent) bool {
		return e.Pattern == "*" && e.Keys == 5 && e.Source == "api"
	})).Return(nil).Once()
	// 发布失败不影响清理结果
	pub.On("PublishCacheInvalidated", mock.Anything, mock.MatchedBy(func(e *model.CacheInvalidatedEvent) bool {
		return e.Pattern == "balance:*"
	})).Return(errors.New("broker down")).Once()

	n, err := svc.ClearCaches(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = svc.ClearCaches(context.Background(), "balance:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestService_ClearCachesError(t *testing.T) {
	c := new(MockCache)
	pub := new(MockPublisher)
	svc := NewService(Deps{Cache: c, Publisher: pub}, nil)
	down := errors.New("durable down")
	c.On("Invalidate", mock.Anything, "price:*").Return(3, down)

	n, err := svc.ClearCaches(context.Background(), "price:*")
	assert.ErrorIs(t, err, down)
	assert.Equal(t, 3, n)
	pub.AssertNotCalled(t, "PublishCacheInvalidated", mock.Anything, mock.Anything)
}

func TestService_GetStatsPartial(t *testing.T) {
	gw := new(MockGateway)
	gw.On("Counters").Return(rpc.Counters{Requests: 3, Calls: 2, CacheHits: 1, TrackedCalls: 2})
	c := new(MockCache)
	c.On("Stats", mock.Anything).Return(&cache.StoreStats{Hits: 7}, errors.New("durable down"))

	svc := NewService(Deps{
		Gateway:   gw,
		Endpoints: fakeEndpoints{},
		Breakers:  fakeBreakers{},
		Cache:     c,
		Warmer:    fakeWarmer{},
		Scaling:   fakeScaling{},
		Monitor:   panickyMonitor{},
		Limiter:   fakeLimiter{},
	}, nil)

	st := svc.GetStats(context.Background())
	require.Len(t, st.Endpoints, 1)
	require.Contains(t, st.Breakers, "https://a")
	assert.Equal(t, "open", st.Breakers["https://a"].StateName)
	assert.Equal(t, int64(3), st.Gateway.Requests)
	assert.Equal(t, 2, st.Gateway.TrackedCalls)
	require.NotNil(t, st.Cache)
	assert.Equal(t, int64(7), st.Cache.Hits)
	assert.Equal(t, 4, st.QueueSize)
	assert.Equal(t, 1.5, st.Aggressiveness)
	require.NotNil(t, st.ScalingMetrics)
	assert.Equal(t, 9, st.ScalingMetrics.HistoryLen)
	assert.Nil(t, st.Monitor)
	assert.Len(t, st.RateLimits, 1)

	require.Len(t, st.Errors, 2)
	assert.Contains(t, st.Errors[0], "cache: durable down")
	assert.Contains(t, st.Errors[1], "monitor: panic")
	gw.AssertExpectations(t)
	c.AssertExpectations(t)
}

func TestService_GetStatsEmptyDeps(t *testing.T) {
	st := NewService(Deps{}, nil).GetStats(context.Background())
	assert.Empty(t, st.Errors)
	assert.Nil(t, st.Cache)
	assert.False(t, st.CollectedAt.IsZero())
}
