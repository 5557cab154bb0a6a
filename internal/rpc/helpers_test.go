package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// MockTransport 上游传输 mock，按端点 URL 匹配
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Call(ctx context.Context, ep *Endpoint, method string, params []any) (json.RawMessage, error) {
	args := m.Called(ctx, ep.URL, method, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

// urls 按调用顺序返回被调用的端点
func (m *MockTransport) urls() []string {
	out := []string{}
	for _, c := range m.Calls {
		if c.Method == "Call" {
			out = append(out, c.Arguments.String(1))
		}
	}
	return out
}

// MockCache 响应缓存 mock
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockCache) Set(ctx context.Context, key string, payload []byte, tier cache.Tier) error {
	args := m.Called(ctx, key, payload, tier)
	return args.Error(0)
}

func (m *MockCache) TierForTTL(ttl time.Duration) cache.Tier {
	args := m.Called(ttl)
	return args.Get(0).(cache.Tier)
}

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

// sleepRecorder 记录退避时长，不真正等待
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}
