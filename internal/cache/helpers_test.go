package cache

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/model"
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

// memDurable 内存版持久层，用于需要真实读写回落的用例
type memDurable struct {
	mu   sync.Mutex
	now  func() time.Time
	rows map[string]*model.CacheEntry
	hits int64
	ttls map[string]time.Duration
}

func newMemDurable(now func() time.Time) *memDurable {
	return &memDurable{now: now, rows: make(map[string]*model.CacheEntry), ttls: make(map[string]time.Duration)}
}

func (d *memDurable) Get(_ context.Context, key string) (*model.CacheEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.rows[key]
	if !ok || row.IsExpired(d.now().UnixMilli()) {
		return nil, nil
	}
	d.hits++
	cp := *row
	return &cp, nil
}

func (d *memDurable) Set(_ context.Context, key string, payload []byte, tier string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rows[key] = &model.CacheEntry{
		Key:       key,
		Payload:   payload,
		Tier:      tier,
		ExpiresAt: d.now().Add(ttl).UnixMilli(),
	}
	d.ttls[key] = ttl
	return nil
}

func (d *memDurable) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rows, key)
	return nil
}

func (d *memDurable) Clear(_ context.Context, pattern string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for k := range d.rows {
		if pattern == "" || MatchPattern(pattern, k) {
			delete(d.rows, k)
			n++
		}
	}
	return n, nil
}

func (d *memDurable) Stats(_ context.Context) (*model.CacheEntryStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := &model.CacheEntryStats{Total: int64(len(d.rows)), Hits: d.hits}
	for _, r := range d.rows {
		if r.IsExpired(d.now().UnixMilli()) {
			st.Expired++
		}
	}
	return st, nil
}

func (d *memDurable) has(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.rows[key]
	return ok
}

// MockDurable 持久层 mock
type MockDurable struct {
	mock.Mock
}

func (m *MockDurable) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CacheEntry), args.Error(1)
}

func (m *MockDurable) Set(ctx context.Context, key string, payload []byte, tier string, ttl time.Duration) error {
	args := m.Called(ctx, key, payload, tier, ttl)
	return args.Error(0)
}

func (m *MockDurable) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockDurable) Clear(ctx context.Context, pattern string) (int64, error) {
	args := m.Called(ctx, pattern)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDurable) Stats(ctx context.Context) (*model.CacheEntryStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CacheEntryStats), args.Error(1)
}
