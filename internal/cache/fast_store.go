package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// errFastMiss 快速层未找到 payload
var errFastMiss = errors.New("cache: fast store miss")

// FastStore 快速层 payload 存储
type FastStore interface {
	Get(ctx context.Context, tier Tier, key string) ([]byte, error)
	Set(ctx context.Context, tier Tier, key string, payload []byte, ttl time.Duration) error
	Delete(ctx context.Context, tier Tier, keys ...string) error
	Name() string
}

// FastSweeper 需要主动清理过期 payload 的快速层
type FastSweeper interface {
	Sweep(ctx context.Context) int
}

type memItem struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryFastStore 进程内快速层
type MemoryFastStore struct {
	mu    sync.RWMutex
	now   func() time.Time
	tiers map[Tier]map[string]memItem
}

// NewMemoryFastStore 创建进程内快速层
func NewMemoryFastStore(now func() time.Time) *MemoryFastStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryFastStore{
		now:   now,
		tiers: make(map[Tier]map[string]memItem, len(AllTiers)),
	}
	for _, t := range AllTiers {
		s.tiers[t] = make(map[string]memItem)
	}
	return s
}

func (s *MemoryFastStore) Name() string { return "memory" }

func (s *MemoryFastStore) Get(_ context.Context, tier Tier, key string) ([]byte, error) {
	s.mu.RLock()
	item, ok := s.tiers[tier][key]
	s.mu.RUnlock()
	if !ok {
		return nil, errFastMiss
	}
	if !s.now().Before(item.expiresAt) {
		s.mu.Lock()
		if cur, exists := s.tiers[tier][key]; exists && !s.now().Before(cur.expiresAt) {
			delete(s.tiers[tier], key)
		}
		s.mu.Unlock()
		return nil, errFastMiss
	}
	return item.payload, nil
}

func (s *MemoryFastStore) Set(_ context.Context, tier Tier, key string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.tiers[tier]
	if !ok {
		return fmt.Errorf("cache: invalid tier %d", tier)
	}
	m[key] = memItem{payload: payload, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryFastStore) Delete(_ context.Context, tier Tier, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.tiers[tier], k)
	}
	return nil
}

// Sweep 删除所有已过期的 payload
func (s *MemoryFastStore) Sweep(_ context.Context) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.tiers {
		for k, item := range m {
			if !now.Before(item.expiresAt) {
				delete(m, k)
				n++
			}
		}
	}
	return n
}

// Len payload 数量
func (s *MemoryFastStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.tiers {
		n += len(m)
	}
	return n
}

// Redis 快速层键格式
const KeyFastEntry = "eidos:tracker:cache:%s:%s" // tier:key

// RedisFastStore Redis 快速层，多实例共享 payload
type RedisFastStore struct {
	client redis.UniversalClient
}

// NewRedisFastStore 创建 Redis 快速层
func NewRedisFastStore(client redis.UniversalClient) *RedisFastStore {
	return &RedisFastStore{client: client}
}

func (s *RedisFastStore) Name() string { return "redis" }

func (s *RedisFastStore) Get(ctx context.Context, tier Tier, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(KeyFastEntry, tier, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errFastMiss
		}
		return nil, err
	}
	return data, nil
}

func (s *RedisFastStore) Set(ctx context.Context, tier Tier, key string, payload []byte, ttl time.Duration) error {
	return s.client.Set(ctx, fmt.Sprintf(KeyFastEntry, tier, key), payload, ttl).Err()
}

func (s *RedisFastStore) Delete(ctx context.Context, tier Tier, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = fmt.Sprintf(KeyFastEntry, tier, k)
	}
	return s.client.Del(ctx, redisKeys...).Err()
}

// DeletePattern SCAN 匹配所有层的键并删除
func (s *RedisFastStore) DeletePattern(ctx context.Context, pattern string) (int, error) {
	match := fmt.Sprintf(KeyFastEntry, "*", pattern)
	deleted := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 500).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
