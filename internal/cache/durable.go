package cache

import (
	"context"
	"time"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/model"
)

// DurableStore 持久层兜底存储
//
// Get 未命中或已过期时返回 nil, nil。
type DurableStore interface {
	Get(ctx context.Context, key string) (*model.CacheEntry, error)
	Set(ctx context.Context, key string, payload []byte, tier string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context, pattern string) (int64, error)
	Stats(ctx context.Context) (*model.CacheEntryStats, error)
}

// DurablePurger 支持清理过期行的持久层
type DurablePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// PatternDeleter 支持按模式删除的快速层
type PatternDeleter interface {
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

// Broadcaster 跨实例失效广播
type Broadcaster interface {
	PublishInvalidation(ctx context.Context, pattern string) error
}
