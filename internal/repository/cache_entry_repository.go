package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/cache"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/model"
)

// CacheEntryRepository 持久层缓存条目仓储
type CacheEntryRepository struct {
	*Repository
	now func() time.Time
}

var (
	_ cache.DurableStore  = (*CacheEntryRepository)(nil)
	_ cache.DurablePurger = (*CacheEntryRepository)(nil)
)

// CacheEntryOption 选项
type CacheEntryOption func(*CacheEntryRepository)

// WithClock 注入时钟
func WithClock(now func() time.Time) CacheEntryOption {
	return func(r *CacheEntryRepository) {
		r.now = now
	}
}

// NewCacheEntryRepository 创建缓存条目仓储
func NewCacheEntryRepository(db *gorm.DB, opts ...CacheEntryOption) *CacheEntryRepository {
	r := &CacheEntryRepository{Repository: NewRepository(db), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get 未命中或已过期返回 nil, nil；命中时累加 hit_count
func (r *CacheEntryRepository) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	nowMs := r.now().UnixMilli()

	var entry model.CacheEntry
	err := r.DB(ctx).Where("cache_key = ? AND expires_at > ?", key, nowMs).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	err = r.DB(ctx).Model(&model.CacheEntry{}).
		Where("cache_key = ?", key).
		UpdateColumns(map[string]interface{}{
			"hit_count":   gorm.Expr("hit_count + 1"),
			"accessed_at": nowMs,
		}).Error
	if err != nil {
		return nil, err
	}
	entry.HitCount++
	entry.AccessedAt = nowMs
	return &entry, nil
}

// Set 写入或覆盖条目
func (r *CacheEntryRepository) Set(ctx context.Context, key string, payload []byte, tier string, ttl time.Duration) error {
	now := r.now()
	entry := &model.CacheEntry{
		Key:        key,
		Payload:    payload,
		Tier:       tier,
		ExpiresAt:  now.Add(ttl).UnixMilli(),
		AccessedAt: now.UnixMilli(),
		CreatedAt:  now.UnixMilli(),
		UpdatedAt:  now.UnixMilli(),
	}
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "tier", "expires_at", "accessed_at", "updated_at"}),
	}).Create(entry).Error
}

// Delete 删除条目，不存在时不报错
func (r *CacheEntryRepository) Delete(ctx context.Context, key string) error {
	return r.DB(ctx).Where("cache_key = ?", key).Delete(&model.CacheEntry{}).Error
}

// Clear 按 glob 模式删除，空模式删除全部
func (r *CacheEntryRepository) Clear(ctx context.Context, pattern string) (int64, error) {
	if pattern == "" || pattern == "*" {
		res := r.DB(ctx).Where("1 = 1").Delete(&model.CacheEntry{})
		return res.RowsAffected, res.Error
	}
	if !cache.IsPattern(pattern) {
		res := r.DB(ctx).Where("cache_key = ?", pattern).Delete(&model.CacheEntry{})
		return res.RowsAffected, res.Error
	}

	like, exact := globToLike(pattern)
	if exact {
		res := r.DB(ctx).Where("cache_key LIKE ? ESCAPE '\\'", like).Delete(&model.CacheEntry{})
		return res.RowsAffected, res.Error
	}

	// 字符类无法翻译成 LIKE，先按前缀粗筛再精确匹配
	var deleted int64
	err := r.TransactionWithRetry(ctx, 3, func(ctx context.Context) error {
		deleted = 0
		var keys []string
		if err := r.DB(ctx).Model(&model.CacheEntry{}).
			Where("cache_key LIKE ? ESCAPE '\\'", like).
			Pluck("cache_key", &keys).Error; err != nil {
			return err
		}
		matched := keys[:0]
		for _, k := range keys {
			if cache.MatchPattern(pattern, k) {
				matched = append(matched, k)
			}
		}
		if len(matched) == 0 {
			return nil
		}
		res := r.DB(ctx).Where("cache_key IN ?", matched).Delete(&model.CacheEntry{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

// globToLike 将 glob 转为 LIKE 模式，exact 为 false 时结果只是超集
func globToLike(pattern string) (like string, exact bool) {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '[':
			b.WriteByte('%')
			return b.String(), false
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), true
}

// PurgeExpired 删除过期行
func (r *CacheEntryRepository) PurgeExpired(ctx context.Context) (int64, error) {
	res := r.DB(ctx).Where("expires_at <= ?", r.now().UnixMilli()).Delete(&model.CacheEntry{})
	return res.RowsAffected, res.Error
}

// Stats 统计总数、过期数与累计命中
func (r *CacheEntryRepository) Stats(ctx context.Context) (*model.CacheEntryStats, error) {
	st := &model.CacheEntryStats{}
	db := r.DB(ctx).Model(&model.CacheEntry{})
	if err := db.Count(&st.Total).Error; err != nil {
		return nil, err
	}
	if err := r.DB(ctx).Model(&model.CacheEntry{}).
		Where("expires_at <= ?", r.now().UnixMilli()).
		Count(&st.Expired).Error; err != nil {
		return nil, err
	}
	if err := r.DB(ctx).Model(&model.CacheEntry{}).
		Select("COALESCE(SUM(hit_count), 0)").
		Scan(&st.Hits).Error; err != nil {
		return nil, err
	}
	return st, nil
}
