// Package changedetect 数据集 top-N 快照哈希变化检测
package changedetect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/kafka"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/model"
)

// DefaultTopN 默认快照条目数
const DefaultTopN = 50

// Item 快照条目，如持仓地址与余额
type Item struct {
	ID    string          `json:"id"`
	Value decimal.Decimal `json:"value"`
}

// HashStore 哈希持久化
type HashStore interface {
	Get(ctx context.Context, hashType string) (*model.ChangeHash, error)
	Upsert(ctx context.Context, h *model.ChangeHash) error
}

// Invalidator 缓存失效
type Invalidator interface {
	Invalidate(ctx context.Context, keyOrPattern string) (int, error)
}

// Fetcher 拉取数据集当前快照
type Fetcher func(ctx context.Context) ([]Item, error)

// Result 检测结果
type Result struct {
	HashType    string `json:"hash_type"`
	Changed     bool   `json:"changed"`
	Hash        string `json:"hash"`
	Previous    string `json:"previous,omitempty"`
	ItemCount   int    `json:"item_count"`
	Invalidated int    `json:"invalidated"`
}

// Option 检测器选项
type Option func(*Detector)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// Detector 变化检测器
type Detector struct {
	store       HashStore
	invalidator Invalidator
	publisher   kafka.EventPublisher
	topN        int
	logger      *zap.Logger
	now         func() time.Time

	mu   sync.RWMutex
	deps map[string][]string
}

// NewDetector 创建检测器，publisher 为 nil 时不发布事件
func NewDetector(store HashStore, invalidator Invalidator, publisher kafka.EventPublisher, topN int, logger *zap.Logger, opts ...Option) *Detector {
	if topN <= 0 {
		topN = DefaultTopN
	}
	if publisher == nil {
		publisher = kafka.NoopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		store:       store,
		invalidator: invalidator,
		publisher:   publisher,
		topN:        topN,
		logger:      logger.Named("change_detector"),
		now:         time.Now,
		deps:        make(map[string][]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Canonicalize 按值降序、ID 升序排序并截断到 topN，不修改入参
func Canonicalize(items []Item, topN int) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Value.Cmp(out[j].Value); c != 0 {
			return c > 0
		}
		return out[i].ID < out[j].ID
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// Hash 计算规范化快照的 SHA-256
func Hash(items []Item, topN int) (string, error) {
	canonical := Canonicalize(items, topN)
	rows := make([][2]string, len(canonical))
	for i, it := range canonical {
		rows[i] = [2]string{it.ID, it.Value.String()}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Depend 登记数据集变化时需要失效的缓存模式
func (d *Detector) Depend(hashType string, patterns ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deps[hashType] = append(d.deps[hashType], patterns...)
}

// Dependents 返回数据集登记的失效模式
func (d *Detector) Dependents(hashType string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.deps[hashType]...)
}

// Check 比较快照哈希，变化时更新存储
func (d *Detector) Check(ctx context.Context, hashType string, items []Item) (*Result, error) {
	hash, err := Hash(items, d.topN)
	if err != nil {
		return nil, err
	}
	count := len(items)
	if count > d.topN {
		count = d.topN
	}

	prev, err := d.store.Get(ctx, hashType)
	if err != nil {
		return nil, fmt.Errorf("load hash %s: %w", hashType, err)
	}

	res := &Result{HashType: hashType, Hash: hash, ItemCount: count}
	if prev != nil {
		res.Previous = prev.CurrentHash
		if prev.CurrentHash == hash {
			metrics.RecordChangeCheck(hashType, false)
			return res, nil
		}
	}

	res.Changed = true
	if err := d.store.Upsert(ctx, &model.ChangeHash{
		HashType:    hashType,
		CurrentHash: hash,
		ItemCount:   count,
		LastUpdated: d.now().UnixMilli(),
	}); err != nil {
		return nil, fmt.Errorf("store hash %s: %w", hashType, err)
	}
	metrics.RecordChangeCheck(hashType, true)
	return res, nil
}

// Refresh 拉取快照并检测，变化时失效依赖缓存并发布事件
func (d *Detector) Refresh(ctx context.Context, hashType string, fetch Fetcher) (*Result, error) {
	items, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", hashType, err)
	}
	res, err := d.Check(ctx, hashType, items)
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		d.logger.Debug("dataset unchanged", zap.String("hash_type", hashType))
		return res, nil
	}

	patterns := d.Dependents(hashType)
	for _, p := range patterns {
		n, err := d.invalidator.Invalidate(ctx, p)
		if err != nil {
			d.logger.Warn("invalidate dependent cache failed",
				zap.String("hash_type", hashType),
				zap.String("pattern", p),
				zap.Error(err))
		}
		res.Invalidated += n
	}

	event := &model.DatasetChangedEvent{
		HashType:     hashType,
		Hash:         res.Hash,
		PreviousHash: res.Previous,
		ItemCount:    res.ItemCount,
		Patterns:     patterns,
		Invalidated:  res.Invalidated,
		DetectedAt:   d.now().UnixMilli(),
	}
	if err := d.publisher.PublishDatasetChanged(ctx, event); err != nil {
		d.logger.Warn("publish dataset changed failed", zap.String("hash_type", hashType), zap.Error(err))
	}

	d.logger.Info("dataset changed",
		zap.String("hash_type", hashType),
		zap.String("hash", res.Hash),
		zap.Int("invalidated", res.Invalidated))
	return res, nil
}
