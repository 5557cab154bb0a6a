package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/model"
)

// StoreConfig 分层缓存配置
type StoreConfig struct {
	Tiers map[Tier]TierConfig
	// DurableTTLMultiplier 持久层 TTL 为层 TTL 的倍数
	DurableTTLMultiplier int
}

// TierStore 分层缓存
//
// 索引保证一个键同时只在一个层中，payload 存放在 FastStore，
// 每次层写入同时写持久层；过期条目即使没有被清理也视为未命中。
type TierStore struct {
	mu     sync.Mutex
	tiers  map[Tier]TierConfig
	index  map[string]*entry
	counts map[Tier]int
	// lru 每层按最近访问排序，队首最新
	lru map[Tier]*list.List

	hits        map[Tier]int64
	evictions   map[Tier]int64
	misses      int64
	durableHits int64

	fast       FastStore
	durable    DurableStore
	tracker    *AccessTracker
	bus        Broadcaster
	multiplier int
	now        func() time.Time
	logger     *zap.Logger
}

// StoreOption 选项
type StoreOption func(*TierStore)

// WithClock 注入时钟
func WithClock(now func() time.Time) StoreOption {
	return func(s *TierStore) {
		s.now = now
	}
}

// WithBroadcaster 跨实例失效广播
func WithBroadcaster(b Broadcaster) StoreOption {
	return func(s *TierStore) {
		s.bus = b
	}
}

// NewTierStore 创建分层缓存，durable 与 tracker 可为 nil
func NewTierStore(cfg StoreConfig, fast FastStore, durable DurableStore, tracker *AccessTracker, logger *zap.Logger, opts ...StoreOption) *TierStore {
	tiers := DefaultTierConfigs()
	for t, tc := range cfg.Tiers {
		if !t.Valid() {
			continue
		}
		def := tiers[t]
		if tc.TTL > 0 {
			def.TTL = tc.TTL
		}
		if tc.MaxKeys > 0 {
			def.MaxKeys = tc.MaxKeys
		}
		tiers[t] = def
	}
	if cfg.DurableTTLMultiplier <= 0 {
		cfg.DurableTTLMultiplier = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &TierStore{
		tiers:      tiers,
		index:      make(map[string]*entry),
		counts:     make(map[Tier]int),
		lru:        make(map[Tier]*list.List, len(AllTiers)),
		hits:       make(map[Tier]int64),
		evictions:  make(map[Tier]int64),
		fast:       fast,
		durable:    durable,
		tracker:    tracker,
		multiplier: cfg.DurableTTLMultiplier,
		now:        time.Now,
		logger:     logger.Named("tier_store"),
	}
	for _, t := range AllTiers {
		s.lru[t] = list.New()
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fast == nil {
		s.fast = NewMemoryFastStore(s.now)
	}
	return s
}

// SetBroadcaster 设置失效广播
func (s *TierStore) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = b
}

// Tracker 访问统计
func (s *TierStore) Tracker() *AccessTracker {
	return s.tracker
}

// Get 由热到冷查找，快速层都未命中时回落到持久层并回填
func (s *TierStore) Get(ctx context.Context, key string) ([]byte, error) {
	now := s.now()

	s.mu.Lock()
	e, ok := s.index[key]
	var tier Tier
	if ok {
		tier = e.tier
	}
	expired := ok && e.expired(now)
	if expired {
		s.removeLocked(key)
		ok = false
	}
	s.mu.Unlock()

	if expired {
		s.deleteFast(ctx, tier, []string{key})
	}
	if ok {
		payload, err := s.fast.Get(ctx, tier, key)
		if err == nil {
			s.onHit(key, tier, now)
			return payload, nil
		}
		if !errors.Is(err, errFastMiss) {
			s.logStoreError("get", key, err)
		}
		// 索引与快速层不一致，以快速层为准
		s.mu.Lock()
		if cur, exists := s.index[key]; exists && cur == e {
			s.removeLocked(key)
		}
		s.mu.Unlock()
	}

	if s.durable != nil {
		row, err := s.durable.Get(ctx, key)
		if err != nil {
			metrics.RecordStoreError("durable", "get")
			s.logger.Warn("durable get failed", zap.String("key", key), zap.Error(err))
		} else if row != nil {
			healTier, perr := ParseTier(row.Tier)
			if perr != nil {
				healTier = TierCold
			}
			if err := s.place(ctx, key, row.Payload, healTier, false); err != nil {
				s.logger.Warn("self-heal failed", zap.String("key", key), zap.Error(err))
			}
			s.mu.Lock()
			s.durableHits++
			s.mu.Unlock()
			if s.tracker != nil {
				s.tracker.RecordHit(key, healTier)
			}
			metrics.RecordCacheRequest("durable", true)
			return row.Payload, nil
		}
	}

	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
	if s.tracker != nil {
		s.tracker.RecordMiss(key)
	}
	metrics.RecordCacheRequest("all", false)
	return nil, ErrCacheMiss
}

// GetAt 只查指定层，不回落持久层
func (s *TierStore) GetAt(ctx context.Context, key string, tier Tier) ([]byte, error) {
	now := s.now()

	s.mu.Lock()
	e, ok := s.index[key]
	live := ok && e.tier == tier && !e.expired(now)
	s.mu.Unlock()

	if !live {
		metrics.RecordCacheRequest(tier.String(), false)
		return nil, ErrCacheMiss
	}
	payload, err := s.fast.Get(ctx, tier, key)
	if err != nil {
		if !errors.Is(err, errFastMiss) {
			s.logStoreError("get", key, err)
		}
		metrics.RecordCacheRequest(tier.String(), false)
		return nil, ErrCacheMiss
	}
	s.onHit(key, tier, now)
	return payload, nil
}

// Has 键当前所在层
func (s *TierStore) Has(key string) (Tier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[key]
	if !ok || e.expired(s.now()) {
		return 0, false
	}
	return e.tier, true
}

func (s *TierStore) onHit(key string, tier Tier, now time.Time) {
	s.mu.Lock()
	if e, ok := s.index[key]; ok && e.tier == tier {
		e.accessedAt = now
		e.hitCount++
		s.lru[tier].MoveToFront(e.elem)
	}
	s.hits[tier]++
	s.mu.Unlock()

	if s.tracker != nil {
		s.tracker.RecordHit(key, tier)
	}
	metrics.RecordCacheRequest(tier.String(), true)
}

// Set 写入指定层，同时写持久层
func (s *TierStore) Set(ctx context.Context, key string, payload []byte, tier Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("cache: invalid tier %d", tier)
	}
	return s.place(ctx, key, payload, tier, true)
}

// place 写入快速层并执行容量淘汰，writeDurable 为 false 时用于回填
func (s *TierStore) place(ctx context.Context, key string, payload []byte, tier Tier, writeDurable bool) error {
	now := s.now()

	s.mu.Lock()
	ttl := s.tiers[tier].TTL
	ne := &entry{tier: tier, createdAt: now, expiresAt: now.Add(ttl), accessedAt: now}
	oldTier, moved := Tier(0), false
	if old, ok := s.index[key]; ok {
		ne.createdAt = old.createdAt
		ne.hitCount = old.hitCount
		if old.tier != tier {
			oldTier, moved = old.tier, true
		}
		s.counts[old.tier]--
		s.lru[old.tier].Remove(old.elem)
	}
	ne.elem = s.lru[tier].PushFront(key)
	s.index[key] = ne
	s.counts[tier]++
	victims := s.evictLocked(tier, key, s.tiers[tier].MaxKeys)
	s.mu.Unlock()

	var errs []error
	if err := s.fast.Set(ctx, tier, key, payload, ttl); err != nil {
		s.logStoreError("set", key, err)
		errs = append(errs, err)
	}
	if moved {
		if err := s.fast.Delete(ctx, oldTier, key); err != nil {
			s.logStoreError("delete", key, err)
		}
	}
	s.deleteFast(ctx, tier, victims)

	if writeDurable && s.durable != nil {
		if err := s.durable.Set(ctx, key, payload, tier.String(), ttl*time.Duration(s.multiplier)); err != nil {
			metrics.RecordStoreError("durable", "set")
			s.logger.Warn("durable set failed", zap.String("key", key), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// evictLocked 超出容量时从队尾淘汰最久未访问的键，返回被淘汰的键
func (s *TierStore) evictLocked(tier Tier, keep string, maxKeys int) []string {
	excess := s.counts[tier] - maxKeys
	if maxKeys <= 0 || excess <= 0 {
		return nil
	}

	victims := make([]string, 0, excess)
	for el := s.lru[tier].Back(); el != nil && len(victims) < excess; {
		prev := el.Prev()
		if k := el.Value.(string); k != keep {
			s.removeLocked(k)
			victims = append(victims, k)
		}
		el = prev
	}
	s.evictions[tier] += int64(len(victims))
	metrics.CacheEvictionsTotal.WithLabelValues(tier.String()).Add(float64(len(victims)))
	return victims
}

// lastAccess 访问记录与条目访问时间取较晚者
func (s *TierStore) lastAccess(key string, e *entry) time.Time {
	accessed := e.accessedAt
	if s.tracker != nil {
		if t, ok := s.tracker.LastAccess(key); ok && t.After(accessed) {
			accessed = t
		}
	}
	return accessed
}

func (s *TierStore) removeLocked(key string) {
	if e, ok := s.index[key]; ok {
		s.counts[e.tier]--
		s.lru[e.tier].Remove(e.elem)
		delete(s.index, key)
	}
}

func (s *TierStore) deleteFast(ctx context.Context, tier Tier, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := s.fast.Delete(ctx, tier, keys...); err != nil {
		s.logStoreError("delete", keys[0], err)
	}
}

func (s *TierStore) logStoreError(op, key string, err error) {
	metrics.RecordStoreError(s.fast.Name(), op)
	s.logger.Warn("fast store error",
		zap.String("store", s.fast.Name()),
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
}

// Promote 在层之间移动条目 (也用于降级)
func (s *TierStore) Promote(ctx context.Context, key string, from, to Tier) error {
	if !to.Valid() {
		return fmt.Errorf("cache: invalid tier %d", to)
	}
	s.mu.Lock()
	e, ok := s.index[key]
	live := ok && e.tier == from && !e.expired(s.now())
	s.mu.Unlock()
	if !live {
		return ErrNotInTier
	}
	if from == to {
		return nil
	}

	payload, err := s.fast.Get(ctx, from, key)
	if err != nil {
		if !errors.Is(err, errFastMiss) {
			s.logStoreError("get", key, err)
		}
		return ErrNotInTier
	}
	return s.place(ctx, key, payload, to, true)
}

// Invalidate 删除键或匹配模式的所有键 (快速层、持久层)，可重复调用
func (s *TierStore) Invalidate(ctx context.Context, keyOrPattern string) (int, error) {
	n := s.invalidateLocal(ctx, keyOrPattern)

	var errs []error
	if s.durable != nil {
		var err error
		if IsPattern(keyOrPattern) {
			_, err = s.durable.Clear(ctx, keyOrPattern)
		} else {
			err = s.durable.Delete(ctx, keyOrPattern)
		}
		if err != nil {
			metrics.RecordStoreError("durable", "delete")
			errs = append(errs, fmt.Errorf("durable invalidate: %w", err))
		}
	}

	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus != nil {
		if err := bus.PublishInvalidation(ctx, keyOrPattern); err != nil {
			s.logger.Warn("publish invalidation failed", zap.String("pattern", keyOrPattern), zap.Error(err))
		}
	}

	metrics.CacheInvalidationsTotal.WithLabelValues("local").Add(float64(n))
	s.logger.Debug("cache invalidated", zap.String("pattern", keyOrPattern), zap.Int("keys", n))
	return n, errors.Join(errs...)
}

// ApplyRemoteInvalidation 处理其他实例广播的失效，只清本地快速层
func (s *TierStore) ApplyRemoteInvalidation(ctx context.Context, keyOrPattern string) int {
	n := s.invalidateLocal(ctx, keyOrPattern)
	metrics.CacheInvalidationsTotal.WithLabelValues("remote").Add(float64(n))
	return n
}

func (s *TierStore) invalidateLocal(ctx context.Context, keyOrPattern string) int {
	byTier := make(map[Tier][]string)

	s.mu.Lock()
	if IsPattern(keyOrPattern) {
		for k, e := range s.index {
			if MatchPattern(keyOrPattern, k) {
				byTier[e.tier] = append(byTier[e.tier], k)
			}
		}
	} else if e, ok := s.index[keyOrPattern]; ok {
		byTier[e.tier] = []string{keyOrPattern}
	}
	n := 0
	for _, keys := range byTier {
		for _, k := range keys {
			s.removeLocked(k)
			n++
		}
	}
	s.mu.Unlock()

	if IsPattern(keyOrPattern) {
		for tier, keys := range byTier {
			s.deleteFast(ctx, tier, keys)
		}
		if pd, ok := s.fast.(PatternDeleter); ok {
			if _, err := pd.DeletePattern(ctx, keyOrPattern); err != nil {
				s.logStoreError("delete_pattern", keyOrPattern, err)
			}
		}
	} else {
		// 其他实例写入的键不在本地索引中，所有层都删除
		for _, tier := range AllTiers {
			if err := s.fast.Delete(ctx, tier, keyOrPattern); err != nil {
				s.logStoreError("delete", keyOrPattern, err)
			}
		}
	}
	return n
}

// TierForTTL 满足 ttl 的最热层
func (s *TierStore) TierForTTL(ttl time.Duration) Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range AllTiers {
		if s.tiers[t].TTL >= ttl {
			return t
		}
	}
	return TierFreeze
}

// Capacities 当前各层配置
func (s *TierStore) Capacities() map[Tier]TierConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Tier]TierConfig, len(s.tiers))
	for t, c := range s.tiers {
		out[t] = c
	}
	return out
}

// SetCapacity 调整层容量，缩容时立即淘汰
func (s *TierStore) SetCapacity(ctx context.Context, tier Tier, maxKeys int) int {
	if !tier.Valid() || maxKeys <= 0 {
		return 0
	}
	s.mu.Lock()
	cfg := s.tiers[tier]
	cfg.MaxKeys = maxKeys
	s.tiers[tier] = cfg
	victims := s.evictLocked(tier, "", maxKeys)
	s.mu.Unlock()

	s.deleteFast(ctx, tier, victims)
	metrics.CacheCapacity.WithLabelValues(tier.String()).Set(float64(maxKeys))
	return len(victims)
}

// SetTTL 调整层 TTL，只影响之后的写入
func (s *TierStore) SetTTL(tier Tier, ttl time.Duration) {
	if !tier.Valid() || ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.tiers[tier]
	cfg.TTL = ttl
	s.tiers[tier] = cfg
}

// PurgeExpired 清理已过期的索引条目
func (s *TierStore) PurgeExpired(ctx context.Context) int {
	now := s.now()
	byTier := make(map[Tier][]string)

	s.mu.Lock()
	for k, e := range s.index {
		if e.expired(now) {
			byTier[e.tier] = append(byTier[e.tier], k)
		}
	}
	n := 0
	for _, keys := range byTier {
		for _, k := range keys {
			s.removeLocked(k)
			n++
		}
	}
	s.mu.Unlock()

	for tier, keys := range byTier {
		s.deleteFast(ctx, tier, keys)
	}
	return n
}

// PurgeStale 清理指定层中 idleFor 内未被访问的条目，持久层保留
func (s *TierStore) PurgeStale(ctx context.Context, tiers []Tier, idleFor time.Duration) int {
	cutoff := s.now().Add(-idleFor)
	wanted := make(map[Tier]bool, len(tiers))
	for _, t := range tiers {
		wanted[t] = true
	}
	byTier := make(map[Tier][]string)

	s.mu.Lock()
	for k, e := range s.index {
		if wanted[e.tier] && s.lastAccess(k, e).Before(cutoff) {
			byTier[e.tier] = append(byTier[e.tier], k)
		}
	}
	n := 0
	for _, keys := range byTier {
		for _, k := range keys {
			s.removeLocked(k)
			n++
		}
	}
	s.mu.Unlock()

	for tier, keys := range byTier {
		s.deleteFast(ctx, tier, keys)
	}
	return n
}

// Run 定期清理过期条目
func (s *TierStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(ctx)
		}
	}
}

func (s *TierStore) cleanup(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cache cleanup panic", zap.Any("panic", r))
		}
	}()

	n := s.PurgeExpired(ctx)
	swept := 0
	if sw, ok := s.fast.(FastSweeper); ok {
		swept = sw.Sweep(ctx)
	}
	var purged int64
	if p, ok := s.durable.(DurablePurger); ok {
		var err error
		if purged, err = p.PurgeExpired(ctx); err != nil {
			s.logger.Warn("durable purge failed", zap.Error(err))
		}
	}
	for _, st := range s.tierStats() {
		metrics.UpdateTierSize(st.Tier, st.Keys, st.MaxKeys)
	}
	if n > 0 || swept > 0 || purged > 0 {
		s.logger.Debug("cache cleanup",
			zap.Int("expired", n),
			zap.Int("swept", swept),
			zap.Int64("durable_purged", purged))
	}
}

// TierStats 层统计
type TierStats struct {
	Tier      string `json:"tier"`
	Keys      int    `json:"keys"`
	MaxKeys   int    `json:"max_keys"`
	TTL       string `json:"ttl"`
	Hits      int64  `json:"hits"`
	Evictions int64  `json:"evictions"`
}

// StoreStats 分层缓存统计
type StoreStats struct {
	Tiers       []TierStats            `json:"tiers"`
	Hits        int64                  `json:"hits"`
	DurableHits int64                  `json:"durable_hits"`
	Misses      int64                  `json:"misses"`
	HitRate     float64                `json:"hit_rate"`
	Durable     *model.CacheEntryStats `json:"durable,omitempty"`
}

func (s *TierStore) tierStats() []TierStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TierStats, 0, len(AllTiers))
	for _, t := range AllTiers {
		out = append(out, TierStats{
			Tier:      t.String(),
			Keys:      s.counts[t],
			MaxKeys:   s.tiers[t].MaxKeys,
			TTL:       s.tiers[t].TTL.String(),
			Hits:      s.hits[t],
			Evictions: s.evictions[t],
		})
	}
	return out
}

// HitMiss 累计命中与未命中 (命中含持久层回落)
func (s *TierStore) HitMiss() (hits, misses int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.hits {
		hits += h
	}
	return hits + s.durableHits, s.misses
}

// Stats 统计信息，持久层统计失败时返回已有部分和错误
func (s *TierStore) Stats(ctx context.Context) (*StoreStats, error) {
	st := &StoreStats{Tiers: s.tierStats()}
	s.mu.Lock()
	for _, h := range s.hits {
		st.Hits += h
	}
	st.DurableHits = s.durableHits
	st.Misses = s.misses
	s.mu.Unlock()

	if total := st.Hits + st.DurableHits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits+st.DurableHits) / float64(total)
	}

	if s.durable == nil {
		return st, nil
	}
	ds, err := s.durable.Stats(ctx)
	if err != nil {
		return st, fmt.Errorf("durable stats: %w", err)
	}
	st.Durable = ds
	return st, nil
}
