package cache

import (
	"container/list"
	"math"
	"sort"
	"sync"
	"time"
)

// AccessRecord 单个键的访问统计
type AccessRecord struct {
	Key        string    `json:"key"`
	Hits       int64     `json:"hits"`
	Misses     int64     `json:"misses"`
	LastAccess time.Time `json:"last_access"`
	Tier       Tier      `json:"tier"`
}

// ScoredKey 带评分的键
type ScoredKey struct {
	Key    string
	Score  float64
	Record AccessRecord
}

// AccessTrackerConfig 访问统计配置
type AccessTrackerConfig struct {
	MaxRecords      int
	RecencyWeight   float64
	FrequencyWeight float64
	// RecencyHalfLife 距上次访问经过该时长，近度因子减半
	RecencyHalfLife time.Duration
	// FrequencyScale 命中数达到该值时频度因子约 0.63
	FrequencyScale float64
}

func (c *AccessTrackerConfig) setDefaults() {
	if c.MaxRecords <= 0 {
		c.MaxRecords = 100000
	}
	if c.RecencyWeight == 0 && c.FrequencyWeight == 0 {
		c.RecencyWeight = 0.6
		c.FrequencyWeight = 0.4
	}
	if c.RecencyHalfLife <= 0 {
		c.RecencyHalfLife = 10 * time.Minute
	}
	if c.FrequencyScale <= 0 {
		c.FrequencyScale = 20
	}
}

// AccessTracker 访问统计，只用于淘汰与预热决策
type AccessTracker struct {
	mu      sync.Mutex
	cfg     AccessTrackerConfig
	now     func() time.Time
	records map[string]*AccessRecord
	// order 按最近访问排序的键，队尾最旧
	order *list.List
	elems map[string]*list.Element
	// hourly[hour][key] 按小时聚合的命中数
	hourly [24]map[string]int64
}

// NewAccessTracker 创建访问统计
func NewAccessTracker(cfg AccessTrackerConfig, now func() time.Time) *AccessTracker {
	cfg.setDefaults()
	if now == nil {
		now = time.Now
	}
	t := &AccessTracker{
		cfg:     cfg,
		now:     now,
		records: make(map[string]*AccessRecord),
		order:   list.New(),
		elems:   make(map[string]*list.Element),
	}
	for i := range t.hourly {
		t.hourly[i] = make(map[string]int64)
	}
	return t
}

// RecordHit 记录命中
func (t *AccessTracker) RecordHit(key string, tier Tier) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	r := t.recordLocked(key, now)
	r.Hits++
	r.LastAccess = now
	r.Tier = tier

	bucket := t.hourly[now.Hour()]
	if _, ok := bucket[key]; ok || len(bucket) < t.cfg.MaxRecords {
		bucket[key]++
	}
}

// RecordMiss 记录未命中
func (t *AccessTracker) RecordMiss(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	r := t.recordLocked(key, now)
	r.Misses++
	r.LastAccess = now
}

// recordLocked 取出或新建记录并移到队首
func (t *AccessTracker) recordLocked(key string, now time.Time) *AccessRecord {
	if r, ok := t.records[key]; ok {
		t.order.MoveToFront(t.elems[key])
		return r
	}
	if len(t.records) >= t.cfg.MaxRecords {
		t.dropOldestLocked()
	}
	r := &AccessRecord{Key: key, LastAccess: now}
	t.records[key] = r
	t.elems[key] = t.order.PushFront(key)
	return r
}

func (t *AccessTracker) dropOldestLocked() {
	if el := t.order.Back(); el != nil {
		t.removeLocked(el.Value.(string))
	}
}

func (t *AccessTracker) removeLocked(key string) {
	if el, ok := t.elems[key]; ok {
		t.order.Remove(el)
		delete(t.elems, key)
	}
	delete(t.records, key)
}

// Record 获取访问记录
func (t *AccessTracker) Record(key string) (AccessRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key]
	if !ok {
		return AccessRecord{}, false
	}
	return *r, true
}

// LastAccess 最近访问时间
func (t *AccessTracker) LastAccess(key string) (time.Time, bool) {
	r, ok := t.Record(key)
	return r.LastAccess, ok
}

// Forget 删除访问记录
func (t *AccessTracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(key)
}

// Len 记录数量
func (t *AccessTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Score w_recency*recency + w_frequency*frequency
func (t *AccessTracker) Score(key string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key]
	if !ok {
		return 0
	}
	return t.scoreLocked(r, t.now())
}

// Recency 近度因子 (0,1]
func (t *AccessTracker) Recency(key string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key]
	if !ok {
		return 0
	}
	return t.recency(r, t.now())
}

func (t *AccessTracker) recency(r *AccessRecord, now time.Time) float64 {
	age := now.Sub(r.LastAccess)
	if age < 0 {
		age = 0
	}
	return math.Exp(-math.Ln2 * age.Seconds() / t.cfg.RecencyHalfLife.Seconds())
}

func (t *AccessTracker) scoreLocked(r *AccessRecord, now time.Time) float64 {
	frequency := 1 - math.Exp(-float64(r.Hits)/t.cfg.FrequencyScale)
	return t.cfg.RecencyWeight*t.recency(r, now) + t.cfg.FrequencyWeight*frequency
}

// Top 评分最高的 n 个键
func (t *AccessTracker) Top(n int) []ScoredKey {
	t.mu.Lock()
	now := t.now()
	out := make([]ScoredKey, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, ScoredKey{Key: r.Key, Score: t.scoreLocked(r, now), Record: *r})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Key < out[j].Key
		}
		return out[i].Score > out[j].Score
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// HotAtHour 该小时历史命中最多的 n 个键
func (t *AccessTracker) HotAtHour(hour, n int) []ScoredKey {
	if hour < 0 || hour > 23 {
		return nil
	}
	t.mu.Lock()
	bucket := t.hourly[hour]
	var peak int64
	out := make([]ScoredKey, 0, len(bucket))
	for key, hits := range bucket {
		if hits > peak {
			peak = hits
		}
		rec := AccessRecord{Key: key, Hits: hits}
		if r, ok := t.records[key]; ok {
			rec = *r
		}
		out = append(out, ScoredKey{Key: key, Score: float64(hits), Record: rec})
	}
	t.mu.Unlock()

	// 归一化到 [0,1]
	for i := range out {
		if peak > 0 {
			out[i].Score /= float64(peak)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Key < out[j].Key
		}
		return out[i].Score > out[j].Score
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Keys 所有被统计的键
func (t *AccessTracker) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.records))
	for k := range t.records {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
