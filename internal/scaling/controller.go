package scaling

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/cache"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/metrics"
)

// Action 伸缩动作
type Action string

const (
	ActionNone      Action = "none"
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
)

// Thresholds 指标阈值
type Thresholds struct {
	MemoryHigh      float64
	MemoryLow       float64
	RequestRateHigh float64
	RequestRateLow  float64
	ErrorRateHigh   float64
	HitRateLow      float64
	HitRateHigh     float64
}

// Weights 评分权重
type Weights struct {
	UpRequestRate float64
	UpHitRate     float64
	UpErrorRate   float64
	UpMemory      float64

	DownMemory      float64
	DownRequestRate float64
	DownHitRate     float64
}

// DefaultWeights 默认权重
func DefaultWeights() Weights {
	return Weights{
		UpRequestRate:   0.3,
		UpHitRate:       0.3,
		UpErrorRate:     0.2,
		UpMemory:        0.2,
		DownMemory:      0.5,
		DownRequestRate: 0.3,
		DownHitRate:     0.2,
	}
}

// Config 伸缩配置
type Config struct {
	Interval         time.Duration
	Cooldown         time.Duration
	HistorySize      int
	UpThreshold      float64
	DownThreshold    float64
	UpFactor         float64
	DownFactor       float64
	UpAggressiveness float64
	MinKeys          int
	MaxKeysCeiling   int
	// StaleAfter 缩容时清理多久未访问的 COLD/FREEZE 条目
	StaleAfter time.Duration
	Thresholds Thresholds
	Weights    Weights
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.UpThreshold <= 0 {
		c.UpThreshold = 0.6
	}
	if c.DownThreshold <= 0 {
		c.DownThreshold = 0.6
	}
	if c.UpFactor <= 1 {
		c.UpFactor = 1.5
	}
	if c.DownFactor <= 0 || c.DownFactor >= 1 {
		c.DownFactor = 0.8
	}
	if c.UpAggressiveness <= 0 {
		c.UpAggressiveness = 2
	}
	if c.MinKeys <= 0 {
		c.MinKeys = 100
	}
	if c.MaxKeysCeiling <= 0 {
		c.MaxKeysCeiling = 500000
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
	t := &c.Thresholds
	if t.MemoryHigh <= 0 {
		t.MemoryHigh = 0.85
	}
	if t.MemoryLow <= 0 || t.MemoryLow >= t.MemoryHigh {
		t.MemoryLow = t.MemoryHigh * 0.6
	}
	if t.RequestRateHigh <= 0 {
		t.RequestRateHigh = 50
	}
	if t.RequestRateLow <= 0 || t.RequestRateLow >= t.RequestRateHigh {
		t.RequestRateLow = t.RequestRateHigh / 50
	}
	if t.ErrorRateHigh <= 0 {
		t.ErrorRateHigh = 0.1
	}
	if t.HitRateHigh <= 0 || t.HitRateHigh > 1 {
		t.HitRateHigh = 0.95
	}
	if t.HitRateLow <= 0 || t.HitRateLow >= t.HitRateHigh {
		t.HitRateLow = t.HitRateHigh / 2
	}
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
}

// Decision 一次评估结果
type Decision struct {
	Action     Action    `json:"action"`
	UpScore    float64   `json:"up_score"`
	DownScore  float64   `json:"down_score"`
	InCooldown bool      `json:"in_cooldown"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// SnapshotSource 快照来源
type SnapshotSource interface {
	Collect(ctx context.Context) Snapshot
}

// Capacity 可调整容量的缓存
type Capacity interface {
	Capacities() map[cache.Tier]cache.TierConfig
	SetCapacity(ctx context.Context, tier cache.Tier, maxKeys int) int
	PurgeStale(ctx context.Context, tiers []cache.Tier, idleFor time.Duration) int
}

// Warmer 预热强度
type Warmer interface {
	SetAggressiveness(f float64)
}

// ControllerOption 选项
type ControllerOption func(*Controller)

// WithClock 注入时钟
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.now = now
	}
}

// Controller 伸缩控制器
type Controller struct {
	cfg     Config
	source  SnapshotSource
	store   Capacity
	warmer  Warmer
	history *History
	now     func() time.Time
	logger  *zap.Logger

	mu           sync.Mutex
	lastActionAt time.Time
	lastDecision Decision
}

// NewController 创建控制器，warmer 可为 nil
func NewController(cfg Config, source SnapshotSource, store Capacity, warmer Warmer, logger *zap.Logger, opts ...ControllerOption) *Controller {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		cfg:     cfg,
		source:  source,
		store:   store,
		warmer:  warmer,
		history: NewHistory(cfg.HistorySize),
		now:     time.Now,
		logger:  logger.Named("scaling"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scores 计算扩容与缩容评分 [0,1]
func (c *Controller) Scores(s Snapshot) (up, down float64) {
	t, w := c.cfg.Thresholds, c.cfg.Weights

	reqHigh := clamp01(s.RequestRate / t.RequestRateHigh)
	reqLow := clamp01((t.RequestRateHigh - s.RequestRate) / (t.RequestRateHigh - t.RequestRateLow))
	hitLow := clamp01((t.HitRateHigh - s.CacheHitRate) / (t.HitRateHigh - t.HitRateLow))
	hitHigh := clamp01((s.CacheHitRate - t.HitRateLow) / (t.HitRateHigh - t.HitRateLow))
	errHigh := clamp01(s.ErrorRate / t.ErrorRateHigh)
	memPressure := clamp01((s.MemoryUsage - t.MemoryLow) / (t.MemoryHigh - t.MemoryLow))

	up = w.UpRequestRate*reqHigh + w.UpHitRate*hitLow + w.UpErrorRate*errHigh + w.UpMemory*(1-memPressure)
	down = w.DownMemory*memPressure + w.DownRequestRate*reqLow + w.DownHitRate*hitHigh
	return normalize(up, w.UpRequestRate+w.UpHitRate+w.UpErrorRate+w.UpMemory),
		normalize(down, w.DownMemory+w.DownRequestRate+w.DownHitRate)
}

func normalize(v, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return clamp01(v / total)
}

// Evaluate 根据快照决定动作，冷却期内不动作
func (c *Controller) Evaluate(s Snapshot) Decision {
	up, down := c.Scores(s)
	now := c.now()
	d := Decision{Action: ActionNone, UpScore: up, DownScore: down, At: now}

	c.mu.Lock()
	last := c.lastActionAt
	c.mu.Unlock()

	if !last.IsZero() && now.Sub(last) < c.cfg.Cooldown {
		d.InCooldown = true
		d.Reason = fmt.Sprintf("cooldown until %s", last.Add(c.cfg.Cooldown).Format(time.RFC3339))
		return d
	}

	switch {
	case up >= c.cfg.UpThreshold && up >= down:
		d.Action = ActionScaleUp
		d.Reason = fmt.Sprintf("up score %.2f >= %.2f", up, c.cfg.UpThreshold)
	case down >= c.cfg.DownThreshold:
		d.Action = ActionScaleDown
		d.Reason = fmt.Sprintf("down score %.2f >= %.2f", down, c.cfg.DownThreshold)
	default:
		d.Reason = "within thresholds"
	}
	return d
}

// Step 采集一次快照、评估并执行
func (c *Controller) Step(ctx context.Context) Decision {
	s := c.source.Collect(ctx)
	c.history.Add(s)

	d := c.Evaluate(s)
	if d.Action != ActionNone {
		c.apply(ctx, d)
		c.mu.Lock()
		c.lastActionAt = d.At
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.lastDecision = d
	c.mu.Unlock()

	action := ""
	if d.Action != ActionNone {
		action = string(d.Action)
	}
	metrics.RecordScaling(action, d.UpScore, d.DownScore)
	return d
}

func (c *Controller) apply(ctx context.Context, d Decision) {
	caps := c.store.Capacities()
	for _, tier := range cache.AllTiers {
		cur := caps[tier].MaxKeys
		var next int
		// 上下限只截断本次调整，不会让容量反向移动
		if d.Action == ActionScaleUp {
			next = min(max(cur, c.cfg.MaxKeysCeiling), int(math.Ceil(float64(cur)*c.cfg.UpFactor)))
		} else {
			next = max(min(cur, c.cfg.MinKeys), int(float64(cur)*c.cfg.DownFactor))
		}
		if next == cur {
			continue
		}
		evicted := c.store.SetCapacity(ctx, tier, next)
		c.logger.Info("tier capacity adjusted",
			zap.String("action", string(d.Action)),
			zap.String("tier", tier.String()),
			zap.Int("from", cur),
			zap.Int("to", next),
			zap.Int("evicted", evicted))
	}

	if d.Action == ActionScaleUp {
		if c.warmer != nil {
			c.warmer.SetAggressiveness(c.cfg.UpAggressiveness)
		}
		return
	}
	purged := c.store.PurgeStale(ctx, []cache.Tier{cache.TierCold, cache.TierFreeze}, c.cfg.StaleAfter)
	if c.warmer != nil {
		c.warmer.SetAggressiveness(1)
	}
	c.logger.Info("stale entries purged", zap.Int("purged", purged))
}

// Run 定时评估，ctx 取消后退出
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info("scaling controller started",
		zap.Duration("interval", c.cfg.Interval),
		zap.Duration("cooldown", c.cfg.Cooldown))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("scaling controller stopped")
			return
		case <-ticker.C:
			c.safeStep(ctx)
		}
	}
}

func (c *Controller) safeStep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("scaling step panic", zap.Any("panic", r))
		}
	}()
	d := c.Step(ctx)
	if d.Action != ActionNone {
		c.logger.Info("scaling action",
			zap.String("action", string(d.Action)),
			zap.Float64("up_score", d.UpScore),
			zap.Float64("down_score", d.DownScore))
	}
}

// History 快照历史
func (c *Controller) History() *History {
	return c.history
}

// Metrics 伸缩状态
type Metrics struct {
	Latest       *Snapshot `json:"latest,omitempty"`
	LastDecision Decision  `json:"last_decision"`
	LastActionAt time.Time `json:"last_action_at"`
	HistoryLen   int       `json:"history_len"`
}

// Metrics 当前伸缩状态
func (c *Controller) Metrics() Metrics {
	c.mu.Lock()
	m := Metrics{LastDecision: c.lastDecision, LastActionAt: c.lastActionAt}
	c.mu.Unlock()
	if s, ok := c.history.Latest(); ok {
		m.Latest = &s
	}
	m.HistoryLen = c.history.Len()
	return m
}
