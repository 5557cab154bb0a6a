package warming

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/cache"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/metrics"
)

// Store 预热使用的分层缓存能力
type Store interface {
	Has(key string) (cache.Tier, bool)
	Get(ctx context.Context, key string) ([]byte, error)
	Promote(ctx context.Context, key string, from, to cache.Tier) error
	Tracker() *cache.AccessTracker
}

// Loader 回源并写入指定层
type Loader interface {
	Warm(ctx context.Context, key string, tier cache.Tier) error
}

// Config 预热配置
type Config struct {
	ProcessSpec   string
	DeriveSpec    string
	PredictSpec   string
	BatchSize     int
	TopN          int
	MinConfidence float64
	// Timeout 单次任务超时
	Timeout time.Duration
}

func (c *Config) setDefaults() {
	if c.ProcessSpec == "" {
		c.ProcessSpec = "@every 2m"
	}
	if c.DeriveSpec == "" {
		c.DeriveSpec = "@every 15m"
	}
	if c.PredictSpec == "" {
		c.PredictSpec = "@every 1h"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.TopN <= 0 {
		c.TopN = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
}

// Result 单轮处理结果
type Result struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Promoted  int `json:"promoted"`
	Loaded    int `json:"loaded"`
	Failed    int `json:"failed"`
}

// Option 选项
type Option func(*Engine)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine 预热引擎
type Engine struct {
	cfg    Config
	store  Store
	loader Loader
	scorer Scorer
	queue  *Queue
	cron   *cron.Cron
	now    func() time.Time
	logger *zap.Logger

	mu             sync.Mutex
	aggressiveness float64
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewEngine 创建预热引擎，scorer 为 nil 时使用 RuleScorer
func NewEngine(cfg Config, store Store, loader Loader, scorer Scorer, logger *zap.Logger, opts ...Option) *Engine {
	cfg.setDefaults()
	if scorer == nil {
		scorer = RuleScorer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:            cfg,
		store:          store,
		loader:         loader,
		scorer:         scorer,
		queue:          NewQueue(),
		cron:           cron.New(cron.WithSeconds()),
		now:            time.Now,
		logger:         logger.Named("warming"),
		aggressiveness: 1,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start 注册定时任务并启动
func (e *Engine) Start() error {
	jobs := []struct {
		name string
		spec string
		fn   func(ctx context.Context)
	}{
		{"process", e.cfg.ProcessSpec, func(ctx context.Context) { e.Process(ctx) }},
		{"derive", e.cfg.DeriveSpec, func(context.Context) { e.DeriveCandidates() }},
		{"predict", e.cfg.PredictSpec, func(context.Context) { e.Predict() }},
	}
	for _, j := range jobs {
		if _, err := e.cron.AddFunc(j.spec, func() { e.runJob(j.name, j.fn) }); err != nil {
			return fmt.Errorf("warming: add %s job: %w", j.name, err)
		}
	}
	e.cron.Start()
	e.logger.Info("warming engine started",
		zap.String("process", e.cfg.ProcessSpec),
		zap.String("derive", e.cfg.DeriveSpec),
		zap.String("predict", e.cfg.PredictSpec))
	return nil
}

// Stop 停止定时任务并等待运行中的任务结束
func (e *Engine) Stop() {
	e.cancel()
	<-e.cron.Stop().Done()
	e.logger.Info("warming engine stopped")
}

func (e *Engine) runJob(name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("warming job panic", zap.String("job", name), zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Timeout)
	defer cancel()
	fn(ctx)
}

// SetAggressiveness 调整每轮处理量的倍数
func (e *Engine) SetAggressiveness(f float64) {
	if f <= 0 || math.IsNaN(f) {
		f = 1
	}
	e.mu.Lock()
	e.aggressiveness = math.Min(f, 10)
	e.mu.Unlock()
}

// Aggressiveness 当前倍数
func (e *Engine) Aggressiveness() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aggressiveness
}

// QueueSize 队列长度
func (e *Engine) QueueSize() int {
	return e.queue.Len()
}

// Enqueue 加入候选
func (e *Engine) Enqueue(c Candidate) {
	if c.Key == "" {
		return
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = e.now()
	}
	e.queue.Push(c)
	metrics.WarmingQueueSize.Set(float64(e.queue.Len()))
}

// Process 处理一批候选
func (e *Engine) Process(ctx context.Context) Result {
	n := int(math.Ceil(float64(e.cfg.BatchSize) * e.Aggressiveness()))
	batch := e.queue.Drain(n)
	defer metrics.WarmingQueueSize.Set(float64(e.queue.Len()))

	var res Result
	for _, c := range batch {
		if ctx.Err() != nil {
			// 未处理的放回队列
			e.queue.Push(c)
			continue
		}
		res.Processed++
		outcome := e.processOne(ctx, c)
		switch outcome {
		case "skipped":
			res.Skipped++
		case "promoted":
			res.Promoted++
		case "loaded":
			res.Loaded++
		default:
			res.Failed++
		}
		metrics.RecordWarming(string(c.Strategy), outcome)
	}

	if res.Processed > 0 {
		e.logger.Debug("warming batch processed",
			zap.Int("processed", res.Processed),
			zap.Int("promoted", res.Promoted),
			zap.Int("loaded", res.Loaded),
			zap.Int("failed", res.Failed))
	}
	return res
}

func (e *Engine) processOne(ctx context.Context, c Candidate) string {
	tier, present := e.store.Has(c.Key)
	if present && tier.HotterOrEqual(c.Tier) {
		return "skipped"
	}
	if present {
		err := e.store.Promote(ctx, c.Key, tier, c.Tier)
		if err == nil {
			return "promoted"
		}
		if !errors.Is(err, cache.ErrNotInTier) {
			e.logger.Warn("promote failed", zap.String("key", c.Key), zap.Error(err))
			return "failed"
		}
	}
	if e.loader == nil {
		return "failed"
	}
	if err := e.loader.Warm(ctx, c.Key, c.Tier); err != nil {
		e.logger.Debug("warm load failed", zap.String("key", c.Key), zap.Error(err))
		return "failed"
	}
	return "loaded"
}

// DeriveCandidates 从访问统计与当前小时的访问模式生成候选
func (e *Engine) DeriveCandidates() int {
	tracker := e.store.Tracker()
	if tracker == nil {
		return 0
	}
	now := e.now()
	n := 0
	for _, sk := range tracker.Top(e.cfg.TopN) {
		if e.offer(sk.Key, StrategyAccess, sk.Score, now) {
			n++
		}
	}
	for _, sk := range tracker.HotAtHour(now.Hour(), e.cfg.TopN) {
		// 历史模式只作参考，置信度打折
		if e.offer(sk.Key, StrategyPattern, sk.Score*0.9, now) {
			n++
		}
	}
	return n
}

// Predict 对所有被统计的键做预测评分
func (e *Engine) Predict() int {
	tracker := e.store.Tracker()
	if tracker == nil {
		return 0
	}
	now := e.now()
	n := 0
	for _, key := range tracker.Keys() {
		rec, ok := tracker.Record(key)
		if !ok {
			continue
		}
		score := e.scorer.Predict(BuildFeatures(rec, tracker.Recency(key), now))
		if e.offer(key, StrategyPredictive, score, now) {
			n++
		}
	}
	return n
}

func (e *Engine) offer(key string, strategy Strategy, confidence float64, now time.Time) bool {
	if confidence < e.cfg.MinConfidence {
		return false
	}
	e.Enqueue(NewCandidate(key, strategy, confidence, now))
	return true
}

// GetOrWarm 读取缓存，未命中时回源写入 WARM 层后再读
func (e *Engine) GetOrWarm(ctx context.Context, key string) ([]byte, error) {
	payload, err := e.store.Get(ctx, key)
	if err == nil {
		return payload, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		return nil, err
	}
	if e.loader == nil {
		return nil, err
	}
	if err := e.loader.Warm(ctx, key, cache.TierWarm); err != nil {
		return nil, err
	}
	metrics.RecordWarming(string(StrategyManual), "loaded")
	return e.store.Get(ctx, key)
}
