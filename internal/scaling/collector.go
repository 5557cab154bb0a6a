package scaling

import (
	"context"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/mem"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/rpc"
)

// RequestSource 网关累计计数
type RequestSource interface {
	Counters() rpc.Counters
}

// HitSource 缓存累计命中
type HitSource interface {
	HitMiss() (hits, misses int64)
}

// MemoryReader 读取内存使用率 [0,1]
type MemoryReader func(ctx context.Context) (float64, error)

// SystemMemory 系统内存使用率
func SystemMemory(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent / 100, nil
}

// runtimeMemory Go 堆占向系统申请内存的比例
func runtimeMemory() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys == 0 {
		return 0
	}
	return float64(ms.HeapInuse) / float64(ms.Sys)
}

// CollectorOption 选项
type CollectorOption func(*Collector)

// WithMemoryReader 替换内存读取
func WithMemoryReader(r MemoryReader) CollectorOption {
	return func(c *Collector) {
		c.memory = r
	}
}

// WithCollectorClock 注入时钟
func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *Collector) {
		c.now = now
	}
}

// Collector 由累计计数的增量计算速率
type Collector struct {
	requests RequestSource
	hits     HitSource
	memory   MemoryReader
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	lastAt   time.Time
	last     rpc.Counters
	lastHits int64
	lastMiss int64
	hitRate  float64
}

// NewCollector 创建采集器，requests 与 hits 可为 nil
func NewCollector(requests RequestSource, hits HitSource, logger *zap.Logger, opts ...CollectorOption) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		requests: requests,
		hits:     hits,
		memory:   SystemMemory,
		now:      time.Now,
		logger:   logger.Named("scaling_collector"),
		hitRate:  1,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastAt = c.now()
	if requests != nil {
		c.last = requests.Counters()
	}
	if hits != nil {
		c.lastHits, c.lastMiss = hits.HitMiss()
	}
	return c
}

// Collect 采集快照，单项失败时记录日志并使用兜底值
func (c *Collector) Collect(ctx context.Context) Snapshot {
	now := c.now()

	usage, err := c.memory(ctx)
	if err != nil {
		c.logger.Warn("read system memory failed, using runtime stats", zap.Error(err))
		usage = runtimeMemory()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{MemoryUsage: clamp01(usage), Timestamp: now}
	elapsed := now.Sub(c.lastAt).Seconds()

	if c.requests != nil {
		cur := c.requests.Counters()
		reqs := cur.Requests - c.last.Requests
		errs := cur.Errors - c.last.Errors
		if elapsed > 0 && reqs > 0 {
			s.RequestRate = float64(reqs) / elapsed
		}
		if reqs > 0 {
			s.ErrorRate = clamp01(float64(errs) / float64(reqs))
		}
		c.last = cur
	}

	if c.hits != nil {
		hits, misses := c.hits.HitMiss()
		dh, dm := hits-c.lastHits, misses-c.lastMiss
		// 没有读取时沿用上一次的命中率
		if total := dh + dm; total > 0 {
			c.hitRate = float64(dh) / float64(total)
		}
		c.lastHits, c.lastMiss = hits, misses
	}
	s.CacheHitRate = c.hitRate
	c.lastAt = now
	return s
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
