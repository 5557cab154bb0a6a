package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/cache"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-tracker/pkg/logger"
)

// ResponseCache 网关读写的缓存
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, payload []byte, tier cache.Tier) error
	TierForTTL(ttl time.Duration) cache.Tier
}

// GatewayConfig 网关配置
type GatewayConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Timeout     time.Duration
	DefaultTier cache.Tier
	// MaxTrackedCalls 记住的缓存键上限，超出时丢弃最久未用的
	MaxTrackedCalls int
}

func (c *GatewayConfig) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxTrackedCalls <= 0 {
		c.MaxTrackedCalls = 100000
	}
}

// CallOptions 单次调用选项
type CallOptions struct {
	// CacheKey 为空时不读写缓存
	CacheKey string
	// Tier 写入层，优先于 TTL
	Tier *cache.Tier
	// TTL 期望的缓存时长，映射到最接近的层
	TTL        time.Duration
	MaxRetries int
	Timeout    time.Duration
}

// callSpec 缓存键对应的上游调用，供预热重放
type callSpec struct {
	Method string
	Params []any
}

// Counters 网关累计计数
type Counters struct {
	Requests     int64 `json:"requests"`
	Errors       int64 `json:"errors"`
	CacheHits    int64 `json:"cache_hits"`
	Calls        int64 `json:"calls"`
	TrackedCalls int   `json:"tracked_calls"`
}

// GatewayOption 网关选项
type GatewayOption func(*Gateway)

// WithSleep 注入退避等待函数，测试使用
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) GatewayOption {
	return func(g *Gateway) {
		g.sleep = sleep
	}
}

// Gateway RPC 网关：缓存 -> 选端点 -> 限流 -> 调用 -> 重试
type Gateway struct {
	pool      *Pool
	transport Transport
	cache     ResponseCache
	cfg       GatewayConfig
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	calls *lru.Cache[string, callSpec]

	requests  atomic.Int64
	errs      atomic.Int64
	cacheHits atomic.Int64
	total     atomic.Int64
}

// NewGateway 创建网关，responseCache 可为 nil
func NewGateway(pool *Pool, transport Transport, responseCache ResponseCache, cfg GatewayConfig, logger *zap.Logger, opts ...GatewayOption) *Gateway {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	calls, _ := lru.New[string, callSpec](cfg.MaxTrackedCalls)
	g := &Gateway{
		pool:      pool,
		transport: transport,
		cache:     responseCache,
		cfg:       cfg,
		logger:    logger.Named("gateway"),
		sleep:     sleepContext,
		calls:     calls,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Pool 端点池
func (g *Gateway) Pool() *Pool {
	return g.pool
}

// Call 调用上游，命中缓存时不发起网络请求
func (g *Gateway) Call(ctx context.Context, method string, params []any, opts CallOptions) (json.RawMessage, error) {
	g.total.Add(1)

	if opts.CacheKey != "" && g.cache != nil {
		payload, err := g.cache.Get(ctx, opts.CacheKey)
		if err == nil {
			g.cacheHits.Add(1)
			metrics.RecordCall(method, "cache_hit")
			return payload, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			g.logger.Warn("cache read failed", zap.String("key", opts.CacheKey), zap.Error(err))
		}
	}

	result, err := g.invoke(ctx, method, params, opts)
	if err != nil {
		metrics.RecordCall(method, "failed")
		return nil, err
	}
	metrics.RecordCall(method, "success")

	if opts.CacheKey != "" {
		g.Remember(opts.CacheKey, method, params)
		g.writeThrough(ctx, opts.CacheKey, result, g.resolveTier(opts))
	}
	return result, nil
}

// Remember 登记缓存键对应的调用，预热时重放
func (g *Gateway) Remember(key, method string, params []any) {
	g.calls.Add(key, callSpec{Method: method, Params: params})
}

// Warm 绕过读缓存重放调用并写入指定层
func (g *Gateway) Warm(ctx context.Context, key string, tier cache.Tier) error {
	spec, ok := g.calls.Get(key)
	if !ok {
		return ErrUnknownCacheKey
	}

	result, err := g.invoke(ctx, spec.Method, spec.Params, CallOptions{})
	if err != nil {
		return err
	}
	if g.cache == nil {
		return nil
	}
	return g.cache.Set(ctx, key, result, tier)
}

// Counters 累计计数
func (g *Gateway) Counters() Counters {
	return Counters{
		Requests:     g.requests.Load(),
		Errors:       g.errs.Load(),
		CacheHits:    g.cacheHits.Load(),
		Calls:        g.total.Load(),
		TrackedCalls: g.calls.Len(),
	}
}

func (g *Gateway) resolveTier(opts CallOptions) cache.Tier {
	switch {
	case opts.Tier != nil:
		return *opts.Tier
	case opts.TTL > 0 && g.cache != nil:
		return g.cache.TierForTTL(opts.TTL)
	default:
		return g.cfg.DefaultTier
	}
}

func (g *Gateway) writeThrough(ctx context.Context, key string, payload []byte, tier cache.Tier) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, key, payload, tier); err != nil {
		g.logger.Warn("cache write-through failed",
			zap.String("key", key),
			zap.String("tier", tier.String()),
			zap.Error(err))
	}
}

// invoke 重试循环，最多 maxRetries 次尝试
func (g *Gateway) invoke(ctx context.Context, method string, params []any, opts CallOptions) (json.RawMessage, error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = g.cfg.MaxRetries
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.cfg.Timeout
	}

	bo := g.newBackOff()
	tried := make(map[string]bool)
	// lastErr 只记录上游结果，本地限流单独记录
	var lastErr, limitErr error
	attempts := 0

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			metrics.RecordRetry(method)
		}

		ep, err := g.pool.Acquire(method, tried)
		if errors.Is(err, ErrNoHealthyEndpoint) {
			if lastErr == nil && limitErr == nil {
				return nil, err
			}
			break
		}
		if err != nil {
			// 本地限流不计入端点失败
			limitErr = err
			attempts++
			if attempt < maxRetries-1 {
				if err := g.sleep(ctx, bo.NextBackOff()); err != nil {
					return nil, err
				}
			}
			continue
		}

		attempts++
		tried[ep.URL] = true
		result, err := g.do(ctx, ep, method, params, timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrUpstreamRateLimited) {
			// 429 直接换端点，不退避
			continue
		}
		if attempt < maxRetries-1 {
			if err := g.sleep(ctx, bo.NextBackOff()); err != nil {
				return nil, err
			}
		}
	}

	if lastErr == nil {
		lastErr = limitErr
	}
	logger.WithContext(ctx, g.logger).Warn("all endpoints failed",
		zap.String("method", method),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	return nil, &AllEndpointsFailedError{Method: method, Attempts: attempts, Last: lastErr}
}

// do 对单个端点发起一次调用并记录结果
func (g *Gateway) do(ctx context.Context, ep *Endpoint, method string, params []any, timeout time.Duration) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ep.begin()
	defer ep.end()
	g.requests.Add(1)

	start := time.Now()
	result, err := g.transport.Call(callCtx, ep, method, params)
	elapsed := time.Since(start)

	if err != nil && !IsNetworkError(err) && !IsUpstreamError(err) && !errors.Is(err, ErrUpstreamRateLimited) {
		err = &NetworkError{Endpoint: ep.URL, Err: err}
	}

	switch {
	case err == nil:
		ep.recordSuccess(time.Now(), elapsed)
		metrics.RecordRPCRequest(ep.URL, method, "success", elapsed.Seconds())
	case ctx.Err() != nil:
		// 调用方取消，不归咎于端点
		ep.breaker.Release()
	case errors.Is(err, ErrUpstreamRateLimited):
		ep.breaker.Release()
		metrics.RecordRPCRequest(ep.URL, method, "rate_limited", elapsed.Seconds())
		g.logger.Debug("upstream rate limited", zap.String("endpoint", ep.URL), zap.String("method", method))
	default:
		ep.recordFailure(time.Now())
		g.errs.Add(1)
		outcome := "network_error"
		if IsUpstreamError(err) {
			outcome = "upstream_error"
		}
		metrics.RecordRPCRequest(ep.URL, method, outcome, elapsed.Seconds())
		logger.WithContext(ctx, g.logger).Warn("rpc call failed",
			zap.String("endpoint", ep.URL),
			zap.String("method", method),
			zap.Duration("elapsed", elapsed),
			zap.String("breaker_state", ep.breaker.State().String()),
			zap.Error(err))
	}
	metrics.UpdateBreakerState(ep.URL, int(ep.breaker.State()))
	return result, err
}

// newBackOff base * multiplier^n，上限 maxDelay，无抖动
func (g *Gateway) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     g.cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          g.cfg.Multiplier,
		MaxInterval:         g.cfg.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
