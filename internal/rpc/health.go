package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/metrics"
)

// HealthCheckConfig 健康检查配置
type HealthCheckConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	ProbeMethod string
}

// HealthChecker 与业务流量无关的端点探活
type HealthChecker struct {
	pool      *Pool
	transport Transport
	cfg       HealthCheckConfig
	logger    *zap.Logger
}

// NewHealthChecker 创建健康检查
func NewHealthChecker(pool *Pool, transport Transport, cfg HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ProbeMethod == "" {
		cfg.ProbeMethod = "getHealth"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		pool:      pool,
		transport: transport,
		cfg:       cfg,
		logger:    logger.Named("health_checker"),
	}
}

// Run 周期性探活，ctx 取消后退出
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.logger.Info("health checker started",
		zap.Duration("interval", h.cfg.Interval),
		zap.String("probe_method", h.cfg.ProbeMethod))

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("health checker stopped")
			return
		case <-ticker.C:
			if err := h.safeCheck(ctx); err != nil {
				h.logger.Error("health check round failed", zap.Error(err))
			}
		}
	}
}

func (h *HealthChecker) safeCheck(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	h.CheckOnce(ctx)
	return nil
}

// CheckOnce 并发探测所有端点
func (h *HealthChecker) CheckOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ep := range h.pool.Endpoints() {
		wg.Add(1)
		go func(ep *Endpoint) {
			defer wg.Done()
			h.probe(ctx, ep)
		}(ep)
	}
	wg.Wait()
}

func (h *HealthChecker) probe(ctx context.Context, ep *Endpoint) {
	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	start := time.Now()
	_, err := h.transport.Call(probeCtx, ep, h.cfg.ProbeMethod, nil)
	switch {
	case err == nil:
		ep.breaker.ProbeSuccess()
		ep.mu.Lock()
		ep.lastSuccessAt = time.Now()
		ep.latency = time.Since(start)
		ep.mu.Unlock()
		metrics.HealthCheckTotal.WithLabelValues(ep.URL, "healthy").Inc()
	case errors.Is(err, ErrUpstreamRateLimited):
		// 节点在线但限流，不计入失败
		metrics.HealthCheckTotal.WithLabelValues(ep.URL, "rate_limited").Inc()
	case ctx.Err() != nil:
		return
	default:
		ep.recordFailure(time.Now())
		metrics.HealthCheckTotal.WithLabelValues(ep.URL, "unhealthy").Inc()
		h.logger.Warn("endpoint probe failed",
			zap.String("endpoint", ep.URL),
			zap.String("breaker_state", ep.breaker.State().String()),
			zap.Error(err))
	}
	metrics.UpdateBreakerState(ep.URL, int(ep.breaker.State()))
}
