package rpc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/ratelimit"
	"github.com/eidos-exchange/eidos/eidos-tracker/pkg/circuitbreaker"
)

// PoolConfig 端点池配置
type PoolConfig struct {
	Endpoints []EndpointConfig
	Strategy  Strategy
	Breaker   *circuitbreaker.Config
	Limiter   *ratelimit.Limiter
	// Clock 注入时钟 (熔断器使用)
	Clock func() time.Time
}

// Pool 端点池
type Pool struct {
	mu        sync.RWMutex
	endpoints []*Endpoint
	byURL     map[string]*Endpoint

	strategy Strategy
	breakers *circuitbreaker.Registry
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

// NewPool 创建端点池
func NewPool(cfg PoolConfig, logger *zap.Logger) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("rpc: at least one endpoint is required")
	}
	if cfg.Strategy == nil {
		cfg.Strategy = &HealthBased{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts []circuitbreaker.Option
	if cfg.Clock != nil {
		opts = append(opts, circuitbreaker.WithClock(cfg.Clock))
	}

	p := &Pool{
		byURL:    make(map[string]*Endpoint, len(cfg.Endpoints)),
		strategy: cfg.Strategy,
		breakers: circuitbreaker.NewRegistry(cfg.Breaker, opts...),
		limiter:  cfg.Limiter,
		logger:   logger.Named("endpoint_pool"),
	}

	for _, ec := range cfg.Endpoints {
		if ec.URL == "" {
			return nil, errors.New("rpc: endpoint url is empty")
		}
		if _, dup := p.byURL[ec.URL]; dup {
			return nil, fmt.Errorf("rpc: duplicate endpoint %s", ec.URL)
		}
		ep := NewEndpoint(ec, p.breakers.Get(ec.URL))
		p.endpoints = append(p.endpoints, ep)
		p.byURL[ec.URL] = ep
		if p.limiter != nil && !ec.Limits.IsZero() {
			p.limiter.SetLimits(ec.URL, ec.Limits)
		}
	}
	return p, nil
}

// Endpoints 所有端点
func (p *Pool) Endpoints() []*Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Endpoint, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

// Get 按 URL 获取端点
func (p *Pool) Get(url string) (*Endpoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ep, ok := p.byURL[url]
	return ep, ok
}

// Healthy 当前可用端点 (含半开)
func (p *Pool) Healthy() []*Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.IsHealthy() {
			out = append(out, ep)
		}
	}
	return out
}

// Select 按策略选择端点并通过熔断器准入，优先本次调用未尝试过的端点
func (p *Pool) Select(tried map[string]bool) (*Endpoint, error) {
	return p.pick("", tried, false)
}

// Acquire Select 并检查本地限流，被限流的端点直接跳过
func (p *Pool) Acquire(method string, tried map[string]bool) (*Endpoint, error) {
	return p.pick(method, tried, p.limiter != nil)
}

func (p *Pool) pick(method string, tried map[string]bool, limit bool) (*Endpoint, error) {
	healthy := p.Healthy()
	if len(healthy) == 0 {
		return nil, ErrNoHealthyEndpoint
	}

	limited := false
	for _, group := range splitTried(healthy, tried) {
		for len(group) > 0 {
			ep := p.strategy.Pick(group)
			if ep == nil {
				break
			}
			group = without(group, ep)

			if limit && !p.limiter.TryAcquireMethod(ep.URL, method) {
				limited = true
				metrics.RateLimitDeniedTotal.WithLabelValues(ep.URL).Inc()
				continue
			}
			// 半开状态的试探名额可能已被其他请求占用
			if err := ep.breaker.Allow(); err != nil {
				continue
			}
			return ep, nil
		}
	}

	if limited {
		return nil, ErrRateLimited
	}
	return nil, ErrNoHealthyEndpoint
}

// splitTried 未尝试的端点在前，已尝试的在后
func splitTried(eps []*Endpoint, tried map[string]bool) [][]*Endpoint {
	if len(tried) == 0 {
		return [][]*Endpoint{eps}
	}
	var fresh, used []*Endpoint
	for _, ep := range eps {
		if tried[ep.URL] {
			used = append(used, ep)
		} else {
			fresh = append(fresh, ep)
		}
	}
	groups := make([][]*Endpoint, 0, 2)
	if len(fresh) > 0 {
		groups = append(groups, fresh)
	}
	if len(used) > 0 {
		groups = append(groups, used)
	}
	return groups
}

func without(eps []*Endpoint, target *Endpoint) []*Endpoint {
	out := make([]*Endpoint, 0, len(eps))
	for _, ep := range eps {
		if ep != target {
			out = append(out, ep)
		}
	}
	return out
}

// MarkUnhealthy 手动下线端点
func (p *Pool) MarkUnhealthy(url string) error {
	ep, ok := p.Get(url)
	if !ok {
		return fmt.Errorf("rpc: unknown endpoint %s", url)
	}
	ep.SetDisabled(true)
	p.logger.Warn("endpoint marked unhealthy", zap.String("endpoint", url))
	return nil
}

// MarkHealthy 手动上线端点，熔断器同时重置
func (p *Pool) MarkHealthy(url string) error {
	ep, ok := p.Get(url)
	if !ok {
		return fmt.Errorf("rpc: unknown endpoint %s", url)
	}
	ep.SetDisabled(false)
	ep.breaker.Reset()
	p.logger.Info("endpoint marked healthy", zap.String("endpoint", url))
	return nil
}

// Snapshot 端点状态快照
func (p *Pool) Snapshot() []EndpointStatus {
	eps := p.Endpoints()
	out := make([]EndpointStatus, 0, len(eps))
	for _, ep := range eps {
		st := ep.Status()
		metrics.UpdateBreakerState(ep.URL, int(ep.breaker.State()))
		out = append(out, st)
	}
	return out
}

// BreakerStates 各端点熔断器状态
func (p *Pool) BreakerStates() map[string]circuitbreaker.Stats {
	return p.breakers.Snapshot()
}
