// Package service 对外调用面：网关调用、读取或预热、状态快照、缓存清理
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/cache"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/kafka"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/model"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/monitor"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/ratelimit"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/rpc"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/scaling"
	"github.com/eidos-exchange/eidos/eidos-tracker/pkg/circuitbreaker"
	"github.com/eidos-exchange/eidos/eidos-tracker/pkg/logger"
)

// ErrInvalidPayload 请求缺少方法名
var ErrInvalidPayload = errors.New("invalid call payload")

// CallPayload 上游调用请求
type CallPayload struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Gateway RPC 网关
type Gateway interface {
	Call(ctx context.Context, method string, params []any, opts rpc.CallOptions) (json.RawMessage, error)
	Counters() rpc.Counters
}

// EndpointSource 端点状态
type EndpointSource interface {
	Snapshot() []rpc.EndpointStatus
}

// BreakerSource 熔断器状态
type BreakerSource interface {
	BreakerStates() map[string]circuitbreaker.Stats
}

// Cache 分层缓存
type Cache interface {
	Invalidate(ctx context.Context, keyOrPattern string) (int, error)
	Stats(ctx context.Context) (*cache.StoreStats, error)
}

// Warmer 预热引擎
type Warmer interface {
	GetOrWarm(ctx context.Context, key string) ([]byte, error)
	QueueSize() int
	Aggressiveness() float64
}

// ScalingSource 伸缩状态
type ScalingSource interface {
	Metrics() scaling.Metrics
}

// MonitorSource 订阅状态
type MonitorSource interface {
	Stats() monitor.Stats
}

// RateLimitSource 限流计数
type RateLimitSource interface {
	Stats() []ratelimit.ScopeStats
}

// Deps 依赖，可选项为 nil 时对应统计缺省
type Deps struct {
	Gateway   Gateway
	Endpoints EndpointSource
	Breakers  BreakerSource
	Cache     Cache
	Warmer    Warmer
	Scaling   ScalingSource
	Monitor   MonitorSource
	Limiter   RateLimitSource
	Publisher kafka.EventPublisher
}

// Stats 状态快照，部分失败记入 Errors
type Stats struct {
	Endpoints      []rpc.EndpointStatus            `json:"endpoints"`
	Breakers       map[string]circuitbreaker.Stats `json:"breakers,omitempty"`
	Gateway        rpc.Counters                    `json:"gateway"`
	Cache          *cache.StoreStats               `json:"cache,omitempty"`
	QueueSize      int                             `json:"queue_size"`
	Aggressiveness float64                         `json:"aggressiveness"`
	ScalingMetrics *scaling.Metrics                `json:"scaling_metrics,omitempty"`
	Monitor        *monitor.Stats                  `json:"monitor,omitempty"`
	RateLimits     []ratelimit.ScopeStats          `json:"rate_limits,omitempty"`
	Errors         []string                        `json:"errors,omitempty"`
	CollectedAt    time.Time                       `json:"collected_at"`
}

// Service 服务门面
type Service struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// NewService 创建服务
func NewService(deps Deps, logger *zap.Logger) *Service {
	if deps.Publisher == nil {
		deps.Publisher = kafka.NoopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, logger: logger.Named("service"), now: time.Now}
}

// Call 经网关调用上游
func (s *Service) Call(ctx context.Context, payload CallPayload, opts rpc.CallOptions) (json.RawMessage, error) {
	if payload.Method == "" {
		return nil, ErrInvalidPayload
	}
	ctx = logger.NewContext(ctx,
		zap.String("request_id", uuid.NewString()),
		zap.String("method", payload.Method))

	res, err := s.deps.Gateway.Call(ctx, payload.Method, payload.Params, opts)
	if err != nil {
		logger.WithContext(ctx, s.logger).Debug("call failed", zap.String("cache_key", opts.CacheKey), zap.Error(err))
		return nil, err
	}
	return res, nil
}

// GetOrWarm 读取缓存，未命中时按登记的调用预热
func (s *Service) GetOrWarm(ctx context.Context, key string) ([]byte, error) {
	return s.deps.Warmer.GetOrWarm(ctx, key)
}

// ClearCaches 按模式清理缓存，空模式清空全部
func (s *Service) ClearCaches(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	n, err := s.deps.Cache.Invalidate(ctx, pattern)
	if err != nil {
		return n, err
	}
	s.logger.Info("caches cleared", zap.String("pattern", pattern), zap.Int("keys", n))

	if err := s.deps.Publisher.PublishCacheInvalidated(ctx, &model.CacheInvalidatedEvent{
		Pattern:       pattern,
		Keys:          n,
		Source:        "api",
		InvalidatedAt: s.now().UnixMilli(),
	}); err != nil {
		s.logger.Warn("publish cache invalidated failed", zap.String("pattern", pattern), zap.Error(err))
	}
	return n, nil
}

// GetStats 尽力收集各组件状态
func (s *Service) GetStats(ctx context.Context) *Stats {
	st := &Stats{CollectedAt: s.now()}

	s.collect(st, "endpoints", func() error {
		if s.deps.Endpoints != nil {
			st.Endpoints = s.deps.Endpoints.Snapshot()
		}
		return nil
	})
	s.collect(st, "breakers", func() error {
		if s.deps.Breakers != nil {
			st.Breakers = s.deps.Breakers.BreakerStates()
		}
		return nil
	})
	s.collect(st, "gateway", func() error {
		if s.deps.Gateway != nil {
			st.Gateway = s.deps.Gateway.Counters()
		}
		return nil
	})
	s.collect(st, "cache", func() error {
		if s.deps.Cache == nil {
			return nil
		}
		cs, err := s.deps.Cache.Stats(ctx)
		st.Cache = cs
		return err
	})
	s.collect(st, "warming", func() error {
		if s.deps.Warmer != nil {
			st.QueueSize = s.deps.Warmer.QueueSize()
			st.Aggressiveness = s.deps.Warmer.Aggressiveness()
		}
		return nil
	})
	s.collect(st, "scaling", func() error {
		if s.deps.Scaling != nil {
			m := s.deps.Scaling.Metrics()
			st.ScalingMetrics = &m
		}
		return nil
	})
	s.collect(st, "monitor", func() error {
		if s.deps.Monitor != nil {
			m := s.deps.Monitor.Stats()
			st.Monitor = &m
		}
		return nil
	})
	s.collect(st, "rate_limits", func() error {
		if s.deps.Limiter != nil {
			st.RateLimits = s.deps.Limiter.Stats()
		}
		return nil
	})
	return st
}

func (s *Service) collect(st *Stats, part string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			st.Errors = append(st.Errors, fmt.Sprintf("%s: panic: %v", part, r))
			s.logger.Error("stats collection panic", zap.String("part", part), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		st.Errors = append(st.Errors, fmt.Sprintf("%s: %v", part, err))
		s.logger.Warn("stats collection failed", zap.String("part", part), zap.Error(err))
	}
}
