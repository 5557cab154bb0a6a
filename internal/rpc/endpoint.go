package rpc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/ratelimit"
	"github.com/eidos-exchange/eidos/eidos-tracker/pkg/circuitbreaker"
)

// Role 端点角色
type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

// EndpointConfig 端点配置
type EndpointConfig struct {
	URL    string
	Role   Role
	Weight int
	Limits ratelimit.Limits
}

// Endpoint 上游 RPC 端点
type Endpoint struct {
	URL    string
	Role   Role
	Weight int
	Limits ratelimit.Limits

	breaker *circuitbreaker.CircuitBreaker

	requestCount atomic.Int64
	errorCount   atomic.Int64
	inFlight     atomic.Int64
	disabled     atomic.Bool

	mu            sync.RWMutex
	lastSuccessAt time.Time
	lastFailureAt time.Time
	latency       time.Duration
}

// NewEndpoint 创建端点
func NewEndpoint(cfg EndpointConfig, breaker *circuitbreaker.CircuitBreaker) *Endpoint {
	if cfg.Role == "" {
		cfg.Role = RolePrimary
	}
	if cfg.Weight <= 0 {
		cfg.Weight = 1
	}
	if breaker == nil {
		breaker = circuitbreaker.New(nil)
	}
	return &Endpoint{
		URL:     cfg.URL,
		Role:    cfg.Role,
		Weight:  cfg.Weight,
		Limits:  cfg.Limits,
		breaker: breaker,
	}
}

// Breaker 端点熔断器
func (e *Endpoint) Breaker() *circuitbreaker.CircuitBreaker {
	return e.breaker
}

// IsHealthy 未被手动下线且熔断器未打开
func (e *Endpoint) IsHealthy() bool {
	return !e.disabled.Load() && e.breaker.State() != circuitbreaker.StateOpen
}

// SetDisabled 手动标记下线/上线
func (e *Endpoint) SetDisabled(disabled bool) {
	e.disabled.Store(disabled)
}

// RequestCount 请求总数
func (e *Endpoint) RequestCount() int64 {
	return e.requestCount.Load()
}

// InFlight 进行中请求数
func (e *Endpoint) InFlight() int64 {
	return e.inFlight.Load()
}

func (e *Endpoint) begin() {
	e.requestCount.Add(1)
	e.inFlight.Add(1)
}

func (e *Endpoint) end() {
	e.inFlight.Add(-1)
}

// recordSuccess 成功：熔断器清零，记录延迟
func (e *Endpoint) recordSuccess(now time.Time, latency time.Duration) {
	e.breaker.Success()
	e.mu.Lock()
	e.lastSuccessAt = now
	e.latency = latency
	e.mu.Unlock()
}

// recordFailure 失败计入熔断器
func (e *Endpoint) recordFailure(now time.Time) {
	e.errorCount.Add(1)
	e.breaker.Failure()
	e.mu.Lock()
	e.lastFailureAt = now
	e.mu.Unlock()
}

// EndpointStatus 端点状态快照
type EndpointStatus struct {
	URL           string    `json:"url"`
	Role          Role      `json:"role"`
	Healthy       bool      `json:"healthy"`
	Disabled      bool      `json:"disabled"`
	BreakerState  string    `json:"breaker_state"`
	FailureCount  int       `json:"failure_count"`
	RequestCount  int64     `json:"request_count"`
	ErrorCount    int64     `json:"error_count"`
	InFlight      int64     `json:"in_flight"`
	LatencyMs     int64     `json:"latency_ms"`
	LastSuccessAt time.Time `json:"last_success_at"`
	LastFailureAt time.Time `json:"last_failure_at"`
}

// Status 获取端点状态
func (e *Endpoint) Status() EndpointStatus {
	stats := e.breaker.Stats()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EndpointStatus{
		URL:           e.URL,
		Role:          e.Role,
		Healthy:       !e.disabled.Load() && stats.State != circuitbreaker.StateOpen,
		Disabled:      e.disabled.Load(),
		BreakerState:  stats.StateName,
		FailureCount:  stats.Failures,
		RequestCount:  e.requestCount.Load(),
		ErrorCount:    e.errorCount.Load(),
		InFlight:      e.inFlight.Load(),
		LatencyMs:     e.latency.Milliseconds(),
		LastSuccessAt: e.lastSuccessAt,
		LastFailureAt: e.lastFailureAt,
	}
}
