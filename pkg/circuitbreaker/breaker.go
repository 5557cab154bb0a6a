// Package circuitbreaker 端点熔断器
//
// 状态机: Closed -> Open (连续失败达到 MaxFailures)
// Open -> HalfOpen (ResetTimeout 到期后惰性转换，只放行一次试探请求)
// HalfOpen -> Closed (试探成功) / Open (试探失败，重新计时)
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen 熔断器打开
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态 (正常)
	StateClosed State = iota
	// StateOpen 打开状态 (熔断)
	StateOpen
	// StateHalfOpen 半开状态 (尝试恢复)
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// 失败阈值：连续失败多少次后打开熔断器
	MaxFailures int
	// 熔断器打开后多久进入半开状态
	ResetTimeout time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:  5,
		ResetTimeout: 5 * time.Minute,
	}
}

// Option 熔断器选项
type Option func(*CircuitBreaker)

// WithClock 注入时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// CircuitBreaker 熔断器
type CircuitBreaker struct {
	config *Config
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	lastFailureAt time.Time
	trialInFlight bool
}

// New 创建熔断器
func New(config *Config, opts ...Option) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 5 * time.Minute
	}
	cb := &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// State 获取当前状态
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState 获取当前状态 (内部使用，不加锁)
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Allow 检查是否允许请求通过，半开状态只放行一个试探请求
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.trialInFlight {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trialInFlight = true
		return nil
	default:
		return nil
	}
}

// Success 记录成功
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.close()
	}
}

// ProbeSuccess 记录健康检查成功，打开状态下不生效
func (cb *CircuitBreaker) ProbeSuccess() {
	cb.Success()
}

// Failure 记录失败
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.lastFailureAt = now

	switch cb.currentState() {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.MaxFailures {
			cb.open(now)
		}
	case StateHalfOpen:
		// 试探失败，重新打开并重新计时
		cb.failures++
		cb.open(now)
	}
}

// Release 放弃试探请求 (既不算成功也不算失败)，半开状态下允许下一个试探
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.state = StateOpen
	cb.openedAt = now
	cb.trialInFlight = false
}

func (cb *CircuitBreaker) close() {
	cb.state = StateClosed
	cb.failures = 0
	cb.trialInFlight = false
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.close()
}

// Stats 统计信息
type Stats struct {
	State         State     `json:"-"`
	StateName     string    `json:"state"`
	Failures      int       `json:"failures"`
	OpenedAt      time.Time `json:"opened_at"`
	LastFailureAt time.Time `json:"last_failure_at"`
}

// Stats 获取统计信息
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	return Stats{
		State:         state,
		StateName:     state.String(),
		Failures:      cb.failures,
		OpenedAt:      cb.openedAt,
		LastFailureAt: cb.lastFailureAt,
	}
}

// Registry 熔断器注册表
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
	opts     []Option
}

// NewRegistry 创建熔断器注册表
func NewRegistry(config *Config, opts ...Option) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   *config,
		opts:     opts,
	}
}

// Get 获取或创建熔断器
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// 再次检查
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cfg := r.config
	cb := New(&cfg, r.opts...)
	r.breakers[name] = cb
	return cb
}

// Snapshot 所有熔断器状态
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Stats()
	}
	return out
}
