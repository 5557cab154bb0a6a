// Package ratelimit 端点本地限流
//
// 每个 scope (端点或端点#方法) 独立维护秒级、分钟级固定窗口计数，
// 以及令牌桶突发上限。状态只在内存中，重启后清空。
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits 限流阈值，字段为 0 表示不检查
type Limits struct {
	RequestsPerSecond int
	RequestsPerMinute int
	Burst             int
}

// IsZero 是否未配置任何限制
func (l Limits) IsZero() bool {
	return l.RequestsPerSecond <= 0 && l.RequestsPerMinute <= 0 && l.Burst <= 0
}

type window struct {
	size  time.Duration
	start time.Time
	count int
}

// allow 固定窗口计数，窗口起点为窗口内第一个请求
func (w *window) allow(now time.Time, max int) bool {
	if max <= 0 {
		return true
	}
	if w.start.IsZero() || now.Sub(w.start) >= w.size {
		w.start = now
		w.count = 0
	}
	return w.count < max
}

// current 当前窗口计数
func (w *window) current(now time.Time) int {
	if w.start.IsZero() || now.Sub(w.start) >= w.size {
		return 0
	}
	return w.count
}

type scopeState struct {
	limits Limits
	second window
	minute window
	bucket *rate.Limiter
}

func newScopeState(limits Limits) *scopeState {
	s := &scopeState{
		limits: limits,
		second: window{size: time.Second},
		minute: window{size: time.Minute},
	}
	if limits.Burst > 0 {
		r := rate.Inf
		if limits.RequestsPerSecond > 0 {
			r = rate.Limit(limits.RequestsPerSecond)
		}
		s.bucket = rate.NewLimiter(r, limits.Burst)
	}
	return s
}

func (s *scopeState) tryAcquire(now time.Time) bool {
	if !s.second.allow(now, s.limits.RequestsPerSecond) {
		return false
	}
	if !s.minute.allow(now, s.limits.RequestsPerMinute) {
		return false
	}
	if s.bucket != nil && !s.bucket.AllowN(now, 1) {
		return false
	}
	s.second.count++
	s.minute.count++
	return true
}

// ScopeStats scope 当前计数
type ScopeStats struct {
	Scope       string `json:"scope"`
	SecondCount int    `json:"second_count"`
	MinuteCount int    `json:"minute_count"`
}

// Option 限流器选项
type Option func(*Limiter)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter 多 scope 限流器，不阻塞、不返回错误
type Limiter struct {
	mu           sync.Mutex
	now          func() time.Time
	defaults     Limits
	scopeLimits  map[string]Limits
	methodLimits map[string]Limits
	scopes       map[string]*scopeState
}

// New 创建限流器，defaults 用于未单独配置的端点 scope
func New(defaults Limits, opts ...Option) *Limiter {
	l := &Limiter{
		now:          time.Now,
		defaults:     defaults,
		scopeLimits:  make(map[string]Limits),
		methodLimits: make(map[string]Limits),
		scopes:       make(map[string]*scopeState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetLimits 为单个 scope 设置限制 (在首次使用前调用)
func (l *Limiter) SetLimits(scope string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scopeLimits[scope] = limits
	delete(l.scopes, scope)
}

// SetMethodLimits 为方法设置更严格的限制，作用于所有端点
func (l *Limiter) SetMethodLimits(method string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.methodLimits[method] = limits
}

// TryAcquire 尝试获取 scope 的一个请求配额
func (l *Limiter) TryAcquire(scope string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquireLocked(scope, l.limitsFor(scope))
}

// TryAcquireMethod 端点 scope 与 端点#方法 scope 都通过才放行
func (l *Limiter) TryAcquireMethod(endpoint, method string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.acquireLocked(endpoint, l.limitsFor(endpoint)) {
		return false
	}
	limits, ok := l.methodLimits[method]
	if !ok || method == "" {
		return true
	}
	return l.acquireLocked(MethodScope(endpoint, method), limits)
}

func (l *Limiter) limitsFor(scope string) Limits {
	if limits, ok := l.scopeLimits[scope]; ok {
		return limits
	}
	return l.defaults
}

func (l *Limiter) acquireLocked(scope string, limits Limits) bool {
	if limits.IsZero() {
		return true
	}
	st, ok := l.scopes[scope]
	if !ok {
		st = newScopeState(limits)
		l.scopes[scope] = st
	}
	return st.tryAcquire(l.now())
}

// Stats 各 scope 当前窗口计数
func (l *Limiter) Stats() []ScopeStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make([]ScopeStats, 0, len(l.scopes))
	for scope, st := range l.scopes {
		out = append(out, ScopeStats{
			Scope:       scope,
			SecondCount: st.second.current(now),
			MinuteCount: st.minute.current(now),
		})
	}
	return out
}

// MethodScope 端点#方法 scope 名称
func MethodScope(endpoint, method string) string {
	return endpoint + "#" + method
}
