// Package scaling 根据负载与资源情况调整缓存层容量
package scaling

import (
	"sync"
	"time"
)

// Snapshot 某一时刻的负载指标，值类型，创建后不再修改
type Snapshot struct {
	// MemoryUsage 内存使用率 [0,1]
	MemoryUsage float64 `json:"memory_usage"`
	// RequestRate 上游请求数/秒
	RequestRate float64 `json:"request_rate"`
	// ErrorRate 上游失败占比 [0,1]
	ErrorRate    float64   `json:"error_rate"`
	CacheHitRate float64   `json:"cache_hit_rate"`
	Timestamp    time.Time `json:"timestamp"`
}

// History 定长快照历史
type History struct {
	mu   sync.Mutex
	buf  []Snapshot
	next int
	full bool
}

// NewHistory 创建历史，size <= 0 时为 100
func NewHistory(size int) *History {
	if size <= 0 {
		size = 100
	}
	return &History{buf: make([]Snapshot, size)}
}

// Add 追加快照，满后覆盖最旧的
func (h *History) Add(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = s
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// Len 当前数量
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lenLocked()
}

func (h *History) lenLocked() int {
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Recent 最近 n 个快照，由旧到新；n <= 0 返回全部
func (h *History) Recent(n int) []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.lenLocked()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Snapshot, n)
	start := (h.next - n + len(h.buf)) % len(h.buf)
	for i := 0; i < n; i++ {
		out[i] = h.buf[(start+i)%len(h.buf)]
	}
	return out
}

// Latest 最新快照
func (h *History) Latest() (Snapshot, bool) {
	recent := h.Recent(1)
	if len(recent) == 0 {
		return Snapshot{}, false
	}
	return recent[0], true
}
