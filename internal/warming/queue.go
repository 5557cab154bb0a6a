package warming

import (
	"container/heap"
	"sync"
)

// Queue 按优先级排序的预热队列，同一个键只保留最新的候选
type Queue struct {
	mu    sync.Mutex
	items candidateHeap
	index map[string]*queueItem
}

type queueItem struct {
	c   Candidate
	pos int
}

// NewQueue 创建队列
func NewQueue() *Queue {
	return &Queue{index: make(map[string]*queueItem)}
}

// Push 入队，键已存在时替换旧候选
func (q *Queue) Push(c Candidate) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.index[c.Key]; ok {
		it.c = c
		heap.Fix(&q.items, it.pos)
		return
	}
	it := &queueItem{c: c}
	heap.Push(&q.items, it)
	q.index[c.Key] = it
}

// Pop 取出优先级最高的候选
func (q *Queue) Pop() (Candidate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (Candidate, bool) {
	if q.items.Len() == 0 {
		return Candidate{}, false
	}
	it := heap.Pop(&q.items).(*queueItem)
	delete(q.index, it.c.Key)
	return it.c, true
}

// Drain 最多取出 n 个候选
func (q *Queue) Drain(n int) []Candidate {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Candidate, 0, n)
	for len(out) < n {
		c, ok := q.popLocked()
		if !ok {
			break
		}
		out = append(out, c)
	}
	return out
}

// Len 队列长度
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

type candidateHeap []*queueItem

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool {
	a, b := h[i].c, h[j].c
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Key < b.Key
}

func (h candidateHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *candidateHeap) Push(x any) {
	it := x.(*queueItem)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
