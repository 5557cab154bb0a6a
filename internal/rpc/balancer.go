package rpc

import (
	"fmt"
	"sync/atomic"
)

// Strategy 负载均衡策略，candidates 非空
type Strategy interface {
	Name() string
	Pick(candidates []*Endpoint) *Endpoint
}

// ParseStrategy 按名称创建策略
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "round_robin":
		return &RoundRobin{}, nil
	case "least_loaded":
		return LeastLoaded{}, nil
	case "health_based", "":
		return &HealthBased{}, nil
	default:
		return nil, fmt.Errorf("rpc: unknown strategy %q", name)
	}
}

// RoundRobin 轮询
type RoundRobin struct {
	next atomic.Uint64
}

func (r *RoundRobin) Name() string { return "round_robin" }

func (r *RoundRobin) Pick(candidates []*Endpoint) *Endpoint {
	if len(candidates) == 0 {
		return nil
	}
	n := r.next.Add(1) - 1
	return candidates[n%uint64(len(candidates))]
}

// LeastLoaded 选择请求数最少的端点，相同时取进行中请求更少的
type LeastLoaded struct{}

func (LeastLoaded) Name() string { return "least_loaded" }

func (LeastLoaded) Pick(candidates []*Endpoint) *Endpoint {
	var best *Endpoint
	for _, ep := range candidates {
		if best == nil {
			best = ep
			continue
		}
		if ep.RequestCount() < best.RequestCount() ||
			(ep.RequestCount() == best.RequestCount() && ep.InFlight() < best.InFlight()) {
			best = ep
		}
	}
	return best
}

// HealthBased 优先主节点，没有可用主节点时才使用备用节点
type HealthBased struct {
	rr RoundRobin
}

func (h *HealthBased) Name() string { return "health_based" }

func (h *HealthBased) Pick(candidates []*Endpoint) *Endpoint {
	primaries := make([]*Endpoint, 0, len(candidates))
	for _, ep := range candidates {
		if ep.Role == RolePrimary {
			primaries = append(primaries, ep)
		}
	}
	if len(primaries) > 0 {
		return h.rr.Pick(primaries)
	}
	return h.rr.Pick(candidates)
}
