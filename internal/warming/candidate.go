// Package warming 缓存预热
//
// 预热候选来自访问统计、按小时的访问模式和预测评分，按优先级排队，
// 由 cron 定时批量处理：已在目标层或更热层的跳过，较冷层的提升，不在缓存中的回源加载。
package warming

import (
	"math"
	"time"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/cache"
)

// Strategy 候选来源
type Strategy string

const (
	StrategyAccess     Strategy = "access"
	StrategyPattern    Strategy = "pattern"
	StrategyPredictive Strategy = "predictive"
	StrategyManual     Strategy = "manual"
)

// Candidate 预热候选
type Candidate struct {
	Key        string
	Strategy   Strategy
	Confidence float64
	Priority   int
	Tier       cache.Tier
	CreatedAt  time.Time
}

// TargetTier 置信度对应的目标层
func TargetTier(confidence float64) cache.Tier {
	switch {
	case confidence > 0.8:
		return cache.TierHot
	case confidence > 0.6:
		return cache.TierWarm
	default:
		return cache.TierCold
	}
}

// NewCandidate 创建候选，置信度截断到 [0,1]，优先级与目标层由置信度决定
func NewCandidate(key string, strategy Strategy, confidence float64, now time.Time) Candidate {
	confidence = clamp01(confidence)
	return Candidate{
		Key:        key,
		Strategy:   strategy,
		Confidence: confidence,
		Priority:   int(confidence * 100),
		Tier:       TargetTier(confidence),
		CreatedAt:  now,
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
