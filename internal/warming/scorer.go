package warming

import (
	"math"
	"time"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/cache"
)

// 特征下标
const (
	FeatureHourOfDay = iota
	FeatureDayOfWeek
	FeatureHits
	FeatureMisses
	FeatureRecency
	FeatureTier
	featureCount
)

// Features 固定长度特征向量
type Features [featureCount]float64

// BuildFeatures 由访问记录构造特征
func BuildFeatures(rec cache.AccessRecord, recency float64, now time.Time) Features {
	var f Features
	f[FeatureHourOfDay] = float64(now.Hour())
	f[FeatureDayOfWeek] = float64(now.Weekday())
	f[FeatureHits] = float64(rec.Hits)
	f[FeatureMisses] = float64(rec.Misses)
	f[FeatureRecency] = recency
	f[FeatureTier] = float64(rec.Tier)
	return f
}

// Scorer 预测键在近期被访问的概率
type Scorer interface {
	Predict(f Features) float64
}

// RuleScorer 默认规则评分
type RuleScorer struct{}

// Predict 0.4*近度 + 0.3*访问量 + 0.2*命中率 + 0.1*层热度
func (RuleScorer) Predict(f Features) float64 {
	hits, misses := f[FeatureHits], f[FeatureMisses]
	volume := 1 - math.Exp(-hits/20)

	hitRatio := 0.0
	if total := hits + misses; total > 0 {
		hitRatio = hits / total
	}

	tier := f[FeatureTier]
	if tier < 0 {
		tier = 0
	}
	hotness := 1 - math.Min(tier, 3)/3

	return clamp01(0.4*f[FeatureRecency] + 0.3*volume + 0.2*hitRatio + 0.1*hotness)
}
