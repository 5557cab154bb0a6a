package cache

import (
	"container/list"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCacheMiss 所有层都未命中
	ErrCacheMiss = errors.New("cache: miss")
	// ErrNotInTier 条目不在指定层
	ErrNotInTier = errors.New("cache: entry not in tier")
)

// Tier 缓存层，数值越小越热
type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierCold
	TierFreeze
)

// AllTiers 由热到冷
var AllTiers = []Tier{TierHot, TierWarm, TierCold, TierFreeze}

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	case TierFreeze:
		return "freeze"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid 是否合法层
func (t Tier) Valid() bool {
	return t >= TierHot && t <= TierFreeze
}

// HotterOrEqual t 是否比 other 更热或相同
func (t Tier) HotterOrEqual(other Tier) bool {
	return t <= other
}

// ParseTier 解析层名称
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hot":
		return TierHot, nil
	case "warm":
		return TierWarm, nil
	case "cold":
		return TierCold, nil
	case "freeze":
		return TierFreeze, nil
	default:
		return 0, fmt.Errorf("cache: unknown tier %q", s)
	}
}

// TierConfig 层配置
type TierConfig struct {
	TTL     time.Duration `json:"ttl"`
	MaxKeys int           `json:"max_keys"`
}

// DefaultTierConfigs 默认层配置
func DefaultTierConfigs() map[Tier]TierConfig {
	return map[Tier]TierConfig{
		TierHot:    {TTL: 30 * time.Second, MaxKeys: 1000},
		TierWarm:   {TTL: 5 * time.Minute, MaxKeys: 5000},
		TierCold:   {TTL: 30 * time.Minute, MaxKeys: 20000},
		TierFreeze: {TTL: 24 * time.Hour, MaxKeys: 50000},
	}
}

// entry 快速层索引中的条目元数据，payload 在 FastStore 中
type entry struct {
	tier       Tier
	createdAt  time.Time
	expiresAt  time.Time
	accessedAt time.Time
	hitCount   int64
	elem       *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}
