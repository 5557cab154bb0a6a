package model

// CacheEntry 持久层缓存条目 (快速层的兜底)
type CacheEntry struct {
	Key        string `gorm:"column:cache_key;type:varchar(512);primaryKey" json:"key"`
	Payload    []byte `gorm:"column:payload;not null" json:"-"`
	Tier       string `gorm:"column:tier;type:varchar(16);not null" json:"tier"`
	ExpiresAt  int64  `gorm:"column:expires_at;type:bigint;index;not null" json:"expires_at"` // 毫秒
	HitCount   int64  `gorm:"column:hit_count;type:bigint;not null;default:0" json:"hit_count"`
	AccessedAt int64  `gorm:"column:accessed_at;type:bigint;not null;default:0" json:"accessed_at"`
	CreatedAt  int64  `gorm:"column:created_at;type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt  int64  `gorm:"column:updated_at;type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (CacheEntry) TableName() string {
	return "tracker_cache_entries"
}

// IsExpired 是否过期，nowMs 为毫秒时间戳
func (e *CacheEntry) IsExpired(nowMs int64) bool {
	return e.ExpiresAt <= nowMs
}

// CacheEntryStats 持久层统计
type CacheEntryStats struct {
	Total   int64 `json:"total"`
	Expired int64 `json:"expired"`
	Hits    int64 `json:"hits"`
}
