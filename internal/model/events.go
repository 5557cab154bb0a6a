package model

// DatasetChangedEvent 数据集 top-N 快照发生变化
type DatasetChangedEvent struct {
	HashType     string   `json:"hash_type"`
	Hash         string   `json:"hash"`
	PreviousHash string   `json:"previous_hash,omitempty"`
	ItemCount    int      `json:"item_count"`
	Patterns     []string `json:"patterns,omitempty"`
	Invalidated  int      `json:"invalidated"`
	DetectedAt   int64    `json:"detected_at"` // 毫秒
}

// CacheInvalidatedEvent 缓存失效
type CacheInvalidatedEvent struct {
	Pattern       string `json:"pattern"`
	Keys          int    `json:"keys"`
	Source        string `json:"source"` // api, monitor, change_detect
	InvalidatedAt int64  `json:"invalidated_at"`
}
