package model

// ChangeHash 数据集最近一次快照哈希
type ChangeHash struct {
	HashType    string `gorm:"column:hash_type;type:varchar(128);primaryKey" json:"hash_type"`
	CurrentHash string `gorm:"column:current_hash;type:varchar(64);not null" json:"current_hash"`
	ItemCount   int    `gorm:"column:item_count;type:int;not null;default:0" json:"item_count"`
	LastUpdated int64  `gorm:"column:last_updated;type:bigint;not null" json:"last_updated"` // 毫秒
}

// TableName 返回表名
func (ChangeHash) TableName() string {
	return "tracker_change_hashes"
}
