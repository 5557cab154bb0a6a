package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/model"
)

// ChangeHashRepository 数据集哈希仓储
type ChangeHashRepository struct {
	*Repository
}

// NewChangeHashRepository 创建数据集哈希仓储
func NewChangeHashRepository(db *gorm.DB) *ChangeHashRepository {
	return &ChangeHashRepository{Repository: NewRepository(db)}
}

// Get 不存在返回 nil, nil
func (r *ChangeHashRepository) Get(ctx context.Context, hashType string) (*model.ChangeHash, error) {
	var h model.ChangeHash
	err := r.DB(ctx).Where("hash_type = ?", hashType).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Upsert 保存最新哈希
func (r *ChangeHashRepository) Upsert(ctx context.Context, h *model.ChangeHash) error {
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"current_hash", "item_count", "last_updated"}),
	}).Create(h).Error
}

// List 所有数据集哈希
func (r *ChangeHashRepository) List(ctx context.Context) ([]*model.ChangeHash, error) {
	var out []*model.ChangeHash
	err := r.DB(ctx).Order("hash_type ASC").Find(&out).Error
	return out, err
}
