package repository

import (
	"context"

	"tubefm/model"

	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// TrackHistoryRepository 生产记录数据访问接口
type TrackHistoryRepository interface {
	Record(ctx context.Context, rec *model.TrackRecord) error
	ListRecent(ctx context.Context, limit int) ([]*model.TrackRecord, error)
	ListByKey(ctx context.Context, key model.CacheKey, limit int) ([]*model.TrackRecord, error)
}

// gormTrackHistoryRepository GORM 实现
type gormTrackHistoryRepository struct {
	db *gorm.DB
}

// NewGormTrackHistoryRepository 创建 GORM 生产记录仓库
func NewGormTrackHistoryRepository(db *gorm.DB) TrackHistoryRepository {
	return &gormTrackHistoryRepository{db: db}
}

// Record 写入一条任务结果
func (r *gormTrackHistoryRepository) Record(ctx context.Context, rec *model.TrackRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// ListRecent 最近的任务，新的在前
func (r *gormTrackHistoryRepository) ListRecent(ctx context.Context, limit int) ([]*model.TrackRecord, error) {
	var records []*model.TrackRecord
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Find(&records).Error
	return records, err
}

// ListByKey 某个缓存键的历史记录
func (r *gormTrackHistoryRepository) ListByKey(ctx context.Context, key model.CacheKey, limit int) ([]*model.TrackRecord, error) {
	var records []*model.TrackRecord
	err := r.db.WithContext(ctx).
		Where("cache_key = ?", string(key)).
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Find(&records).Error
	return records, err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
