package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"kms-connect/backend/internal/model"
)

// DeviceTokenRepository 设备令牌数据访问接口
type DeviceTokenRepository interface {
	ListActiveByUser(ctx context.Context, userID string) ([]model.DeviceToken, error)
	// Deactivate 停用推送服务判定为失效的令牌
	Deactivate(ctx context.Context, tokens []string, at time.Time) error
}

type deviceTokenRepo struct {
	db *gorm.DB
}

// NewDeviceTokenRepo 创建 DeviceTokenRepository 实例
func NewDeviceTokenRepo(db *gorm.DB) DeviceTokenRepository {
	return &deviceTokenRepo{db: db}
}

func (r *deviceTokenRepo) ListActiveByUser(ctx context.Context, userID string) ([]model.DeviceToken, error) {
	var tokens []model.DeviceToken
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("updated_at DESC").
		Find(&tokens).Error
	return tokens, err
}

func (r *deviceTokenRepo) Deactivate(ctx context.Context, tokens []string, at time.Time) error {
	if len(tokens) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&model.DeviceToken{}).
		Where("token IN ?", tokens).
		Updates(map[string]interface{}{
			"is_active":       false,
			"last_failure_at": at,
			"updated_at":      at,
		}).Error
}
