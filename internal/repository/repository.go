package repository

import (
	"gorm.io/gorm"
)

// Repository 所有 Repository 的聚合入口
type Repository struct {
	User         UserRepository
	Broadcast    BroadcastRepository
	Notification NotificationRepository
	DeviceToken  DeviceTokenRepository
}

// NewRepository 创建 Repository 聚合
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		User:         NewUserRepo(db),
		Broadcast:    NewBroadcastRepo(db),
		Notification: NewNotificationRepo(db),
		DeviceToken:  NewDeviceTokenRepo(db),
	}
}
