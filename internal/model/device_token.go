package model

import "time"

// DeviceToken 推送设备令牌表 — 对应 device_tokens（注册流程由外部维护，本服务只读并停用失效令牌）
type DeviceToken struct {
	DeviceTokenID string     `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"device_token_id"`
	UserID        string     `gorm:"type:uuid;not null;index"                       json:"user_id"`
	Token         string     `gorm:"type:varchar(512);not null;uniqueIndex"         json:"token"`
	Platform      string     `gorm:"type:varchar(10);not null;default:'android'"    json:"platform"`
	IsActive      bool       `gorm:"not null"                                       json:"is_active"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	CreatedAt     time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"             json:"created_at"`
	UpdatedAt     time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"             json:"updated_at"`
}

// TableName 指定表名
func (DeviceToken) TableName() string { return "device_tokens" }
