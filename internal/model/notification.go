package model

import "time"

// 渠道投递状态
const (
	DeliveryNone    = "none" // 未请求该渠道
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// Notification 通知表 — 对应 notifications
// 每个 (broadcast_id, user_id) 唯一；标题正文在生成时从广播复制
type Notification struct {
	NotificationID string     `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"notification_id"`
	BroadcastID    *string    `gorm:"type:uuid;uniqueIndex:uk_notifications_broadcast_user" json:"broadcast_id,omitempty"`
	UserID         string     `gorm:"type:uuid;not null;uniqueIndex:uk_notifications_broadcast_user" json:"user_id"`
	Title          string     `gorm:"type:varchar(255);not null"                 json:"title"`
	Body           string     `gorm:"type:text;not null"                         json:"body"`
	Category       string     `gorm:"type:varchar(10);not null;default:'INFO'"   json:"category"`
	Priority       string     `gorm:"type:varchar(10);not null;default:'NORMAL'" json:"priority"`
	ActionURL      *string    `gorm:"type:varchar(500)"                          json:"action_url,omitempty"`
	ActionLabel    string     `gorm:"type:varchar(50);not null;default:''"       json:"action_label"`
	InApp          bool       `gorm:"not null"                                   json:"in_app"`
	IsRead         bool       `gorm:"not null;default:false"                     json:"is_read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`

	EmailStatus   string     `gorm:"type:varchar(10);not null;default:'none'" json:"email_status"`
	EmailSent     bool       `gorm:"not null;default:false"                   json:"email_sent"`
	EmailSentAt   *time.Time `json:"email_sent_at,omitempty"`
	EmailAttempts int        `gorm:"not null;default:0"                       json:"email_attempts"`
	EmailError    string     `gorm:"type:text;not null;default:''"            json:"email_error,omitempty"`

	PushStatus   string     `gorm:"type:varchar(10);not null;default:'none'" json:"push_status"`
	PushSent     bool       `gorm:"not null;default:false"                   json:"push_sent"`
	PushSentAt   *time.Time `json:"push_sent_at,omitempty"`
	PushAttempts int        `gorm:"not null;default:0"                       json:"push_attempts"`
	PushError    string     `gorm:"type:text;not null;default:''"            json:"push_error,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName 指定表名
func (Notification) TableName() string { return "notifications" }

// ChannelStatus 返回指定渠道的投递状态
func (n *Notification) ChannelStatus(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return n.EmailStatus
	case ChannelPush:
		return n.PushStatus
	case ChannelInApp:
		if n.InApp {
			return DeliverySent
		}
	}
	return DeliveryNone
}

// PendingDelivery 待投递的 (notification, channel) 对，附带收件人邮箱
type PendingDelivery struct {
	NotificationID string
	BroadcastID    *string
	UserID         string
	Email          string
	Channel        Channel
	Attempts       int
	Title          string
	Body           string
	Category       string
	Priority       string
	ActionURL      *string
	ActionLabel    string
}

// DeliveryOutcome 单个 (notification, channel) 对的终态
type DeliveryOutcome struct {
	NotificationID string
	Channel        Channel
	Sent           bool
	Attempts       int
	Error          string
	At             time.Time
}

// ChannelSummary 单渠道投递汇总
type ChannelSummary struct {
	Pending int64 `json:"pending"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
}

// DeliverySummary 广播维度的投递汇总
type DeliverySummary struct {
	Total int64          `json:"total"`
	Read  int64          `json:"read"`
	Email ChannelSummary `json:"email"`
	Push  ChannelSummary `json:"push"`
}

// DeliveryReportRow 投递审计行（导出用）
type DeliveryReportRow struct {
	NotificationID string
	UserID         string
	Email          string
	FullName       string
	IsRead         bool
	ReadAt         *time.Time
	EmailStatus    string
	EmailSentAt    *time.Time
	EmailAttempts  int
	EmailError     string
	PushStatus     string
	PushSentAt     *time.Time
	PushAttempts   int
	PushError      string
	CreatedAt      time.Time
}
