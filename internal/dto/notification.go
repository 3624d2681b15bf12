package dto

// ── 通知模块 DTO ──

// NotificationListRequest 通知列表查询参数
type NotificationListRequest struct {
	PaginationRequest
	IsRead   *bool  `form:"is_read"`
	Category string `form:"category" binding:"omitempty,notif_category"`
	Priority string `form:"priority" binding:"omitempty,notif_priority"`
}

// CreateDirectNotificationRequest 管理员直发通知（非广播）
type CreateDirectNotificationRequest struct {
	UserID      string   `json:"user_id"      binding:"required,uuid"`
	Title       string   `json:"title"        binding:"required,max=255"`
	Body        string   `json:"body"         binding:"required"`
	Category    string   `json:"category"     binding:"omitempty,notif_category"`
	Priority    string   `json:"priority"     binding:"omitempty,notif_priority"`
	ActionURL   *string  `json:"action_url"   binding:"omitempty,max=500"`
	ActionLabel string   `json:"action_label" binding:"omitempty,max=50"`
	Channels    []string `json:"channels"     binding:"required,min=1,dive,notif_channel"`
}

// NotificationResponse 通知信息响应
type NotificationResponse struct {
	ID          string  `json:"id"`
	BroadcastID string  `json:"broadcast_id,omitempty"`
	Title       string  `json:"title"`
	Body        string  `json:"body"`
	Category    string  `json:"category"`
	Priority    string  `json:"priority"`
	ActionURL   string  `json:"action_url,omitempty"`
	ActionLabel string  `json:"action_label,omitempty"`
	IsRead      bool    `json:"is_read"`
	ReadAt      *string `json:"read_at"`
	EmailSent   bool    `json:"email_sent"`
	EmailSentAt *string `json:"email_sent_at,omitempty"`
	PushSent    bool    `json:"push_sent"`
	PushSentAt  *string `json:"push_sent_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// MarkAllReadResponse 全部已读响应
type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}

// UnreadCountResponse 未读数响应
type UnreadCountResponse struct {
	Count int64 `json:"count"`
}
