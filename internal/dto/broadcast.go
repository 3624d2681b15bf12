package dto

import (
	"encoding/json"
	"time"

	"kms-connect/backend/internal/model"
)

// ── 广播模块 DTO ──

// CreateBroadcastRequest 创建广播请求（初始状态 DRAFT）
type CreateBroadcastRequest struct {
	Title         string          `json:"title"          binding:"required,max=255"`
	Body          string          `json:"body"           binding:"required"`
	Category      string          `json:"category"       binding:"omitempty,notif_category"`
	Priority      string          `json:"priority"       binding:"omitempty,notif_priority"`
	RecipientSpec json.RawMessage `json:"recipient_spec" binding:"required"`
	Channels      []string        `json:"channels"       binding:"required,min=1,dive,notif_channel"`
	ActionURL     *string         `json:"action_url"     binding:"omitempty,max=500"`
	ActionLabel   string          `json:"action_label"   binding:"omitempty,max=50"`
	ScheduledAt   *time.Time      `json:"scheduled_at"`
}

// UpdateBroadcastRequest 更新广播请求，仅 DRAFT 状态可编辑
type UpdateBroadcastRequest struct {
	Title         *string         `json:"title"          binding:"omitempty,min=1,max=255"`
	Body          *string         `json:"body"           binding:"omitempty,min=1"`
	Category      *string         `json:"category"       binding:"omitempty,notif_category"`
	Priority      *string         `json:"priority"       binding:"omitempty,notif_priority"`
	RecipientSpec json.RawMessage `json:"recipient_spec"`
	Channels      []string        `json:"channels"       binding:"omitempty,min=1,dive,notif_channel"`
	ActionURL     *string         `json:"action_url"     binding:"omitempty,max=500"`
	ActionLabel   *string         `json:"action_label"   binding:"omitempty,max=50"`
	ScheduledAt   *time.Time      `json:"scheduled_at"`
	ClearSchedule bool            `json:"clear_schedule"`
	Version       *int            `json:"version"        binding:"omitempty,min=1"`
}

// BroadcastListRequest 广播列表查询参数
type BroadcastListRequest struct {
	PaginationRequest
	Status string `form:"status" binding:"omitempty,oneof=DRAFT SENDING SENT"`
}

// BroadcastResponse 广播信息响应
type BroadcastResponse struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Body             string          `json:"body"`
	Category         string          `json:"category"`
	Priority         string          `json:"priority"`
	RecipientSpec    json.RawMessage `json:"recipient_spec"`
	Channels         []string        `json:"channels"`
	ActionURL        string          `json:"action_url,omitempty"`
	ActionLabel      string          `json:"action_label,omitempty"`
	Status           string          `json:"status"`
	ScheduledAt      *string         `json:"scheduled_at"`
	SendingStartedAt *string         `json:"sending_started_at,omitempty"`
	SentAt           *string         `json:"sent_at"`
	TotalRecipients  int             `json:"total_recipients"`
	CreatedBy        string          `json:"created_by,omitempty"`
	CreatedAt        string          `json:"created_at"`
	UpdatedAt        string          `json:"updated_at"`
	Version          int             `json:"version"`
}

// BroadcastDetailResponse 广播详情（含渠道投递汇总）
type BroadcastDetailResponse struct {
	BroadcastResponse
	Delivery *model.DeliverySummary `json:"delivery"`
}

// SendBroadcastResponse 触发发送响应
// Scheduled=true 表示定时时间未到，广播保持 DRAFT 由定时扫描发送
type SendBroadcastResponse struct {
	ID              string  `json:"id"`
	Status          string  `json:"status"`
	Scheduled       bool    `json:"scheduled"`
	ScheduledAt     *string `json:"scheduled_at,omitempty"`
	TotalRecipients int     `json:"total_recipients"`
}

// PreviewRecipientsResponse 接收人数预览
type PreviewRecipientsResponse struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}
