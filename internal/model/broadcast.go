package model

import (
	"time"

	"gorm.io/datatypes"
)

// 广播状态
const (
	BroadcastStatusDraft   = "DRAFT"
	BroadcastStatusSending = "SENDING"
	BroadcastStatusSent    = "SENT"
)

// Broadcast 广播表 — 对应 broadcasts
// RecipientSpec 存储规范化后的接收人规则 JSON，发送时解析为 recipient.Spec
type Broadcast struct {
	BroadcastID      string         `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"broadcast_id"`
	Title            string         `gorm:"type:varchar(255);not null"                     json:"title"`
	Body             string         `gorm:"type:text;not null"                             json:"body"`
	Category         string         `gorm:"type:varchar(10);not null;default:'INFO'"       json:"category"`
	Priority         string         `gorm:"type:varchar(10);not null;default:'NORMAL'"     json:"priority"`
	RecipientSpec    datatypes.JSON `gorm:"type:jsonb;not null"                            json:"recipient_spec"`
	Channels         ChannelList    `gorm:"type:varchar(50);not null"                      json:"channels"`
	ActionURL        *string        `gorm:"type:varchar(500)"                              json:"action_url,omitempty"`
	ActionLabel      string         `gorm:"type:varchar(50);not null;default:''"           json:"action_label"`
	Status           string         `gorm:"type:varchar(10);not null;default:'DRAFT'"      json:"status"`
	ScheduledAt      *time.Time     `json:"scheduled_at,omitempty"`
	SendingStartedAt *time.Time     `json:"sending_started_at,omitempty"`
	MaterializedAt   *time.Time     `json:"materialized_at,omitempty"`
	SentAt           *time.Time     `json:"sent_at,omitempty"`
	TotalRecipients  int            `gorm:"not null;default:0"                             json:"total_recipients"`
	VersionedModel
}

// TableName 指定表名
func (Broadcast) TableName() string { return "broadcasts" }

// IsDraft 是否仍可编辑 / 发送
func (b *Broadcast) IsDraft() bool { return b.Status == BroadcastStatusDraft }

// IsDue 定时广播是否已到期；未设置定时视为立即发送
func (b *Broadcast) IsDue(now time.Time) bool {
	return b.ScheduledAt == nil || !b.ScheduledAt.After(now)
}
