package model

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// ── 投递渠道 ──

// Channel 通知投递渠道
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Valid 是否为已知渠道
func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelPush:
		return true
	}
	return false
}

// ChannelList 对应 VARCHAR 逗号分隔列表（in_app,email,push），实现 GORM Scanner/Valuer 接口。
type ChannelList []Channel

// Has 是否包含指定渠道
func (l ChannelList) Has(ch Channel) bool {
	for _, c := range l {
		if c == ch {
			return true
		}
	}
	return false
}

// Normalize 去重并按 in_app/email/push 固定顺序输出
func (l ChannelList) Normalize() ChannelList {
	out := make(ChannelList, 0, 3)
	for _, ch := range []Channel{ChannelInApp, ChannelEmail, ChannelPush} {
		if l.Has(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// Scan 将 "in_app,email" 文本解析为 ChannelList。
func (l *ChannelList) Scan(src interface{}) error {
	if src == nil {
		*l = nil
		return nil
	}
	var s string
	switch v := src.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("ChannelList.Scan: unsupported type %T", src)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*l = ChannelList{}
		return nil
	}
	parts := strings.Split(s, ",")
	out := make(ChannelList, 0, len(parts))
	for _, p := range parts {
		ch := Channel(strings.TrimSpace(p))
		if !ch.Valid() {
			return fmt.Errorf("ChannelList.Scan: invalid channel %q", p)
		}
		out = append(out, ch)
	}
	*l = out
	return nil
}

// Value 将 ChannelList 序列化为逗号分隔文本。
func (l ChannelList) Value() (driver.Value, error) {
	parts := make([]string, len(l))
	for i, ch := range l {
		parts[i] = string(ch)
	}
	return strings.Join(parts, ","), nil
}

// ── 枚举 ──

// 通知类别
const (
	CategoryInfo    = "INFO"
	CategorySuccess = "SUCCESS"
	CategoryWarning = "WARNING"
	CategoryError   = "ERROR"
)

// 通知优先级
const (
	PriorityNormal = "NORMAL"
	PriorityHigh   = "HIGH"
)

// BaseModel 通用审计字段
type BaseModel struct {
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	CreatedBy *string   `gorm:"type:uuid"                          json:"created_by,omitempty"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	UpdatedBy *string   `gorm:"type:uuid"                          json:"updated_by,omitempty"`
}

// VersionedModel 支持乐观锁的审计模型
type VersionedModel struct {
	BaseModel
	Version int `gorm:"not null;default:1" json:"version"`
}
