// Package delivery 实现通知的多渠道投递：渠道处理器（站内信 / 邮件 / 推送）与按渠道限流的工作池。
package delivery

import (
	"context"
	"errors"

	"kms-connect/backend/internal/model"
)

var (
	ErrPoolStopped   = errors.New("投递工作池已停止")
	ErrNoHandler     = errors.New("渠道未注册处理器")
	ErrInvalidEmail  = errors.New("收件人邮箱无效")
	ErrPushDisabled  = errors.New("推送服务未启用")
	ErrNoValidDevice = errors.New("所有设备令牌均已失效")
)

// Message 投递内容，创建通知时从广播复制
type Message struct {
	Title       string
	Body        string
	Category    string
	Priority    string
	ActionURL   string
	ActionLabel string
}

// Job 单个 (notification, channel) 投递任务
type Job struct {
	NotificationID string
	BroadcastID    string // 直发通知为空
	UserID         string
	Email          string
	Channel        model.Channel
	// Attempt 已执行的尝试次数
	Attempt int
	Message Message
}

// JobFromPending 由待投递记录构造任务，续传时沿用已记录的尝试次数
func JobFromPending(p model.PendingDelivery) Job {
	job := Job{
		NotificationID: p.NotificationID,
		UserID:         p.UserID,
		Email:          p.Email,
		Channel:        p.Channel,
		Attempt:        p.Attempts,
		Message: Message{
			Title:       p.Title,
			Body:        p.Body,
			Category:    p.Category,
			Priority:    p.Priority,
			ActionLabel: p.ActionLabel,
		},
	}
	if p.BroadcastID != nil {
		job.BroadcastID = *p.BroadcastID
	}
	if p.ActionURL != nil {
		job.Message.ActionURL = *p.ActionURL
	}
	return job
}

// Result 单次投递结果
type Result struct {
	Success   bool
	Retryable bool
	Err       error
}

// Delivered 投递成功
func Delivered() Result { return Result{Success: true} }

// Retry 暂时性失败，可重试
func Retry(err error) Result { return Result{Retryable: true, Err: err} }

// Permanent 永久失败，不再重试
func Permanent(err error) Result { return Result{Err: err} }

// Handler 渠道投递处理器
type Handler interface {
	Channel() model.Channel
	Deliver(ctx context.Context, job Job) Result
}

// Reporter 接收 (notification, channel) 的终态：成功、永久失败或重试耗尽
// job.Attempt 为累计尝试次数
type Reporter interface {
	Report(ctx context.Context, job Job, res Result)
}
