package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"kms-connect/backend/config"
	"kms-connect/backend/internal/model"
)

// fcmMulticastLimit FCM 单次 multicast 的最大令牌数
const fcmMulticastLimit = 500

// PushMessage 推送内容
type PushMessage struct {
	Tokens       []string
	Title        string
	Body         string
	Data         map[string]string
	HighPriority bool
	Link         string
}

// TokenResult 单个设备令牌的发送结果
type TokenResult struct {
	Token   string
	Success bool
	// Invalid 令牌已注销或格式无效，应停用
	Invalid bool
	Err     error
}

// PushProvider 推送服务
type PushProvider interface {
	SendMulticast(ctx context.Context, msg PushMessage) ([]TokenResult, error)
}

// TokenStore 设备令牌注册表（本服务只读取有效令牌并停用失效令牌）
type TokenStore interface {
	ListActiveByUser(ctx context.Context, userID string) ([]model.DeviceToken, error)
	Deactivate(ctx context.Context, tokens []string, at time.Time) error
}

// ── FCM 实现 ──

// FCMProvider 基于 Firebase Admin SDK 的推送服务
type FCMProvider struct {
	client *messaging.Client
}

// NewFCMProvider 初始化 Firebase 应用并创建 messaging 客户端
func NewFCMProvider(ctx context.Context, cfg *config.FirebaseConfig) (*FCMProvider, error) {
	var fbCfg *firebase.Config
	if cfg.ProjectID != "" {
		fbCfg = &firebase.Config{ProjectID: cfg.ProjectID}
	}
	app, err := firebase.NewApp(ctx, fbCfg, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("初始化 Firebase 失败: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("创建 FCM 客户端失败: %w", err)
	}
	return &FCMProvider{client: client}, nil
}

// SendMulticast 按 FCM 上限分批发送，整批调用失败时返回 error
func (p *FCMProvider) SendMulticast(ctx context.Context, msg PushMessage) ([]TokenResult, error) {
	results := make([]TokenResult, 0, len(msg.Tokens))
	for start := 0; start < len(msg.Tokens); start += fcmMulticastLimit {
		end := start + fcmMulticastLimit
		if end > len(msg.Tokens) {
			end = len(msg.Tokens)
		}
		tokens := msg.Tokens[start:end]

		resp, err := p.client.SendEachForMulticast(ctx, buildMulticast(msg, tokens))
		if err != nil {
			return nil, err
		}
		for i, r := range resp.Responses {
			tr := TokenResult{Token: tokens[i], Success: r.Success, Err: r.Error}
			if r.Error != nil {
				tr.Invalid = messaging.IsUnregistered(r.Error) ||
					messaging.IsInvalidArgument(r.Error) ||
					messaging.IsSenderIDMismatch(r.Error)
			}
			results = append(results, tr)
		}
	}
	return results, nil
}

func buildMulticast(msg PushMessage, tokens []string) *messaging.MulticastMessage {
	androidPriority, notifPriority, apnsPriority := "normal", messaging.PriorityDefault, "5"
	if msg.HighPriority {
		androidPriority, notifPriority, apnsPriority = "high", messaging.PriorityHigh, "10"
	}
	link := msg.Link
	if link == "" {
		link = "/"
	}
	badge := 1

	return &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
		Android: &messaging.AndroidConfig{
			Priority: androidPriority,
			Notification: &messaging.AndroidNotification{
				ChannelID: "kms_connect_channel",
				Priority:  notifPriority,
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": apnsPriority},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default", Badge: &badge},
			},
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: msg.Title,
				Body:  msg.Body,
				Icon:  "/logo.png",
			},
			FCMOptions: &messaging.WebpushFCMOptions{Link: link},
		},
	}
}

// ── 处理器 ──

// PushHandler 推送渠道
type PushHandler struct {
	provider PushProvider // nil 表示推送未启用
	tokens   TokenStore
	logger   *zap.Logger
}

// NewPushHandler 创建推送处理器，provider 为 nil 时有设备的用户记为永久失败
func NewPushHandler(provider PushProvider, tokens TokenStore, logger *zap.Logger) *PushHandler {
	return &PushHandler{provider: provider, tokens: tokens, logger: logger}
}

// Channel 实现 Handler
func (*PushHandler) Channel() model.Channel { return model.ChannelPush }

// Deliver 实现 Handler
// 无有效设备视为成功；任一设备送达即成功；失效令牌随即停用
func (h *PushHandler) Deliver(ctx context.Context, job Job) Result {
	devices, err := h.tokens.ListActiveByUser(ctx, job.UserID)
	if err != nil {
		return Retry(fmt.Errorf("查询设备令牌失败: %w", err))
	}
	if len(devices) == 0 {
		return Delivered()
	}
	if h.provider == nil {
		return Permanent(ErrPushDisabled)
	}

	tokens := make([]string, len(devices))
	for i, d := range devices {
		tokens[i] = d.Token
	}

	results, err := h.provider.SendMulticast(ctx, PushMessage{
		Tokens:       tokens,
		Title:        job.Message.Title,
		Body:         job.Message.Body,
		Data:         pushData(job),
		HighPriority: job.Message.Priority == model.PriorityHigh,
		Link:         job.Message.ActionURL,
	})
	if err != nil {
		return Retry(err)
	}

	var (
		delivered bool
		invalid   []string
		lastErr   error
	)
	for _, r := range results {
		switch {
		case r.Success:
			delivered = true
		case r.Invalid:
			invalid = append(invalid, r.Token)
		default:
			lastErr = r.Err
		}
	}

	if len(invalid) > 0 {
		if err := h.tokens.Deactivate(ctx, invalid, time.Now()); err != nil {
			h.logger.Warn("停用失效设备令牌失败",
				zap.String("user_id", job.UserID),
				zap.Int("count", len(invalid)),
				zap.Error(err),
			)
		} else {
			h.logger.Info("已停用失效设备令牌",
				zap.String("user_id", job.UserID),
				zap.Int("count", len(invalid)),
			)
		}
	}

	switch {
	case delivered:
		return Delivered()
	case len(invalid) == len(results):
		return Permanent(ErrNoValidDevice)
	case lastErr != nil:
		return Retry(lastErr)
	default:
		return Retry(errors.New("推送未送达任何设备"))
	}
}

func pushData(job Job) map[string]string {
	data := map[string]string{
		"notification_id":   job.NotificationID,
		"notification_type": job.Message.Category,
		"priority":          job.Message.Priority,
		"click_action":      "FLUTTER_NOTIFICATION_CLICK",
	}
	if job.BroadcastID != "" {
		data["broadcast_id"] = job.BroadcastID
	}
	if job.Message.ActionURL != "" {
		data["action_url"] = job.Message.ActionURL
	}
	return data
}
