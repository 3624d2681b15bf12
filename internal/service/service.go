package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"kms-connect/backend/config"
	"kms-connect/backend/internal/delivery"
	"kms-connect/backend/internal/model"
	"kms-connect/backend/internal/repository"
	"kms-connect/backend/pkg/redis"
)

// Dispatcher 投递任务提交接口，由 delivery.WorkerPool 实现
type Dispatcher interface {
	Submit(ctx context.Context, job delivery.Job) error
}

// Service 所有 Service 的聚合入口
type Service struct {
	Recipient    RecipientService
	Broadcast    BroadcastService
	Notification NotificationService
	Export       ExportService
}

// NewService 创建 Service 聚合
// 工作池依赖 DeliveryReporter 回写结果，因此 Reporter 由 NewDeliveryReporter 单独构造后再传给工作池
func NewService(
	cfg *config.Config,
	repo *repository.Repository,
	dispatcher Dispatcher,
	cache *redis.Client,
	logger *zap.Logger,
) *Service {
	recipients := NewRecipientService(repo, logger)
	return &Service{
		Recipient:    recipients,
		Broadcast:    NewBroadcastService(cfg, repo, recipients, dispatcher, cache, logger),
		Notification: NewNotificationService(cfg, repo, dispatcher, cache, logger),
		Export:       NewExportService(repo, logger),
	}
}

// ── 通用辅助 ──

const timeLayout = "2006-01-02T15:04:05Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func trimmedURL(u *string) *string {
	if u == nil {
		return nil
	}
	return optionalString(strings.TrimSpace(*u))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// parseChannels 校验并规范化渠道列表，至少保留一个有效渠道
func parseChannels(raw []string) (model.ChannelList, error) {
	list := make(model.ChannelList, 0, len(raw))
	for _, r := range raw {
		ch := model.Channel(strings.ToLower(strings.TrimSpace(r)))
		if !ch.Valid() {
			return nil, ErrInvalidChannels
		}
		list = append(list, ch)
	}
	list = list.Normalize()
	if len(list) == 0 {
		return nil, ErrInvalidChannels
	}
	return list, nil
}

// initialChannelStatus 新建通知时各异步渠道的初始状态
func initialChannelStatus(channels model.ChannelList, ch model.Channel) string {
	if channels.Has(ch) {
		return model.DeliveryPending
	}
	return model.DeliveryNone
}

// hasAsyncChannel 是否包含需要工作池投递的渠道
func hasAsyncChannel(channels model.ChannelList) bool {
	return channels.Has(model.ChannelEmail) || channels.Has(model.ChannelPush)
}
