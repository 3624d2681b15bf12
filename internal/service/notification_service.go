package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"kms-connect/backend/config"
	"kms-connect/backend/internal/delivery"
	"kms-connect/backend/internal/dto"
	"kms-connect/backend/internal/model"
	"kms-connect/backend/internal/repository"
	"kms-connect/backend/pkg/redis"
)

// ── 通知模块业务错误 ──

var (
	ErrNotificationNotFound  = errors.New("通知不存在")
	ErrRecipientUserNotFound = errors.New("接收用户不存在或已停用")
)

const defaultUnreadTTL = 5 * time.Minute

// NotificationService 用户通知业务接口
//
// 所有读写均以调用者为所有者限定，他人的通知一律视为不存在。
type NotificationService interface {
	List(ctx context.Context, userID string, req *dto.NotificationListRequest) ([]dto.NotificationResponse, int64, error)
	GetByID(ctx context.Context, id, userID string) (*dto.NotificationResponse, error)
	// MarkRead 幂等：已读通知再次标记不修改 read_at
	MarkRead(ctx context.Context, id, userID string) (*dto.NotificationResponse, error)
	MarkAllRead(ctx context.Context, userID string) (*dto.MarkAllReadResponse, error)
	UnreadCount(ctx context.Context, userID string) (*dto.UnreadCountResponse, error)
	// CreateDirect 向单个用户直发通知（不属于任何广播）
	CreateDirect(ctx context.Context, req *dto.CreateDirectNotificationRequest, callerID string) (*dto.NotificationResponse, error)
}

type notificationService struct {
	repo       *repository.Repository
	dispatcher Dispatcher
	cache      *redis.Client
	unreadTTL  time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewNotificationService 创建 NotificationService 实例
func NewNotificationService(
	cfg *config.Config,
	repo *repository.Repository,
	dispatcher Dispatcher,
	cache *redis.Client,
	logger *zap.Logger,
) NotificationService {
	ttl := cfg.Cache.UnreadTTL
	if ttl <= 0 {
		ttl = defaultUnreadTTL
	}
	return &notificationService{
		repo:       repo,
		dispatcher: dispatcher,
		cache:      cache,
		unreadTTL:  ttl,
		logger:     logger,
		now:        time.Now,
	}
}

// ────────────────────── List ──────────────────────

func (s *notificationService) List(ctx context.Context, userID string, req *dto.NotificationListRequest) ([]dto.NotificationResponse, int64, error) {
	list, total, err := s.repo.Notification.ListByUser(ctx, userID, repository.NotificationFilter{
		IsRead:   req.IsRead,
		Category: req.Category,
		Priority: req.Priority,
		Offset:   req.GetOffset(),
		Limit:    req.GetPageSize(),
	})
	if err != nil {
		s.logger.Error("列出通知失败", zap.String("user_id", userID), zap.Error(err))
		return nil, 0, err
	}

	items := make([]dto.NotificationResponse, 0, len(list))
	for i := range list {
		items = append(items, *toNotificationResponse(&list[i]))
	}
	return items, total, nil
}

// ────────────────────── GetByID ──────────────────────

func (s *notificationService) GetByID(ctx context.Context, id, userID string) (*dto.NotificationResponse, error) {
	n, err := s.repo.Notification.GetByIDForUser(ctx, id, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotificationNotFound
		}
		s.logger.Error("查询通知失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	return toNotificationResponse(n), nil
}

// ────────────────────── MarkRead ──────────────────────

func (s *notificationService) MarkRead(ctx context.Context, id, userID string) (*dto.NotificationResponse, error) {
	changed, err := s.repo.Notification.MarkRead(ctx, id, userID, s.now())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotificationNotFound
		}
		s.logger.Error("标记通知已读失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	if changed {
		s.invalidate(ctx, userID)
	}

	return s.GetByID(ctx, id, userID)
}

// ────────────────────── MarkAllRead ──────────────────────

func (s *notificationService) MarkAllRead(ctx context.Context, userID string) (*dto.MarkAllReadResponse, error) {
	updated, err := s.repo.Notification.MarkAllRead(ctx, userID, s.now())
	if err != nil {
		s.logger.Error("全部标记已读失败", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	if updated > 0 {
		s.invalidate(ctx, userID)
	}
	return &dto.MarkAllReadResponse{Updated: updated}, nil
}

// ────────────────────── UnreadCount ──────────────────────

func (s *notificationService) UnreadCount(ctx context.Context, userID string) (*dto.UnreadCountResponse, error) {
	// 代数须在回源前读取，回源期间的失效会令本次写入作废
	cached, gen, ok, cacheErr := s.cache.GetUnreadCount(ctx, userID)
	if cacheErr != nil {
		s.logger.Warn("读取未读数缓存失败，回源数据库", zap.String("user_id", userID), zap.Error(cacheErr))
	} else if ok {
		return &dto.UnreadCountResponse{Count: cached}, nil
	}

	count, err := s.repo.Notification.CountUnread(ctx, userID)
	if err != nil {
		s.logger.Error("统计未读通知失败", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	// 代数未知时不回填
	if cacheErr == nil {
		if err := s.cache.SetUnreadCount(ctx, userID, gen, count, s.unreadTTL); err != nil {
			s.logger.Warn("写入未读数缓存失败", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return &dto.UnreadCountResponse{Count: count}, nil
}

// ────────────────────── CreateDirect ──────────────────────

func (s *notificationService) CreateDirect(ctx context.Context, req *dto.CreateDirectNotificationRequest, callerID string) (*dto.NotificationResponse, error) {
	channels, err := parseChannels(req.Channels)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.User.GetByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecipientUserNotFound
		}
		s.logger.Error("查询接收用户失败", zap.String("user_id", req.UserID), zap.Error(err))
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrRecipientUserNotFound
	}

	n := &model.Notification{
		NotificationID: uuid.NewString(),
		UserID:         user.UserID,
		Title:          req.Title,
		Body:           req.Body,
		Category:       orDefault(req.Category, model.CategoryInfo),
		Priority:       orDefault(req.Priority, model.PriorityNormal),
		ActionURL:      trimmedURL(req.ActionURL),
		ActionLabel:    req.ActionLabel,
		InApp:          channels.Has(model.ChannelInApp),
		EmailStatus:    initialChannelStatus(channels, model.ChannelEmail),
		PushStatus:     initialChannelStatus(channels, model.ChannelPush),
	}
	if err := s.repo.Notification.Create(ctx, n); err != nil {
		s.logger.Error("创建直发通知失败", zap.String("user_id", user.UserID), zap.Error(err))
		return nil, err
	}
	if n.InApp {
		s.invalidate(ctx, user.UserID)
	}

	if hasAsyncChannel(channels) {
		pairs, err := s.repo.Notification.ListPendingByNotification(ctx, n.NotificationID)
		if err != nil {
			s.logger.Error("查询直发通知待投递渠道失败", zap.String("notification_id", n.NotificationID), zap.Error(err))
			return nil, err
		}
		for _, p := range pairs {
			if err := s.dispatcher.Submit(ctx, delivery.JobFromPending(p)); err != nil {
				s.logger.Warn("提交直发通知投递任务失败",
					zap.String("notification_id", n.NotificationID),
					zap.String("channel", string(p.Channel)),
					zap.Error(err),
				)
			}
		}
	}

	s.logger.Info("直发通知已创建",
		zap.String("notification_id", n.NotificationID),
		zap.String("user_id", user.UserID),
		zap.String("caller", callerID),
	)
	return toNotificationResponse(n), nil
}

func (s *notificationService) invalidate(ctx context.Context, userID string) {
	if err := s.cache.InvalidateUnreadCount(ctx, userID); err != nil {
		s.logger.Warn("清除未读数缓存失败", zap.String("user_id", userID), zap.Error(err))
	}
}

func toNotificationResponse(n *model.Notification) *dto.NotificationResponse {
	resp := &dto.NotificationResponse{
		ID:          n.NotificationID,
		BroadcastID: derefString(n.BroadcastID),
		Title:       n.Title,
		Body:        n.Body,
		Category:    n.Category,
		Priority:    n.Priority,
		ActionURL:   derefString(n.ActionURL),
		ActionLabel: n.ActionLabel,
		IsRead:      n.IsRead,
		ReadAt:      formatTimePtr(n.ReadAt),
		EmailSent:   n.EmailSent,
		EmailSentAt: formatTimePtr(n.EmailSentAt),
		PushSent:    n.PushSent,
		PushSentAt:  formatTimePtr(n.PushSentAt),
		CreatedAt:   formatTime(n.CreatedAt),
	}
	return resp
}
