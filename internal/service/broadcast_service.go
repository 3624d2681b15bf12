package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"kms-connect/backend/config"
	"kms-connect/backend/internal/delivery"
	"kms-connect/backend/internal/dto"
	"kms-connect/backend/internal/model"
	"kms-connect/backend/internal/recipient"
	"kms-connect/backend/internal/repository"
	pkgerrors "kms-connect/backend/pkg/errors"
	"kms-connect/backend/pkg/redis"
)

// ── 广播模块业务错误 ──

var (
	ErrBroadcastNotFound     = errors.New("广播不存在")
	ErrBroadcastInvalidState = errors.New("广播不处于草稿状态，无法发送")
	ErrBroadcastNotEditable  = errors.New("广播已开始发送，不可编辑")
	ErrEmptyRecipients       = errors.New("接收人为空，无法发送")
	ErrInvalidChannels       = errors.New("至少需要一个有效投递渠道")

	// errStaleSnapshot 读取后广播已被修改，需重新读取再发送
	errStaleSnapshot = errors.New("广播快照已过期")
	// errNotDue 定时扫描时广播已被改期或取消定时
	errNotDue = errors.New("广播未到发送时间")
)

const (
	defaultInsertBatchSize = 500
	pendingPageSize        = 500
	dueSweepLimit          = 100
	invalidateChunkSize    = 1000
	maxSendAttempts        = 3
)

// BroadcastService 广播编排业务接口
//
// 状态机：DRAFT → SENDING → SENT，仅 DRAFT 可编辑 / 发送。
// 发送流程：解析接收人 → CAS 转为 SENDING → 分块写入通知行 → 提交异步渠道任务。
type BroadcastService interface {
	Create(ctx context.Context, req *dto.CreateBroadcastRequest, callerID string) (*dto.BroadcastResponse, error)
	GetByID(ctx context.Context, id string) (*dto.BroadcastDetailResponse, error)
	List(ctx context.Context, req *dto.BroadcastListRequest) ([]dto.BroadcastResponse, int64, error)
	Update(ctx context.Context, id string, req *dto.UpdateBroadcastRequest, callerID string) (*dto.BroadcastResponse, error)
	// Send 定时时间未到时仅返回 Scheduled=true，广播保持 DRAFT
	Send(ctx context.Context, id string, callerID string) (*dto.SendBroadcastResponse, error)
	// SendDue 发送所有已到期的定时广播，返回成功触发的数量
	SendDue(ctx context.Context, now time.Time) (int, error)
	// Resume 续传进程中断时处于 SENDING 的广播
	Resume(ctx context.Context) (int, error)
	// Wait 等待后台入队任务结束
	Wait()
	// Stop 取消后台入队并等待退出，未提交的任务留待下次启动续传
	Stop()
}

type broadcastService struct {
	repo       *repository.Repository
	recipients RecipientService
	dispatcher Dispatcher
	completion *DeliveryReporter
	cache      *redis.Client
	batchSize  int
	logger     *zap.Logger
	now        func() time.Time

	// ctx 为后台入队的生命周期，Stop 时取消
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroadcastService 创建 BroadcastService 实例
func NewBroadcastService(
	cfg *config.Config,
	repo *repository.Repository,
	recipients RecipientService,
	dispatcher Dispatcher,
	cache *redis.Client,
	logger *zap.Logger,
) BroadcastService {
	batchSize := cfg.Delivery.InsertBatchSize
	if batchSize <= 0 {
		batchSize = defaultInsertBatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &broadcastService{
		repo:       repo,
		recipients: recipients,
		dispatcher: dispatcher,
		completion: NewDeliveryReporter(repo, logger),
		cache:      cache,
		batchSize:  batchSize,
		logger:     logger,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ────────────────────── Create ──────────────────────

func (s *broadcastService) Create(ctx context.Context, req *dto.CreateBroadcastRequest, callerID string) (*dto.BroadcastResponse, error) {
	spec, err := recipient.Parse(req.RecipientSpec)
	if err != nil {
		return nil, err
	}
	canonical, err := recipient.Marshal(spec)
	if err != nil {
		return nil, err
	}
	channels, err := parseChannels(req.Channels)
	if err != nil {
		return nil, err
	}

	b := &model.Broadcast{
		Title:         req.Title,
		Body:          req.Body,
		Category:      orDefault(req.Category, model.CategoryInfo),
		Priority:      orDefault(req.Priority, model.PriorityNormal),
		RecipientSpec: datatypes.JSON(canonical),
		Channels:      channels,
		ActionURL:     trimmedURL(req.ActionURL),
		ActionLabel:   req.ActionLabel,
		Status:        model.BroadcastStatusDraft,
		ScheduledAt:   req.ScheduledAt,
	}
	b.CreatedBy = optionalString(callerID)
	b.UpdatedBy = optionalString(callerID)
	b.Version = 1

	if err := s.repo.Broadcast.Create(ctx, b); err != nil {
		s.logger.Error("创建广播失败", zap.Error(err))
		return nil, err
	}

	s.logger.Info("广播已创建",
		zap.String("broadcast_id", b.BroadcastID),
		zap.String("recipient_type", string(spec.Kind())),
	)
	return toBroadcastResponse(b), nil
}

// ────────────────────── GetByID ──────────────────────

func (s *broadcastService) GetByID(ctx context.Context, id string) (*dto.BroadcastDetailResponse, error) {
	b, err := s.getBroadcast(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &dto.BroadcastDetailResponse{BroadcastResponse: *toBroadcastResponse(b)}
	if !b.IsDraft() {
		summary, err := s.repo.Notification.SummaryByBroadcast(ctx, id)
		if err != nil {
			s.logger.Error("查询广播投递汇总失败", zap.String("id", id), zap.Error(err))
			return nil, err
		}
		resp.Delivery = summary
	}
	return resp, nil
}

// ────────────────────── List ──────────────────────

func (s *broadcastService) List(ctx context.Context, req *dto.BroadcastListRequest) ([]dto.BroadcastResponse, int64, error) {
	list, total, err := s.repo.Broadcast.List(ctx, repository.BroadcastFilter{
		Status: req.Status,
		Offset: req.GetOffset(),
		Limit:  req.GetPageSize(),
	})
	if err != nil {
		s.logger.Error("列出广播失败", zap.Error(err))
		return nil, 0, err
	}

	items := make([]dto.BroadcastResponse, 0, len(list))
	for i := range list {
		items = append(items, *toBroadcastResponse(&list[i]))
	}
	return items, total, nil
}

// ────────────────────── Update ──────────────────────

func (s *broadcastService) Update(ctx context.Context, id string, req *dto.UpdateBroadcastRequest, callerID string) (*dto.BroadcastResponse, error) {
	b, err := s.getBroadcast(ctx, id)
	if err != nil {
		return nil, err
	}
	if !b.IsDraft() {
		return nil, ErrBroadcastNotEditable
	}
	if req.Version != nil && *req.Version != b.Version {
		return nil, pkgerrors.ErrOptimisticLock
	}

	if req.Title != nil {
		b.Title = *req.Title
	}
	if req.Body != nil {
		b.Body = *req.Body
	}
	if req.Category != nil {
		b.Category = *req.Category
	}
	if req.Priority != nil {
		b.Priority = *req.Priority
	}
	if len(req.RecipientSpec) > 0 {
		spec, err := recipient.Parse(req.RecipientSpec)
		if err != nil {
			return nil, err
		}
		canonical, err := recipient.Marshal(spec)
		if err != nil {
			return nil, err
		}
		b.RecipientSpec = datatypes.JSON(canonical)
	}
	if req.Channels != nil {
		channels, err := parseChannels(req.Channels)
		if err != nil {
			return nil, err
		}
		b.Channels = channels
	}
	if req.ActionURL != nil {
		b.ActionURL = trimmedURL(req.ActionURL)
	}
	if req.ActionLabel != nil {
		b.ActionLabel = *req.ActionLabel
	}
	switch {
	case req.ClearSchedule:
		b.ScheduledAt = nil
	case req.ScheduledAt != nil:
		b.ScheduledAt = req.ScheduledAt
	}
	b.UpdatedBy = optionalString(callerID)

	if err := s.repo.Broadcast.Update(ctx, b); err != nil {
		if errors.Is(err, pkgerrors.ErrOptimisticLock) {
			// 区分并发编辑与并发发送
			if cur, getErr := s.repo.Broadcast.GetByID(ctx, id); getErr == nil && !cur.IsDraft() {
				return nil, ErrBroadcastNotEditable
			}
			return nil, pkgerrors.ErrOptimisticLock
		}
		s.logger.Error("更新广播失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}

	return toBroadcastResponse(b), nil
}

// ────────────────────── Send ──────────────────────

func (s *broadcastService) Send(ctx context.Context, id string, callerID string) (*dto.SendBroadcastResponse, error) {
	b, err := s.getBroadcast(ctx, id)
	if err != nil {
		return nil, err
	}

	resp, err := s.dispatch(ctx, b, nil)
	if err != nil {
		return nil, err
	}
	if resp.Scheduled {
		s.logger.Info("广播定时未到，等待定时扫描发送",
			zap.String("broadcast_id", id),
			zap.Stringp("scheduled_at", resp.ScheduledAt),
			zap.String("caller", callerID),
		)
	}
	return resp, nil
}

// ────────────────────── SendDue ──────────────────────

func (s *broadcastService) SendDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.Broadcast.ListDueScheduled(ctx, now, dueSweepLimit)
	if err != nil {
		s.logger.Error("查询到期定时广播失败", zap.Error(err))
		return 0, err
	}

	sent := 0
	for i := range due {
		b := &due[i]
		if _, err := s.dispatch(ctx, b, &now); err != nil {
			if errors.Is(err, ErrBroadcastInvalidState) || errors.Is(err, errNotDue) {
				// 已被手动发送，或扫描期间被改期
				continue
			}
			s.logger.Warn("定时广播发送失败", zap.String("broadcast_id", b.BroadcastID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

// ────────────────────── Resume ──────────────────────

func (s *broadcastService) Resume(ctx context.Context) (int, error) {
	sending, err := s.repo.Broadcast.ListByStatus(ctx, model.BroadcastStatusSending)
	if err != nil {
		s.logger.Error("查询发送中广播失败", zap.Error(err))
		return 0, err
	}

	resumed := 0
	for i := range sending {
		b := &sending[i]
		if b.MaterializedAt == nil {
			spec, err := recipient.Parse(b.RecipientSpec)
			if err != nil {
				s.logger.Error("广播接收人规则损坏，无法续传", zap.String("broadcast_id", b.BroadcastID), zap.Error(err))
				continue
			}
			ids, err := s.recipients.Resolve(ctx, spec)
			if err != nil {
				continue
			}
			if err := s.materialize(ctx, b, ids); err != nil {
				continue
			}
		}

		s.logger.Info("续传广播投递", zap.String("broadcast_id", b.BroadcastID))
		s.fanOut(b.BroadcastID)
		resumed++
	}
	return resumed, nil
}

// Wait 等待后台入队任务结束
func (s *broadcastService) Wait() {
	s.wg.Wait()
}

// Stop 取消后台入队并等待退出
func (s *broadcastService) Stop() {
	s.cancel()
	s.wg.Wait()
}

// ── 内部流程 ──

func (s *broadcastService) getBroadcast(ctx context.Context, id string) (*model.Broadcast, error) {
	b, err := s.repo.Broadcast.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBroadcastNotFound
		}
		s.logger.Error("查询广播失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	return b, nil
}

// dispatch 以读取到的快照发送；快照过期时重新读取并重新判断状态与定时
//
// dueBy 非空表示定时扫描：仅当 scheduled_at 不晚于 dueBy 时发送，否则返回 errNotDue。
// dueBy 为空表示手动发送：定时未到时返回 Scheduled=true。
func (s *broadcastService) dispatch(ctx context.Context, b *model.Broadcast, dueBy *time.Time) (*dto.SendBroadcastResponse, error) {
	for attempt := 1; ; attempt++ {
		if !b.IsDraft() {
			return nil, ErrBroadcastInvalidState
		}
		if dueBy != nil {
			if b.ScheduledAt == nil || b.ScheduledAt.After(*dueBy) {
				return nil, errNotDue
			}
		} else if !b.IsDue(s.now()) {
			return &dto.SendBroadcastResponse{
				ID:          b.BroadcastID,
				Status:      b.Status,
				Scheduled:   true,
				ScheduledAt: formatTimePtr(b.ScheduledAt),
			}, nil
		}

		resp, err := s.send(ctx, b, dueBy)
		if !errors.Is(err, errStaleSnapshot) {
			return resp, err
		}
		if attempt >= maxSendAttempts {
			s.logger.Warn("广播发送期间被反复修改，放弃本次发送", zap.String("broadcast_id", b.BroadcastID))
			return nil, pkgerrors.ErrOptimisticLock
		}
		if b, err = s.getBroadcast(ctx, b.BroadcastID); err != nil {
			return nil, err
		}
	}
}

// send 解析接收人先于状态变更，空接收人被拒绝时广播保持 DRAFT
//
// 状态变更以快照 version 为条件，快照之后的编辑或改期都会令其失败并返回 errStaleSnapshot。
func (s *broadcastService) send(ctx context.Context, b *model.Broadcast, dueBy *time.Time) (*dto.SendBroadcastResponse, error) {
	spec, err := recipient.Parse(b.RecipientSpec)
	if err != nil {
		s.logger.Error("广播接收人规则损坏", zap.String("broadcast_id", b.BroadcastID), zap.Error(err))
		return nil, err
	}
	ids, err := s.recipients.Resolve(ctx, spec)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 && spec.RequiresNonEmpty() {
		return nil, ErrEmptyRecipients
	}

	startedAt := s.now()
	err = s.repo.Broadcast.StartSending(ctx, b.BroadcastID, b.Version, dueBy, startedAt)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrStateConflict) {
			return nil, errStaleSnapshot
		}
		s.logger.Error("广播状态变更失败", zap.String("broadcast_id", b.BroadcastID), zap.Error(err))
		return nil, err
	}
	b.Status = model.BroadcastStatusSending
	b.SendingStartedAt = &startedAt
	b.Version++

	s.logger.Info("开始发送广播",
		zap.String("broadcast_id", b.BroadcastID),
		zap.Int("recipients", len(ids)),
		zap.String("channels", joinChannels(b.Channels)),
	)

	// 写入失败时广播停留在 SENDING 且未物化，由启动续传重新解析
	if err := s.materialize(ctx, b, ids); err != nil {
		return nil, err
	}

	resp := &dto.SendBroadcastResponse{
		ID:              b.BroadcastID,
		Status:          model.BroadcastStatusSending,
		ScheduledAt:     formatTimePtr(b.ScheduledAt),
		TotalRecipients: len(ids),
	}

	if len(ids) == 0 || !hasAsyncChannel(b.Channels) {
		done, err := s.completion.CompleteIfDrained(ctx, b.BroadcastID)
		if err != nil {
			s.logger.Warn("广播完成状态更新失败", zap.String("broadcast_id", b.BroadcastID), zap.Error(err))
		}
		if done {
			resp.Status = model.BroadcastStatusSent
		}
		return resp, nil
	}

	s.fanOut(b.BroadcastID)
	return resp, nil
}

// materialize 为每个接收人生成一条通知，(broadcast_id, user_id) 冲突时跳过
func (s *broadcastService) materialize(ctx context.Context, b *model.Broadcast, ids []string) error {
	broadcastID := b.BroadcastID
	emailStatus := initialChannelStatus(b.Channels, model.ChannelEmail)
	pushStatus := initialChannelStatus(b.Channels, model.ChannelPush)
	inApp := b.Channels.Has(model.ChannelInApp)

	var inserted int64
	for start := 0; start < len(ids); start += s.batchSize {
		end := start + s.batchSize
		if end > len(ids) {
			end = len(ids)
		}

		rows := make([]model.Notification, 0, end-start)
		for _, userID := range ids[start:end] {
			rows = append(rows, model.Notification{
				NotificationID: uuid.NewString(),
				BroadcastID:    &broadcastID,
				UserID:         userID,
				Title:          b.Title,
				Body:           b.Body,
				Category:       b.Category,
				Priority:       b.Priority,
				ActionURL:      b.ActionURL,
				ActionLabel:    b.ActionLabel,
				InApp:          inApp,
				EmailStatus:    emailStatus,
				PushStatus:     pushStatus,
			})
		}

		n, err := s.repo.Notification.BatchUpsert(ctx, rows, s.batchSize)
		if err != nil {
			s.logger.Error("写入广播通知失败",
				zap.String("broadcast_id", broadcastID),
				zap.Int("offset", start),
				zap.Error(err),
			)
			return err
		}
		inserted += n
	}

	at := s.now()
	if err := s.repo.Broadcast.MarkMaterialized(ctx, broadcastID, len(ids), at); err != nil {
		s.logger.Error("记录广播物化完成失败", zap.String("broadcast_id", broadcastID), zap.Error(err))
		return err
	}
	b.MaterializedAt = &at
	b.TotalRecipients = len(ids)

	if inApp {
		s.invalidateUnread(ctx, ids)
	}

	s.logger.Info("广播通知已生成",
		zap.String("broadcast_id", broadcastID),
		zap.Int("total", len(ids)),
		zap.Int64("inserted", inserted),
	)
	return nil
}

// fanOut 在后台按游标分页提交待投递任务，全部提交后检查是否已完成
func (s *broadcastService) fanOut(broadcastID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.ctx

		submitted := 0
		after := ""
		for {
			pairs, next, err := s.repo.Notification.ListPendingDeliveries(ctx, broadcastID, after, pendingPageSize)
			if err != nil {
				if ctx.Err() != nil {
					s.logger.Info("服务停止，中断投递入队", zap.String("broadcast_id", broadcastID))
					return
				}
				s.logger.Error("查询待投递任务失败", zap.String("broadcast_id", broadcastID), zap.Error(err))
				return
			}
			for _, p := range pairs {
				if err := s.dispatcher.Submit(ctx, delivery.JobFromPending(p)); err != nil {
					if ctx.Err() != nil {
						s.logger.Info("服务停止，中断投递入队，等待下次启动续传",
							zap.String("broadcast_id", broadcastID),
							zap.Int("submitted", submitted),
						)
						return
					}
					s.logger.Warn("提交投递任务失败，等待下次启动续传",
						zap.String("broadcast_id", broadcastID),
						zap.Int("submitted", submitted),
						zap.Error(err),
					)
					return
				}
				submitted++
			}
			if next == "" {
				break
			}
			after = next
		}

		s.logger.Info("广播投递任务已全部提交",
			zap.String("broadcast_id", broadcastID),
			zap.Int("jobs", submitted),
		)
		if _, err := s.completion.CompleteIfDrained(ctx, broadcastID); err != nil {
			s.logger.Warn("广播完成状态更新失败", zap.String("broadcast_id", broadcastID), zap.Error(err))
		}
	}()
}

func (s *broadcastService) invalidateUnread(ctx context.Context, ids []string) {
	for start := 0; start < len(ids); start += invalidateChunkSize {
		end := start + invalidateChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := s.cache.InvalidateUnreadCount(ctx, ids[start:end]...); err != nil {
			s.logger.Warn("清除未读数缓存失败", zap.Error(err))
			return
		}
	}
}

func joinChannels(l model.ChannelList) string {
	v, _ := l.Value()
	s, _ := v.(string)
	return s
}

func toBroadcastResponse(b *model.Broadcast) *dto.BroadcastResponse {
	channels := make([]string, len(b.Channels))
	for i, ch := range b.Channels {
		channels[i] = string(ch)
	}
	return &dto.BroadcastResponse{
		ID:               b.BroadcastID,
		Title:            b.Title,
		Body:             b.Body,
		Category:         b.Category,
		Priority:         b.Priority,
		RecipientSpec:    []byte(b.RecipientSpec),
		Channels:         channels,
		ActionURL:        derefString(b.ActionURL),
		ActionLabel:      b.ActionLabel,
		Status:           b.Status,
		ScheduledAt:      formatTimePtr(b.ScheduledAt),
		SendingStartedAt: formatTimePtr(b.SendingStartedAt),
		SentAt:           formatTimePtr(b.SentAt),
		TotalRecipients:  b.TotalRecipients,
		CreatedBy:        derefString(b.CreatedBy),
		CreatedAt:        formatTime(b.CreatedAt),
		UpdatedAt:        formatTime(b.UpdatedAt),
		Version:          b.Version,
	}
}
