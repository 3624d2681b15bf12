package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"kms-connect/backend/internal/delivery"
	"kms-connect/backend/internal/model"
	"kms-connect/backend/internal/repository"
	pkgerrors "kms-connect/backend/pkg/errors"
)

// maxErrorLength 写入通知行的错误信息上限
const maxErrorLength = 500

// DeliveryReporter 接收工作池的终态结果：回写渠道状态，广播全部投递完成后转为 SENT
type DeliveryReporter struct {
	repo   *repository.Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewDeliveryReporter 创建 DeliveryReporter 实例
func NewDeliveryReporter(repo *repository.Repository, logger *zap.Logger) *DeliveryReporter {
	return &DeliveryReporter{repo: repo, logger: logger, now: time.Now}
}

var _ delivery.Reporter = (*DeliveryReporter)(nil)

// Report 实现 delivery.Reporter
func (r *DeliveryReporter) Report(ctx context.Context, job delivery.Job, res delivery.Result) {
	if job.Channel == model.ChannelInApp {
		return
	}

	outcome := model.DeliveryOutcome{
		NotificationID: job.NotificationID,
		Channel:        job.Channel,
		Sent:           res.Success,
		Attempts:       job.Attempt,
		At:             r.now(),
	}
	if !res.Success && res.Err != nil {
		outcome.Error = truncate(res.Err.Error(), maxErrorLength)
	}

	if err := r.repo.Notification.MarkChannelResult(ctx, outcome); err != nil {
		r.logger.Error("回写投递结果失败",
			zap.String("notification_id", job.NotificationID),
			zap.String("channel", string(job.Channel)),
			zap.Error(err),
		)
		return
	}

	if job.BroadcastID != "" {
		if _, err := r.CompleteIfDrained(ctx, job.BroadcastID); err != nil {
			r.logger.Warn("检查广播完成状态失败", zap.String("broadcast_id", job.BroadcastID), zap.Error(err))
		}
	}
}

// CompleteIfDrained 广播已无待投递渠道时执行 SENDING → SENT
// 并发调用时只有一个能成功，其余返回 false
func (r *DeliveryReporter) CompleteIfDrained(ctx context.Context, broadcastID string) (bool, error) {
	pending, err := r.repo.Notification.CountPendingByBroadcast(ctx, broadcastID)
	if err != nil {
		return false, err
	}
	if pending > 0 {
		return false, nil
	}

	err = r.repo.Broadcast.TransitionStatus(ctx, broadcastID,
		model.BroadcastStatusSending, model.BroadcastStatusSent, r.now())
	if errors.Is(err, pkgerrors.ErrStateConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	r.logger.Info("广播发送完成", zap.String("broadcast_id", broadcastID))
	return true, nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
