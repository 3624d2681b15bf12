package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kms-connect/backend/internal/model"
)

// NotificationFilter 用户通知列表筛选条件
type NotificationFilter struct {
	IsRead   *bool
	Category string
	Priority string
	Offset   int
	Limit    int
}

// NotificationRepository 通知数据访问接口
type NotificationRepository interface {
	Create(ctx context.Context, n *model.Notification) error
	// BatchUpsert 分块写入，(broadcast_id, user_id) 冲突时跳过，返回实际新增行数
	BatchUpsert(ctx context.Context, rows []model.Notification, batchSize int) (int64, error)
	GetByIDForUser(ctx context.Context, id, userID string) (*model.Notification, error)
	ListByUser(ctx context.Context, userID string, filter NotificationFilter) ([]model.Notification, int64, error)
	// MarkRead 按所有者限定更新；不属于 userID 时返回 gorm.ErrRecordNotFound，已读时 changed=false
	MarkRead(ctx context.Context, id, userID string, at time.Time) (changed bool, err error)
	MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error)
	CountUnread(ctx context.Context, userID string) (int64, error)

	// ── 投递状态 ──

	// ListPendingDeliveries 按 notification_id 游标分页列出待投递的 (notification, channel) 对
	// next 为空表示已无更多数据
	ListPendingDeliveries(ctx context.Context, broadcastID, after string, limit int) (pairs []model.PendingDelivery, next string, err error)
	ListPendingByNotification(ctx context.Context, notificationID string) ([]model.PendingDelivery, error)
	// MarkChannelResult 仅对仍处于 pending 的渠道写入终态
	MarkChannelResult(ctx context.Context, outcome model.DeliveryOutcome) error
	CountPendingByBroadcast(ctx context.Context, broadcastID string) (int64, error)
	SummaryByBroadcast(ctx context.Context, broadcastID string) (*model.DeliverySummary, error)
	ListDeliveryReport(ctx context.Context, broadcastID string) ([]model.DeliveryReportRow, error)
}

type notificationRepo struct {
	db *gorm.DB
}

// NewNotificationRepo 创建 NotificationRepository 实例
func NewNotificationRepo(db *gorm.DB) NotificationRepository {
	return &notificationRepo{db: db}
}

func (r *notificationRepo) Create(ctx context.Context, n *model.Notification) error {
	return r.db.WithContext(ctx).Create(n).Error
}

// BatchUpsert 每个分块是独立语句，避免大广播长时间持锁
// 调用方需预先生成 NotificationID，ON CONFLICT DO NOTHING 时 RETURNING 行数少于输入
func (r *notificationRepo) BatchUpsert(ctx context.Context, rows []model.Notification, batchSize int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = len(rows)
	}

	var inserted int64
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		result := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "broadcast_id"}, {Name: "user_id"}},
				DoNothing: true,
			}).
			Create(&chunk)
		if result.Error != nil {
			return inserted, fmt.Errorf("写入通知分块 [%d,%d) 失败: %w", start, end, result.Error)
		}
		inserted += result.RowsAffected
	}
	return inserted, nil
}

func (r *notificationRepo) GetByIDForUser(ctx context.Context, id, userID string) (*model.Notification, error) {
	var n model.Notification
	err := r.db.WithContext(ctx).
		Where("notification_id = ? AND user_id = ? AND in_app = ?", id, userID, true).
		First(&n).Error
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *notificationRepo) ListByUser(ctx context.Context, userID string, filter NotificationFilter) ([]model.Notification, int64, error) {
	var list []model.Notification
	var total int64

	db := r.db.WithContext(ctx).
		Model(&model.Notification{}).
		Where("user_id = ? AND in_app = ?", userID, true)
	if filter.IsRead != nil {
		db = db.Where("is_read = ?", *filter.IsRead)
	}
	if filter.Category != "" {
		db = db.Where("category = ?", filter.Category)
	}
	if filter.Priority != "" {
		db = db.Where("priority = ?", filter.Priority)
	}

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if err := db.Order("created_at DESC, notification_id DESC").
		Offset(filter.Offset).Limit(filter.Limit).
		Find(&list).Error; err != nil {
		return nil, 0, err
	}

	return list, total, nil
}

func (r *notificationRepo) MarkRead(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Notification{}).
		Where("notification_id = ? AND user_id = ? AND in_app = ? AND is_read = ?", id, userID, true, false).
		Updates(map[string]interface{}{
			"is_read":    true,
			"read_at":    at,
			"updated_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// 未更新：已读（幂等成功）或不属于该用户
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&model.Notification{}).
		Where("notification_id = ? AND user_id = ? AND in_app = ?", id, userID, true).
		Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, gorm.ErrRecordNotFound
	}
	return false, nil
}

func (r *notificationRepo) MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Notification{}).
		Where("user_id = ? AND in_app = ? AND is_read = ?", userID, true, false).
		Updates(map[string]interface{}{
			"is_read":    true,
			"read_at":    at,
			"updated_at": at,
		})
	return result.RowsAffected, result.Error
}

func (r *notificationRepo) CountUnread(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Notification{}).
		Where("user_id = ? AND in_app = ? AND is_read = ?", userID, true, false).
		Count(&count).Error
	return count, err
}

// ── 投递状态 ──

// pendingRow 待投递通知的扫描结构
type pendingRow struct {
	NotificationID string
	BroadcastID    *string
	UserID         string
	Email          string
	Title          string
	Body           string
	Category       string
	Priority       string
	ActionURL      *string
	ActionLabel    string
	EmailStatus    string
	EmailAttempts  int
	PushStatus     string
	PushAttempts   int
}

func (p pendingRow) expand() []model.PendingDelivery {
	out := make([]model.PendingDelivery, 0, 2)
	base := model.PendingDelivery{
		NotificationID: p.NotificationID,
		BroadcastID:    p.BroadcastID,
		UserID:         p.UserID,
		Email:          p.Email,
		Title:          p.Title,
		Body:           p.Body,
		Category:       p.Category,
		Priority:       p.Priority,
		ActionURL:      p.ActionURL,
		ActionLabel:    p.ActionLabel,
	}
	if p.EmailStatus == model.DeliveryPending {
		d := base
		d.Channel = model.ChannelEmail
		d.Attempts = p.EmailAttempts
		out = append(out, d)
	}
	if p.PushStatus == model.DeliveryPending {
		d := base
		d.Channel = model.ChannelPush
		d.Attempts = p.PushAttempts
		out = append(out, d)
	}
	return out
}

func (r *notificationRepo) pendingQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Table("notifications n").
		Select(`n.notification_id, n.broadcast_id, n.user_id, COALESCE(u.email, '') AS email,
			n.title, n.body, n.category, n.priority, n.action_url, n.action_label,
			n.email_status, n.email_attempts, n.push_status, n.push_attempts`).
		Joins("LEFT JOIN users u ON u.user_id = n.user_id").
		Where("(n.email_status = ? OR n.push_status = ?)", model.DeliveryPending, model.DeliveryPending)
}

func (r *notificationRepo) ListPendingDeliveries(ctx context.Context, broadcastID, after string, limit int) ([]model.PendingDelivery, string, error) {
	db := r.pendingQuery(ctx).Where("n.broadcast_id = ?", broadcastID)
	if after != "" {
		db = db.Where("n.notification_id > ?", after)
	}

	var rows []pendingRow
	if err := db.Order("n.notification_id ASC").Limit(limit).Scan(&rows).Error; err != nil {
		return nil, "", err
	}

	pairs := make([]model.PendingDelivery, 0, len(rows)*2)
	for _, row := range rows {
		pairs = append(pairs, row.expand()...)
	}

	next := ""
	if len(rows) == limit && limit > 0 {
		next = rows[len(rows)-1].NotificationID
	}
	return pairs, next, nil
}

func (r *notificationRepo) ListPendingByNotification(ctx context.Context, notificationID string) ([]model.PendingDelivery, error) {
	var rows []pendingRow
	if err := r.pendingQuery(ctx).
		Where("n.notification_id = ?", notificationID).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	var pairs []model.PendingDelivery
	for _, row := range rows {
		pairs = append(pairs, row.expand()...)
	}
	return pairs, nil
}

func (r *notificationRepo) MarkChannelResult(ctx context.Context, o model.DeliveryOutcome) error {
	var prefix string
	switch o.Channel {
	case model.ChannelEmail:
		prefix = "email"
	case model.ChannelPush:
		prefix = "push"
	default:
		return fmt.Errorf("渠道 %q 无投递状态", o.Channel)
	}

	status := model.DeliveryFailed
	updates := map[string]interface{}{
		prefix + "_attempts": o.Attempts,
		prefix + "_error":    o.Error,
		"updated_at":         o.At,
	}
	if o.Sent {
		status = model.DeliverySent
		updates[prefix+"_sent"] = true
		updates[prefix+"_sent_at"] = o.At
	}
	updates[prefix+"_status"] = status

	return r.db.WithContext(ctx).
		Model(&model.Notification{}).
		Where("notification_id = ? AND "+prefix+"_status = ?", o.NotificationID, model.DeliveryPending).
		Updates(updates).Error
}

func (r *notificationRepo) CountPendingByBroadcast(ctx context.Context, broadcastID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Notification{}).
		Where("broadcast_id = ? AND (email_status = ? OR push_status = ?)",
			broadcastID, model.DeliveryPending, model.DeliveryPending).
		Count(&count).Error
	return count, err
}

func (r *notificationRepo) SummaryByBroadcast(ctx context.Context, broadcastID string) (*model.DeliverySummary, error) {
	var row struct {
		Total        int64
		Read         int64
		EmailPending int64
		EmailSent    int64
		EmailFailed  int64
		PushPending  int64
		PushSent     int64
		PushFailed   int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.Notification{}).
		Select(`COUNT(*) AS total,
			COUNT(*) FILTER (WHERE is_read) AS read,
			COUNT(*) FILTER (WHERE email_status = 'pending') AS email_pending,
			COUNT(*) FILTER (WHERE email_status = 'sent') AS email_sent,
			COUNT(*) FILTER (WHERE email_status = 'failed') AS email_failed,
			COUNT(*) FILTER (WHERE push_status = 'pending') AS push_pending,
			COUNT(*) FILTER (WHERE push_status = 'sent') AS push_sent,
			COUNT(*) FILTER (WHERE push_status = 'failed') AS push_failed`).
		Where("broadcast_id = ?", broadcastID).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &model.DeliverySummary{
		Total: row.Total,
		Read:  row.Read,
		Email: model.ChannelSummary{Pending: row.EmailPending, Sent: row.EmailSent, Failed: row.EmailFailed},
		Push:  model.ChannelSummary{Pending: row.PushPending, Sent: row.PushSent, Failed: row.PushFailed},
	}, nil
}

func (r *notificationRepo) ListDeliveryReport(ctx context.Context, broadcastID string) ([]model.DeliveryReportRow, error) {
	var rows []model.DeliveryReportRow
	err := r.db.WithContext(ctx).
		Table("notifications n").
		Select(`n.notification_id, n.user_id, COALESCE(u.email, '') AS email, COALESCE(u.full_name, '') AS full_name,
			n.is_read, n.read_at,
			n.email_status, n.email_sent_at, n.email_attempts, n.email_error,
			n.push_status, n.push_sent_at, n.push_attempts, n.push_error, n.created_at`).
		Joins("LEFT JOIN users u ON u.user_id = n.user_id").
		Where("n.broadcast_id = ?", broadcastID).
		Order("u.email ASC, n.notification_id ASC").
		Scan(&rows).Error
	return rows, err
}
