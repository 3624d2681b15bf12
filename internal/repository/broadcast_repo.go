package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"kms-connect/backend/internal/model"
	pkgerrors "kms-connect/backend/pkg/errors"
)

// BroadcastFilter 广播列表筛选条件
type BroadcastFilter struct {
	Status    string
	CreatedBy string
	Offset    int
	Limit     int
}

// BroadcastRepository 广播数据访问接口
type BroadcastRepository interface {
	Create(ctx context.Context, b *model.Broadcast) error
	GetByID(ctx context.Context, id string) (*model.Broadcast, error)
	List(ctx context.Context, filter BroadcastFilter) ([]model.Broadcast, int64, error)
	// Update 仅更新 DRAFT 状态的广播，version 不匹配或状态已变更时返回 ErrOptimisticLock
	Update(ctx context.Context, b *model.Broadcast) error
	// StartSending DRAFT → SENDING，仅当 version 仍为快照值时生效，否则返回 ErrStateConflict
	// dueBy 非空时另要求 scheduled_at 已设置且不晚于 dueBy（定时扫描）
	StartSending(ctx context.Context, id string, version int, dueBy *time.Time, at time.Time) error
	// TransitionStatus 原子比较交换状态，仅当前状态为 from 时生效，否则返回 ErrStateConflict
	TransitionStatus(ctx context.Context, id, from, to string, at time.Time) error
	MarkMaterialized(ctx context.Context, id string, total int, at time.Time) error
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]model.Broadcast, error)
	ListByStatus(ctx context.Context, status string) ([]model.Broadcast, error)
}

type broadcastRepo struct {
	db *gorm.DB
}

// NewBroadcastRepo 创建 BroadcastRepository 实例
func NewBroadcastRepo(db *gorm.DB) BroadcastRepository {
	return &broadcastRepo{db: db}
}

func (r *broadcastRepo) Create(ctx context.Context, b *model.Broadcast) error {
	return r.db.WithContext(ctx).Create(b).Error
}

func (r *broadcastRepo) GetByID(ctx context.Context, id string) (*model.Broadcast, error) {
	var b model.Broadcast
	err := r.db.WithContext(ctx).
		Where("broadcast_id = ?", id).
		First(&b).Error
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *broadcastRepo) List(ctx context.Context, filter BroadcastFilter) ([]model.Broadcast, int64, error) {
	var list []model.Broadcast
	var total int64

	db := r.db.WithContext(ctx).Model(&model.Broadcast{})
	if filter.Status != "" {
		db = db.Where("status = ?", filter.Status)
	}
	if filter.CreatedBy != "" {
		db = db.Where("created_by = ?", filter.CreatedBy)
	}

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if err := db.Order("created_at DESC").
		Offset(filter.Offset).Limit(filter.Limit).
		Find(&list).Error; err != nil {
		return nil, 0, err
	}

	return list, total, nil
}

func (r *broadcastRepo) Update(ctx context.Context, b *model.Broadcast) error {
	oldVersion := b.Version
	result := r.db.WithContext(ctx).
		Model(&model.Broadcast{}).
		Where("broadcast_id = ? AND version = ? AND status = ?", b.BroadcastID, oldVersion, model.BroadcastStatusDraft).
		Updates(map[string]interface{}{
			"title":          b.Title,
			"body":           b.Body,
			"category":       b.Category,
			"priority":       b.Priority,
			"recipient_spec": b.RecipientSpec,
			"channels":       b.Channels,
			"action_url":     b.ActionURL,
			"action_label":   b.ActionLabel,
			"scheduled_at":   b.ScheduledAt,
			"updated_by":     b.UpdatedBy,
			"updated_at":     time.Now(),
			"version":        oldVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pkgerrors.ErrOptimisticLock
	}
	b.Version = oldVersion + 1
	return nil
}

// StartSending 以快照 version 为条件，保证赢得 CAS 的调用方使用的正是已提交的内容
func (r *broadcastRepo) StartSending(ctx context.Context, id string, version int, dueBy *time.Time, at time.Time) error {
	query := r.db.WithContext(ctx).
		Model(&model.Broadcast{}).
		Where("broadcast_id = ? AND status = ? AND version = ?", id, model.BroadcastStatusDraft, version)
	if dueBy != nil {
		query = query.Where("scheduled_at IS NOT NULL AND scheduled_at <= ?", *dueBy)
	}

	result := query.Updates(map[string]interface{}{
		"status":             model.BroadcastStatusSending,
		"sending_started_at": at,
		"updated_at":         at,
		"version":            gorm.Expr("version + 1"),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pkgerrors.ErrStateConflict
	}
	return nil
}

// TransitionStatus 状态迁移同时递增 version，使并发中的编辑请求失效
func (r *broadcastRepo) TransitionStatus(ctx context.Context, id, from, to string, at time.Time) error {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": at,
		"version":    gorm.Expr("version + 1"),
	}
	switch to {
	case model.BroadcastStatusSending:
		updates["sending_started_at"] = at
	case model.BroadcastStatusSent:
		updates["sent_at"] = at
	}

	result := r.db.WithContext(ctx).
		Model(&model.Broadcast{}).
		Where("broadcast_id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pkgerrors.ErrStateConflict
	}
	return nil
}

func (r *broadcastRepo) MarkMaterialized(ctx context.Context, id string, total int, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.Broadcast{}).
		Where("broadcast_id = ?", id).
		Updates(map[string]interface{}{
			"total_recipients": total,
			"materialized_at":  at,
			"updated_at":       at,
		}).Error
}

func (r *broadcastRepo) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]model.Broadcast, error) {
	var list []model.Broadcast
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", model.BroadcastStatusDraft, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *broadcastRepo) ListByStatus(ctx context.Context, status string) ([]model.Broadcast, error) {
	var list []model.Broadcast
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&list).Error
	return list, err
}
