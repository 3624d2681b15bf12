package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"kms-connect/backend/internal/model"
	"kms-connect/backend/internal/recipient"
)

// UserRepository 用户数据访问接口（只读，数据归属账户服务）
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	// CountRecipients 仅执行 COUNT 查询，不物化用户行
	CountRecipients(ctx context.Context, spec recipient.Spec) (int64, error)
	// ListRecipientIDs 返回按 user_id 排序的去重 ID 列表
	ListRecipientIDs(ctx context.Context, spec recipient.Spec) ([]string, error)
}

// userRepo UserRepository 的 GORM 实现
type userRepo struct {
	db *gorm.DB
}

// NewUserRepo 创建 UserRepository 实例
func NewUserRepo(db *gorm.DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).
		Where("user_id = ?", id).
		First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepo) CountRecipients(ctx context.Context, spec recipient.Spec) (int64, error) {
	db, err := r.recipientQuery(ctx, spec)
	if err != nil {
		return 0, err
	}
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (r *userRepo) ListRecipientIDs(ctx context.Context, spec recipient.Spec) ([]string, error) {
	db, err := r.recipientQuery(ctx, spec)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := db.Order("users.user_id ASC").Pluck("users.user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// recipientQuery 预览与解析共用同一查询构造，保证计数与实际发送人数一致
// 基线条件：账户处于激活状态
func (r *userRepo) recipientQuery(ctx context.Context, spec recipient.Spec) (*gorm.DB, error) {
	db := r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("users.is_active = ?", true)

	switch s := spec.(type) {
	case recipient.All:
	case recipient.ByRoles:
		db = db.Where("users.role IN ?", s.Roles)
	case recipient.ByUserIDs:
		if len(s.UserIDs) == 0 {
			return db.Where("1 = 0"), nil
		}
		db = db.Where("users.user_id IN ?", s.UserIDs)
	case recipient.ByFilters:
		db = applyFilters(db, s.Filters)
	default:
		return nil, fmt.Errorf("不支持的接收人规则类型 %T", spec)
	}
	return db, nil
}

func applyFilters(db *gorm.DB, f recipient.Filters) *gorm.DB {
	if f.NeedsApplicantProfile() {
		db = db.Joins("JOIN applicant_profiles ap ON ap.user_id = users.user_id")
	}
	if f.Role != nil {
		db = db.Where("users.role = ?", *f.Role)
	}
	if f.EmailVerified != nil {
		db = db.Where("users.email_verified = ?", *f.EmailVerified)
	}
	if f.VerificationStatus != nil {
		db = db.Where("ap.verification_status = ?", *f.VerificationStatus)
	}
	if f.RegionCode != nil {
		db = db.Where("ap.region_code = ?", *f.RegionCode)
	}
	if f.JoinedAfter != nil {
		db = db.Where("users.created_at >= ?", f.JoinedAfter.Time)
	}
	if f.JoinedBefore != nil {
		db = db.Where("users.created_at < ?", f.JoinedBefore.Time)
	}
	if f.ApplicantCreatedAfter != nil {
		db = db.Where("ap.created_at >= ?", f.ApplicantCreatedAfter.Time)
	}
	if f.ApplicantCreatedBefore != nil {
		db = db.Where("ap.created_at < ?", f.ApplicantCreatedBefore.Time)
	}
	return db
}
