package service

import (
	"context"

	"go.uber.org/zap"

	"kms-connect/backend/internal/dto"
	"kms-connect/backend/internal/recipient"
	"kms-connect/backend/internal/repository"
)

// RecipientService 接收人解析业务接口
//
// 预览与发送共用同一查询构造，不发送任何内容、不写入任何数据。
type RecipientService interface {
	// Preview 解析原始规则并返回匹配人数；规则非法时返回 *recipient.ValidationError
	Preview(ctx context.Context, raw []byte) (*dto.PreviewRecipientsResponse, error)
	// Count 已解析规则的匹配人数
	Count(ctx context.Context, spec recipient.Spec) (int64, error)
	// Resolve 返回去重后的有效用户 ID（升序）
	Resolve(ctx context.Context, spec recipient.Spec) ([]string, error)
}

type recipientService struct {
	repo   *repository.Repository
	logger *zap.Logger
}

// NewRecipientService 创建 RecipientService 实例
func NewRecipientService(repo *repository.Repository, logger *zap.Logger) RecipientService {
	return &recipientService{repo: repo, logger: logger}
}

// ────────────────────── Preview ──────────────────────

func (s *recipientService) Preview(ctx context.Context, raw []byte) (*dto.PreviewRecipientsResponse, error) {
	spec, err := recipient.Parse(raw)
	if err != nil {
		return nil, err
	}

	count, err := s.Count(ctx, spec)
	if err != nil {
		return nil, err
	}

	return &dto.PreviewRecipientsResponse{Type: string(spec.Kind()), Count: count}, nil
}

// ────────────────────── Count ──────────────────────

func (s *recipientService) Count(ctx context.Context, spec recipient.Spec) (int64, error) {
	count, err := s.repo.User.CountRecipients(ctx, spec)
	if err != nil {
		s.logger.Error("统计接收人失败", zap.String("type", string(spec.Kind())), zap.Error(err))
		return 0, err
	}
	return count, nil
}

// ────────────────────── Resolve ──────────────────────

func (s *recipientService) Resolve(ctx context.Context, spec recipient.Spec) ([]string, error) {
	ids, err := s.repo.User.ListRecipientIDs(ctx, spec)
	if err != nil {
		s.logger.Error("解析接收人失败", zap.String("type", string(spec.Kind())), zap.Error(err))
		return nil, err
	}

	if users, ok := spec.(recipient.ByUserIDs); ok && len(ids) < len(users.UserIDs) {
		s.logger.Info("指定用户中部分已不存在或已停用，已剔除",
			zap.Int("requested", len(users.UserIDs)),
			zap.Int("resolved", len(ids)),
		)
	}
	return ids, nil
}
