package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"kms-connect/backend/internal/dto"
	"kms-connect/backend/internal/service"
	"kms-connect/backend/pkg/response"
)

// NotificationHandler 通知模块 HTTP 处理器
type NotificationHandler struct {
	notificationSvc service.NotificationService
}

// NewNotificationHandler 创建 NotificationHandler
func NewNotificationHandler(notificationSvc service.NotificationService) *NotificationHandler {
	return &NotificationHandler{notificationSvc: notificationSvc}
}

// ListNotifications 获取当前用户的通知列表
// GET /api/v1/notifications
func (h *NotificationHandler) ListNotifications(c *gin.Context) {
	var req dto.NotificationListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, 10001, "参数校验失败")
		return
	}

	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	list, total, err := h.notificationSvc.List(c.Request.Context(), userID, &req)
	if err != nil {
		response.InternalError(c)
		return
	}

	response.OKPage(c, list, total, req.GetPage(), req.GetPageSize())
}

// GetNotification 获取通知详情，非本人通知返回 404
// GET /api/v1/notifications/:id
func (h *NotificationHandler) GetNotification(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		h.handleNotificationError(c, service.ErrNotificationNotFound)
		return
	}

	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	n, err := h.notificationSvc.GetByID(c.Request.Context(), id, userID)
	if err != nil {
		h.handleNotificationError(c, err)
		return
	}

	response.OK(c, n)
}

// MarkRead 标记单条通知已读（幂等）
// PATCH /api/v1/notifications/:id/mark-read
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		h.handleNotificationError(c, service.ErrNotificationNotFound)
		return
	}

	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	n, err := h.notificationSvc.MarkRead(c.Request.Context(), id, userID)
	if err != nil {
		h.handleNotificationError(c, err)
		return
	}

	response.OK(c, n)
}

// MarkAllRead 标记当前用户全部通知已读
// POST /api/v1/notifications/mark-all-read
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	result, err := h.notificationSvc.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c)
		return
	}

	response.OK(c, result)
}

// UnreadCount 获取未读数
// GET /api/v1/notifications/unread-count
func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	result, err := h.notificationSvc.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c)
		return
	}

	response.OK(c, result)
}

// CreateDirect 管理员向单个用户直发通知
// POST /api/v1/notifications/direct
func (h *NotificationHandler) CreateDirect(c *gin.Context) {
	var req dto.CreateDirectNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, 10001, "参数校验失败")
		return
	}

	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	n, err := h.notificationSvc.CreateDirect(c.Request.Context(), &req, callerID)
	if err != nil {
		h.handleNotificationError(c, err)
		return
	}

	response.Created(c, n)
}

func (h *NotificationHandler) handleNotificationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotificationNotFound):
		response.NotFound(c, 16001, "通知不存在")
	case errors.Is(err, service.ErrRecipientUserNotFound):
		response.NotFound(c, 16002, "接收用户不存在或已停用")
	case errors.Is(err, service.ErrInvalidChannels):
		response.BadRequest(c, 16003, "至少需要一个有效投递渠道")
	default:
		response.InternalError(c)
	}
}
