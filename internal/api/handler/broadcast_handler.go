package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"kms-connect/backend/internal/dto"
	"kms-connect/backend/internal/recipient"
	"kms-connect/backend/internal/service"
	pkgerrors "kms-connect/backend/pkg/errors"
	"kms-connect/backend/pkg/response"
)

// BroadcastHandler 广播模块 HTTP 处理器（仅管理员）
type BroadcastHandler struct {
	broadcastSvc service.BroadcastService
	recipientSvc service.RecipientService
}

// NewBroadcastHandler 创建 BroadcastHandler
func NewBroadcastHandler(broadcastSvc service.BroadcastService, recipientSvc service.RecipientService) *BroadcastHandler {
	return &BroadcastHandler{broadcastSvc: broadcastSvc, recipientSvc: recipientSvc}
}

// ListBroadcasts 获取广播列表
// GET /api/v1/broadcasts
func (h *BroadcastHandler) ListBroadcasts(c *gin.Context) {
	var req dto.BroadcastListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, 10001, "参数校验失败")
		return
	}

	list, total, err := h.broadcastSvc.List(c.Request.Context(), &req)
	if err != nil {
		response.InternalError(c)
		return
	}

	response.OKPage(c, list, total, req.GetPage(), req.GetPageSize())
}

// GetBroadcast 获取广播详情（含投递汇总）
// GET /api/v1/broadcasts/:id
func (h *BroadcastHandler) GetBroadcast(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		h.handleBroadcastError(c, service.ErrBroadcastNotFound)
		return
	}

	b, err := h.broadcastSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		h.handleBroadcastError(c, err)
		return
	}

	response.OK(c, b)
}

// CreateBroadcast 创建广播（DRAFT）
// POST /api/v1/broadcasts
func (h *BroadcastHandler) CreateBroadcast(c *gin.Context) {
	var req dto.CreateBroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, 10001, "参数校验失败")
		return
	}

	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	b, err := h.broadcastSvc.Create(c.Request.Context(), &req, callerID)
	if err != nil {
		h.handleBroadcastError(c, err)
		return
	}

	response.Created(c, b)
}

// UpdateBroadcast 更新广播，仅 DRAFT 可编辑
// PUT/PATCH /api/v1/broadcasts/:id
func (h *BroadcastHandler) UpdateBroadcast(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		h.handleBroadcastError(c, service.ErrBroadcastNotFound)
		return
	}

	var req dto.UpdateBroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, 10001, "参数校验失败")
		return
	}

	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	b, err := h.broadcastSvc.Update(c.Request.Context(), id, &req, callerID)
	if err != nil {
		h.handleBroadcastError(c, err)
		return
	}

	response.OK(c, b)
}

// SendBroadcast 触发发送；定时未到时返回 202
// POST /api/v1/broadcasts/:id/send
func (h *BroadcastHandler) SendBroadcast(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		h.handleBroadcastError(c, service.ErrBroadcastNotFound)
		return
	}

	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	result, err := h.broadcastSvc.Send(c.Request.Context(), id, callerID)
	if err != nil {
		h.handleBroadcastError(c, err)
		return
	}

	if result.Scheduled {
		response.Accepted(c, result)
		return
	}
	response.OK(c, result)
}

// PreviewRecipients 预览接收人数，请求体即接收人规则
// POST /api/v1/broadcasts/preview-recipients
func (h *BroadcastHandler) PreviewRecipients(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.BadRequest(c, 10001, "读取请求体失败")
		return
	}

	result, err := h.recipientSvc.Preview(c.Request.Context(), raw)
	if err != nil {
		h.handleBroadcastError(c, err)
		return
	}

	response.OK(c, result)
}

func (h *BroadcastHandler) handleBroadcastError(c *gin.Context, err error) {
	if ve, ok := recipient.AsValidationError(err); ok {
		response.ErrorWithDetails(c, http.StatusBadRequest, 17005, "接收人规则无效", ve)
		return
	}

	switch {
	case errors.Is(err, service.ErrBroadcastNotFound):
		response.NotFound(c, 17001, "广播不存在")
	case errors.Is(err, service.ErrBroadcastInvalidState):
		response.Conflict(c, 17002, "广播不处于草稿状态，无法发送")
	case errors.Is(err, service.ErrBroadcastNotEditable):
		response.Conflict(c, 17003, "广播已开始发送，不可编辑")
	case errors.Is(err, service.ErrEmptyRecipients):
		response.Error(c, http.StatusUnprocessableEntity, 17004, "接收人为空，无法发送")
	case errors.Is(err, service.ErrInvalidChannels):
		response.BadRequest(c, 17006, "至少需要一个有效投递渠道")
	case errors.Is(err, pkgerrors.ErrOptimisticLock):
		response.Conflict(c, 17007, "广播已被其他操作修改，请刷新后重试")
	default:
		response.InternalError(c)
	}
}
