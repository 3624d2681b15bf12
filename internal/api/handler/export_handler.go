package handler

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"kms-connect/backend/internal/service"
	"kms-connect/backend/pkg/response"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ExportHandler 导出模块 HTTP 处理器
type ExportHandler struct {
	exportSvc service.ExportService
}

// NewExportHandler 创建 ExportHandler
func NewExportHandler(exportSvc service.ExportService) *ExportHandler {
	return &ExportHandler{exportSvc: exportSvc}
}

// ExportDeliveries 导出广播投递明细
// GET /api/v1/broadcasts/:id/deliveries/export
func (h *ExportHandler) ExportDeliveries(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		h.handleExportError(c, service.ErrBroadcastNotFound)
		return
	}

	buf, filename, err := h.exportSvc.ExportDeliveries(c.Request.Context(), id)
	if err != nil {
		h.handleExportError(c, err)
		return
	}

	c.Header("Content-Description", "File Transfer")
	c.Header("Content-Disposition", "attachment; filename*=UTF-8''"+url.QueryEscape(filename))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

func (h *ExportHandler) handleExportError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrBroadcastNotFound):
		response.NotFound(c, 17001, "广播不存在")
	case errors.Is(err, service.ErrExportBroadcastDraft):
		response.BadRequest(c, 17101, "广播尚未发送，暂无投递记录")
	default:
		response.InternalError(c)
	}
}
