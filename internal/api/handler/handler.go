package handler

import "kms-connect/backend/internal/service"

// Handler 所有 Handler 的聚合入口
type Handler struct {
	Notification *NotificationHandler
	Broadcast    *BroadcastHandler
	Export       *ExportHandler
}

// NewHandler 创建 Handler 聚合
func NewHandler(svc *service.Service) *Handler {
	return &Handler{
		Notification: NewNotificationHandler(svc.Notification),
		Broadcast:    NewBroadcastHandler(svc.Broadcast, svc.Recipient),
		Export:       NewExportHandler(svc.Export),
	}
}
