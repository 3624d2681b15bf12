package delivery

import (
	"context"

	"kms-connect/backend/internal/model"
)

// InAppHandler 站内信：通知行写入即视为送达
type InAppHandler struct{}

// NewInAppHandler 创建站内信处理器
func NewInAppHandler() *InAppHandler { return &InAppHandler{} }

// Channel 实现 Handler
func (*InAppHandler) Channel() model.Channel { return model.ChannelInApp }

// Deliver 实现 Handler
func (*InAppHandler) Deliver(context.Context, Job) Result { return Delivered() }
