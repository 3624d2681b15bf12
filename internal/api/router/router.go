package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kms-connect/backend/config"
	"kms-connect/backend/internal/api/handler"
	"kms-connect/backend/internal/api/middleware"
	"kms-connect/backend/internal/model"
	"kms-connect/backend/pkg/jwt"
	"kms-connect/backend/pkg/redis"
)

const maxBodyBytes = 1 << 20

// Setup 初始化并返回 Gin 路由引擎
func Setup(cfg *config.Config, h *handler.Handler, jwtMgr *jwt.Manager, rdb *redis.Client, logger *zap.Logger) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)

	if err := handler.RegisterValidators(); err != nil {
		return nil, err
	}

	r := gin.New()

	// ── 全局中间件 ──
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Server.CORS.AllowOrigins))
	r.Use(middleware.BodyLimit(maxBodyBytes))

	// ── 健康检查 ──
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	adminOnly := middleware.RoleAuth(model.RoleAdmin, model.RoleStaff)

	// ── API v1 ──
	v1 := r.Group("/api/v1")
	v1.Use(middleware.JWTAuth(jwtMgr, rdb))
	{
		// 通知模块（当前用户）
		notifications := v1.Group("/notifications")
		{
			notifications.GET("", h.Notification.ListNotifications)
			notifications.GET("/unread-count", h.Notification.UnreadCount)
			notifications.POST("/mark-all-read", h.Notification.MarkAllRead)
			notifications.POST("/direct", adminOnly, h.Notification.CreateDirect)
			notifications.GET("/:id", h.Notification.GetNotification)
			notifications.PATCH("/:id/mark-read", h.Notification.MarkRead)
		}

		// 广播模块（管理员）
		broadcasts := v1.Group("/broadcasts")
		broadcasts.Use(adminOnly)
		{
			broadcasts.GET("", h.Broadcast.ListBroadcasts)
			broadcasts.POST("", h.Broadcast.CreateBroadcast)
			broadcasts.POST("/preview-recipients", middleware.RateLimit(rdb, 30, time.Minute), h.Broadcast.PreviewRecipients)
			broadcasts.GET("/:id", h.Broadcast.GetBroadcast)
			broadcasts.PUT("/:id", h.Broadcast.UpdateBroadcast)
			broadcasts.PATCH("/:id", h.Broadcast.UpdateBroadcast)
			broadcasts.POST("/:id/send", middleware.RateLimit(rdb, 10, time.Minute), h.Broadcast.SendBroadcast)
			broadcasts.GET("/:id/deliveries/export", h.Export.ExportDeliveries)
		}
	}

	return r, nil
}
