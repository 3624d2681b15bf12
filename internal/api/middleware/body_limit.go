package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"kms-connect/backend/pkg/response"
)

// BodyLimit 请求体大小限制中间件
// Content-Length 已超限时直接拒绝，否则以 MaxBytesReader 兜底（绑定时报错）
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			response.Error(c, http.StatusRequestEntityTooLarge, 10005, "请求体过大")
			c.Abort()
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}

		c.Next()
	}
}
