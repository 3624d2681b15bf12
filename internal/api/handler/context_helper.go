package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"kms-connect/backend/pkg/response"
)

// MustGetUserID 从 Gin 上下文中安全提取 user_id。
// JWT 中间件未注入 user_id 时写入 401 响应并返回 false，调用方应直接 return。
func MustGetUserID(c *gin.Context) (string, bool) {
	return mustGetString(c, "user_id")
}

// MustGetRole 从 Gin 上下文中安全提取 role。
func MustGetRole(c *gin.Context) (string, bool) {
	return mustGetString(c, "role")
}

func mustGetString(c *gin.Context, key string) (string, bool) {
	v, exists := c.Get(key)
	if !exists {
		response.Unauthorized(c, 10002, "未认证")
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		response.Unauthorized(c, 10002, "未认证")
		return "", false
	}
	return s, true
}

// pathUUID 读取路径参数 id 并规范化为小写连字符形式，非 UUID 时返回 false
func pathUUID(c *gin.Context) (string, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return "", false
	}
	return id.String(), true
}
