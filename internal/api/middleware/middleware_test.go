package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kms-connect/backend/config"
	"kms-connect/backend/pkg/jwt"
	"kms-connect/backend/pkg/redis"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestJWT() *jwt.Manager {
	return jwt.NewManager(&config.AuthConfig{
		JWTSecret:      "middleware-test-secret-0123456789",
		AccessTokenTTL: 15 * time.Minute,
	})
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redis.NewFromCmdable(rdb, zap.NewNop()), mr
}

func okHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"user_id": c.GetString(ContextUserID),
		"role":    c.GetString(ContextRole),
	})
}

// ── JWTAuth ──

func TestJWTAuth_ValidToken(t *testing.T) {
	mgr := newTestJWT()
	token, err := mgr.GenerateAccessToken("user-1", "ADMIN")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", JWTAuth(mgr, nil), okHandler)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":"user-1"`)
	assert.Contains(t, w.Body.String(), `"role":"ADMIN"`)
}

func TestJWTAuth_RevokedToken(t *testing.T) {
	mgr := newTestJWT()
	rdb, mr := newTestRedis(t)
	token, err := mgr.GenerateAccessToken("user-1", "ADMIN")
	require.NoError(t, err)
	claims, err := mgr.ParseToken(token)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", JWTAuth(mgr, rdb), okHandler)

	serve := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, serve())
	// 账户服务注销时写入的黑名单键
	require.NoError(t, mr.Set("token:blacklist:"+claims.ID, "1"))
	assert.Equal(t, http.StatusUnauthorized, serve())
}

func TestJWTAuth_Rejects(t *testing.T) {
	cases := map[string]string{
		"missing header": "",
		"wrong scheme":   "Basic abc",
		"garbage token":  "Bearer not-a-jwt",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			r := gin.New()
			r.GET("/me", JWTAuth(newTestJWT(), nil), okHandler)

			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

// ── RoleAuth ──

func TestRoleAuth(t *testing.T) {
	cases := []struct {
		role   string
		status int
	}{
		{"ADMIN", http.StatusOK},
		{"STAFF", http.StatusOK},
		{"APPLICANT", http.StatusForbidden},
		{"", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.role, func(t *testing.T) {
			r := gin.New()
			r.GET("/admin", func(c *gin.Context) {
				if tc.role != "" {
					c.Set(ContextRole, tc.role)
				}
				c.Next()
			}, RoleAuth("ADMIN", "STAFF"), okHandler)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest("GET", "/admin", nil))

			assert.Equal(t, tc.status, w.Code)
		})
	}
}

// ── RequestID ──

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.GET("/ping", RequestID(), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(requestIDKey))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "abc-123", w.Body.String())

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", requestIDMaxLen+1))
	r.ServeHTTP(w, req)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36, "超长 ID 应被替换为 UUID")
}

// ── BodyLimit ──

func TestBodyLimit(t *testing.T) {
	r := gin.New()
	r.POST("/upload", BodyLimit(16), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/upload", strings.NewReader(strings.Repeat("a", 17))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/upload", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, w.Code)
}

// ── RateLimit ──

func TestRateLimit_NilRedisPassesThrough(t *testing.T) {
	r := gin.New()
	r.POST("/send", RateLimit(nil, 1, time.Minute), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("POST", "/send", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	r := gin.New()
	rdb, _ := newTestRedis(t)
	r.POST("/send", RateLimit(rdb, 2, time.Minute), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("POST", "/send", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
