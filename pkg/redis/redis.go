package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kms-connect/backend/config"
)

// Client Redis 客户端封装
// 用于 Token 黑名单、接口限流与未读数缓存；调用方持有 nil *Client 时各方法降级为空操作
type Client struct {
	rdb    goredis.Cmdable
	closer func() error
	logger *zap.Logger
}

// NewClient 创建 Redis 连接并执行 Ping 健康检查
func NewClient(cfg *config.RedisConfig, logger *zap.Logger) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("Redis 连接失败: %w", err)
	}

	logger.Info("Redis 连接成功", zap.String("addr", cfg.Addr))

	return &Client{rdb: rdb, closer: rdb.Close, logger: logger}, nil
}

// NewFromCmdable 基于已有连接构造客户端（测试或复用连接池）
func NewFromCmdable(rdb goredis.Cmdable, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, closer: func() error { return nil }, logger: logger}
}

// ── Token 黑名单 ──

// 黑名单由账户服务在注销时写入，本服务只读
const blacklistPrefix = "token:blacklist:"

// IsBlacklisted 检查 JWT ID 是否在黑名单中
func (c *Client) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	if c == nil {
		return false, nil
	}
	n, err := c.rdb.Exists(ctx, blacklistPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ── 滑动窗口限流 ──

const rateLimitPrefix = "ratelimit:"

// CheckRateLimit 在 window 内最多允许 limit 次请求，返回是否放行
// 基于有序集合记录请求时间戳，先清理窗口外记录再计数
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if c == nil {
		return true, nil
	}

	now := time.Now()
	fullKey := rateLimitPrefix + key
	windowStart := now.Add(-window).UnixNano()

	pipe := c.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, fullKey, "0", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	if countCmd.Val() >= int64(limit) {
		return false, nil
	}

	pipe = c.rdb.TxPipeline()
	pipe.ZAdd(ctx, fullKey, goredis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	pipe.Expire(ctx, fullKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ── 未读数缓存 ──
//
// 每个用户维护一个代数（generation），失效时 INCR 代数并删除缓存值。
// 缓存值以 "<代数>:<未读数>" 存储，读取时代数不一致即视为未命中，
// 因此回源期间发生失效时，随后写入的旧值不会被读到。

const (
	unreadPrefix    = "notif:unread:"
	unreadGenPrefix = "notif:unread:gen:"
)

func unreadKey(userID string) string {
	return unreadPrefix + userID
}

func unreadGenKey(userID string) string {
	return unreadGenPrefix + userID
}

// GetUnreadCount 读取缓存的未读数与当前代数，未命中时 ok=false
// 未命中时调用方应先持有返回的 gen 再回源，并以该 gen 调用 SetUnreadCount
func (c *Client) GetUnreadCount(ctx context.Context, userID string) (count, gen int64, ok bool, err error) {
	if c == nil {
		return 0, 0, false, nil
	}
	vals, err := c.rdb.MGet(ctx, unreadKey(userID), unreadGenKey(userID)).Result()
	if err != nil {
		return 0, 0, false, err
	}
	if s, isStr := vals[1].(string); isStr {
		if gen, err = strconv.ParseInt(s, 10, 64); err != nil {
			return 0, 0, false, fmt.Errorf("未读数代数格式无效: %w", err)
		}
	}

	s, isStr := vals[0].(string)
	if !isStr {
		return 0, gen, false, nil
	}
	cachedGen, rawCount, found := strings.Cut(s, ":")
	if !found || cachedGen != strconv.FormatInt(gen, 10) {
		return 0, gen, false, nil
	}
	count, err = strconv.ParseInt(rawCount, 10, 64)
	if err != nil {
		return 0, gen, false, nil
	}
	return count, gen, true, nil
}

// SetUnreadCount 以回源前读取的代数写入未读数缓存
func (c *Client) SetUnreadCount(ctx context.Context, userID string, gen, count int64, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	return c.rdb.Set(ctx, unreadKey(userID), fmt.Sprintf("%d:%d", gen, count), ttl).Err()
}

// InvalidateUnreadCount 递增一个或多个用户的代数并删除缓存值
// 代数键不设过期，避免过期重置后与旧值的代数重合
func (c *Client) InvalidateUnreadCount(ctx context.Context, userIDs ...string) error {
	if c == nil || len(userIDs) == 0 {
		return nil
	}

	pipe := c.rdb.Pipeline()
	for _, id := range userIDs {
		pipe.Incr(ctx, unreadGenKey(id))
		pipe.Del(ctx, unreadKey(id))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close 关闭 Redis 连接
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.closer()
}
