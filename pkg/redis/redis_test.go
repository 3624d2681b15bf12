package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromCmdable(rdb, zap.NewNop()), mr
}

func TestNilClientIsNoop(t *testing.T) {
	var c *Client
	ctx := context.Background()

	_, _, ok, err := c.GetUnreadCount(ctx, "u1")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, c.SetUnreadCount(ctx, "u1", 0, 3, time.Minute))
	assert.NoError(t, c.InvalidateUnreadCount(ctx, "u1"))

	allowed, err := c.CheckRateLimit(ctx, "k", 1, time.Minute)
	assert.NoError(t, err)
	assert.True(t, allowed)
	assert.NoError(t, c.Close())
}

// ── Token 黑名单 ──

func TestIsBlacklisted_FollowsKeyTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(blacklistPrefix+"jti-1", "1"))
	mr.SetTTL(blacklistPrefix+"jti-1", time.Minute)

	revoked, err := c.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, _ = c.IsBlacklisted(ctx, "jti-2")
	assert.False(t, revoked)

	mr.FastForward(2 * time.Minute)
	revoked, _ = c.IsBlacklisted(ctx, "jti-1")
	assert.False(t, revoked)
}

// ── 限流 ──

func TestCheckRateLimit_WindowLimit(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := c.CheckRateLimit(ctx, "send:u1", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, err := c.CheckRateLimit(ctx, "send:u1", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, _ = c.CheckRateLimit(ctx, "send:u2", 2, time.Minute)
	assert.True(t, allowed, "不同 key 独立计数")
}

// ── 未读数缓存 ──

func TestUnreadCount_HitAfterSet(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, gen, ok, err := c.GetUnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), gen)

	require.NoError(t, c.SetUnreadCount(ctx, "u1", gen, 7, time.Minute))
	count, _, ok, err := c.GetUnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), count)
}

func TestUnreadCount_InvalidateBumpsGeneration(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetUnreadCount(ctx, "u1", 0, 7, time.Minute))
	require.NoError(t, c.InvalidateUnreadCount(ctx, "u1", "u2"))

	_, gen, ok, err := c.GetUnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), gen)

	_, gen2, _, _ := c.GetUnreadCount(ctx, "u2")
	assert.Equal(t, int64(1), gen2)
}

func TestUnreadCount_StaleWriteAfterInvalidateIgnored(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	// 读者取得代数后回源，期间发生失效
	_, gen, _, err := c.GetUnreadCount(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, c.InvalidateUnreadCount(ctx, "u1"))
	require.NoError(t, c.SetUnreadCount(ctx, "u1", gen, 5, time.Minute))

	_, cur, ok, err := c.GetUnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "旧代数写入的值不应命中")
	assert.Equal(t, gen+1, cur)
}

func TestUnreadCount_ExpiresWithTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetUnreadCount(ctx, "u1", 0, 3, time.Minute))
	mr.FastForward(2 * time.Minute)

	_, _, ok, err := c.GetUnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}
