package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkultra/mitski/pkg/config"
	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/kv"
)

func testKV(t *testing.T) *kv.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return kv.NewFromClient(rdb, time.Second)
}

func TestAllowWithinLimit(t *testing.T) {
	limiter := NewLimiter(testKV(t), config.RateLimits{
		"message": {Limit: 3, Window: 60},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.NoError(t, limiter.Allow(ctx, 1, 100, "message"))
	}
}

func TestAllowOverLimit(t *testing.T) {
	limiter := NewLimiter(testKV(t), config.RateLimits{
		"message": {Limit: 2, Window: 60},
	})
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, 1, 100, "message"))
	require.NoError(t, limiter.Allow(ctx, 1, 100, "message"))

	err := limiter.Allow(ctx, 1, 100, "message")
	require.Error(t, err)
	assert.Equal(t, faults.KindRateLimited, faults.KindOf(err))
	assert.Greater(t, faults.RetryAfterOf(err), time.Duration(0))
	assert.LessOrEqual(t, faults.RetryAfterOf(err), 60*time.Second)
}

func TestAllowBucketsAreIndependent(t *testing.T) {
	limiter := NewLimiter(testKV(t), config.RateLimits{
		"message": {Limit: 1, Window: 60},
	})
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, 1, 100, "message"))

	// different user, bot and action each get their own budget
	assert.NoError(t, limiter.Allow(ctx, 1, 101, "message"))
	assert.NoError(t, limiter.Allow(ctx, 2, 100, "message"))
	assert.NoError(t, limiter.Allow(ctx, 1, 100, "start"))
}

func TestAllowFallsBackToDefaultBudget(t *testing.T) {
	limiter := NewLimiter(testKV(t), config.RateLimits{
		"default": {Limit: 1, Window: 60},
	})
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, 1, 100, "unknown-action"))
	err := limiter.Allow(ctx, 1, 100, "unknown-action")
	assert.Equal(t, faults.KindRateLimited, faults.KindOf(err))
}

func TestCooldown(t *testing.T) {
	limiter := NewLimiter(testKV(t), nil)
	ctx := context.Background()

	first, err := limiter.Cooldown(ctx, 1, 100, "buy", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := limiter.Cooldown(ctx, 1, 100, "buy", time.Minute)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestLockAcquireRelease(t *testing.T) {
	locks := NewLockManager(testKV(t))
	ctx := context.Background()

	lock, won, err := locks.Acquire(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	require.True(t, won)
	require.NotNil(t, lock)

	_, won, err = locks.Acquire(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	lock.Release(ctx)

	_, won, err = locks.Acquire(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}
