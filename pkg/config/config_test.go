package config

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8000, cfg.ServerPort)
	assert.Equal(t, 20, cfg.DBPoolSize)
	assert.Equal(t, 7, cfg.AIHistoryLimit)
	assert.Equal(t, 300, cfg.AudioMaxDuration)
	assert.Equal(t, 60*time.Second, cfg.LLMTimeout)
	assert.True(t, cfg.EnableSaleNotifications)
	assert.False(t, cfg.UpsellActivateOnAnyPaid)
	require.NotNil(t, cfg.Queue)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
}

func TestLoadRejectsBadAppEnv(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadProdRequiresSecrets(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadEncryptionKey(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

	t.Run("raw base64", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", key)
		cfg, err := Load()
		require.NoError(t, err)
		assert.Len(t, cfg.EncryptionKey, 32)
	})

	t.Run("base64 prefix form", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", "base64:"+key)
		cfg, err := Load()
		require.NoError(t, err)
		assert.Len(t, cfg.EncryptionKey, 32)
	})

	t.Run("wrong length rejected", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", base64.StdEncoding.EncodeToString([]byte("short")))
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("not base64 rejected", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", "!!!not-base64!!!")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestLoadAdminIDs(t *testing.T) {
	t.Setenv("ALLOWED_ADMIN_IDS", "123, 456,789")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []int64{123, 456, 789}, cfg.AllowedAdminIDs)

	assert.True(t, cfg.IsUnlimitedAdmin(456))
	assert.False(t, cfg.IsUnlimitedAdmin(999))
}

func TestLoadRateLimits(t *testing.T) {
	t.Setenv("RATE_LIMITS_JSON", `{"default":{"limit":10,"window":60},"message":{"limit":5,"window":30}}`)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, RateLimit{Limit: 5, Window: 30}, cfg.RateLimits.For("message"))
	assert.Equal(t, RateLimit{Limit: 10, Window: 60}, cfg.RateLimits.For("anything-else"))
}

func TestLoadRejectsBadRateLimits(t *testing.T) {
	t.Setenv("RATE_LIMITS_JSON", `{"message":{"limit":0,"window":60}}`)
	_, err := Load()
	assert.Error(t, err)
}

func TestRateLimitsHardFallback(t *testing.T) {
	var empty RateLimits
	rl := empty.For("message")
	assert.Equal(t, 30, rl.Limit)
	assert.Equal(t, 60, rl.Window)
}

func TestQueueConcurrencyOverride(t *testing.T) {
	t.Setenv("QUEUE_CONCURRENCY", "ai=8, media=2")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Queue.Concurrency[QueueAI])
	assert.Equal(t, 2, cfg.Queue.Concurrency[QueueMedia])
	assert.Equal(t, 10, cfg.Queue.Concurrency[QueueDefault])
}

func TestQueueConcurrencyRejectsUnknownQueue(t *testing.T) {
	t.Setenv("QUEUE_CONCURRENCY", "nope=3")
	_, err := Load()
	assert.Error(t, err)
}

func TestDeadlineFor(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 180*time.Second, cfg.Queue.DeadlineFor(QueueAI))
	assert.Equal(t, 120*time.Second, cfg.Queue.DeadlineFor("unknown"))
}
