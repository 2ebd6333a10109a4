package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLocalLimiter(t *testing.T, perMinute int) *CheckoutLimiter {
	t.Helper()
	cfg := config.Config{Payments: config.PaymentsConfig{CheckoutRatePerMinute: perMinute}}
	limiter := NewCheckoutLimiter(cfg, nil, zap.NewNop())
	require.NotNil(t, limiter)
	return limiter
}

func TestCheckoutLimiterLocalBurst(t *testing.T) {
	limiter := newLocalLimiter(t, 12)
	now := time.Now()

	for i := 0; i < 2; i++ {
		allowed, _ := limiter.allowLocal("stripe:1.2.3.4", now)
		assert.True(t, allowed, "request %d", i)
	}
	allowed, retryAfter := limiter.allowLocal("stripe:1.2.3.4", now)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	allowed, _ = limiter.allowLocal("yoco:1.2.3.4", now)
	assert.True(t, allowed, "buckets are per gateway")

	allowed, _ = limiter.allowLocal("stripe:1.2.3.4", now.Add(6*time.Second))
	assert.True(t, allowed, "tokens refill over time")
}

func TestCheckoutLimiterSweepsIdleClients(t *testing.T) {
	limiter := newLocalLimiter(t, 60)
	now := time.Now()

	limiter.allowLocal("stripe:a", now)
	limiter.allowLocal("stripe:b", now.Add(localEntryTTL+time.Second))

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Len(t, limiter.local, 1)
}

func TestCheckoutLimiterDisabled(t *testing.T) {
	var limiter *CheckoutLimiter
	allowed, _ := limiter.Allow(context.Background(), "stripe", "1.2.3.4")
	assert.True(t, allowed)

	assert.Nil(t, NewCheckoutLimiter(config.Config{}, nil, zap.NewNop()))
}

func TestLockerWithoutRedis(t *testing.T) {
	var locker *Locker
	_, ok, err := locker.TryLock(context.Background(), "k", time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.NoError(t, locker.Release(context.Background(), "k", "t"))
	assert.Nil(t, NewLocker(nil, config.Config{}))
	assert.Nil(t, NewTokenBucket(nil))
}
