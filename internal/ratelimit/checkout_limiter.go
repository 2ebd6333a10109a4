package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/coursepay/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const localEntryTTL = 10 * time.Minute

// CheckoutLimiter throttles checkout-session creation per gateway and
// client. It uses the shared redis bucket when one is configured and falls
// back to in-process limiters when redis is absent or failing.
type CheckoutLimiter struct {
	log    *zap.Logger
	bucket *TokenBucket
	rate   float64
	burst  int

	mu    sync.Mutex
	local map[string]*localLimiter
}

type localLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewCheckoutLimiter(cfg config.Config, bucket *TokenBucket, log *zap.Logger) *CheckoutLimiter {
	perMinute := cfg.Payments.CheckoutRatePerMinute
	if perMinute <= 0 {
		return nil
	}
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	return &CheckoutLimiter{
		log:    log.Named("ratelimit.checkout"),
		bucket: bucket,
		rate:   float64(perMinute) / 60,
		burst:  burst,
		local:  map[string]*localLimiter{},
	}
}

// Allow reports whether clientKey may create another checkout session on
// gatewayID, and how long to wait otherwise.
func (l *CheckoutLimiter) Allow(ctx context.Context, gatewayID, clientKey string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	key := strings.ToLower(strings.TrimSpace(gatewayID)) + ":" + strings.TrimSpace(clientKey)

	if l.bucket != nil {
		decision, err := l.bucket.Allow(ctx, "coursepay:checkout:"+key, l.rate, l.burst)
		if err == nil {
			return decision.Allowed, decision.RetryAfter
		}
		l.log.Warn("redis rate limit unavailable, using local limiter", zap.Error(err))
	}
	return l.allowLocal(key, time.Now())
}

func (l *CheckoutLimiter) allowLocal(key string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.local[key]
	if !ok {
		entry = &localLimiter{limiter: rate.NewLimiter(rate.Limit(l.rate), l.burst)}
		l.local[key] = entry
	}
	entry.lastSeen = now
	l.sweep(now)

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Minute
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// sweep drops idle limiters. Called with mu held.
func (l *CheckoutLimiter) sweep(now time.Time) {
	for key, entry := range l.local {
		if now.Sub(entry.lastSeen) > localEntryTTL {
			delete(l.local, key)
		}
	}
}
