package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/coursepay/internal/config"
)

// Deletes the key only while it still holds our token.
const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrLockUnavailable = errors.New("lock_unavailable")
	ErrLockHeld        = errors.New("lock_held")
)

// Locker is a best-effort redis mutex with a TTL. It guards duplicate
// checkout sessions and keeps one replica per sweeper job. A crashed holder
// simply lets the TTL run out.
type Locker struct {
	client *redis.Client
	script *redis.Script
	prefix string
}

// NewLocker returns nil without redis; callers treat a nil Locker as
// "no cross-replica locking".
func NewLocker(client *redis.Client, cfg config.Config) *Locker {
	if client == nil {
		return nil
	}
	app := strings.TrimSpace(cfg.AppName)
	if app == "" {
		app = "coursepay"
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		prefix: app + ":lock:",
	}
}

// TryLock returns the holder token and whether the lock was acquired.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	switch {
	case l == nil || l.client == nil:
		return "", false, ErrLockUnavailable
	case key == "":
		return "", false, errors.New("lock key is empty")
	case ttl <= 0:
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{l.prefix + key}, token).Err()
}

// Acquire wraps TryLock and returns a release func that runs on its own short
// deadline, so it still works after ctx was cancelled. ErrLockHeld means
// another holder owns key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func() error, error) {
	token, ok, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() error {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return l.Release(releaseCtx, key, token)
	}, nil
}
