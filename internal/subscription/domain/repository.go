package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	// Insert is a no-op when (user, tier) already exists.
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) (bool, error)
	FindByUserTier(ctx context.Context, db *gorm.DB, userID, tier string) (*Subscription, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string) ([]Subscription, error)
	// ExtendIfNewer applies the extension only when no newer payment was
	// recorded. The returned count is zero when nothing matched.
	ExtendIfNewer(ctx context.Context, db *gorm.DB, ext Extension, expiresAt, now time.Time) (int64, error)
	CancelIfNewer(ctx context.Context, db *gorm.DB, c Cancellation, now time.Time) (int64, error)
}
