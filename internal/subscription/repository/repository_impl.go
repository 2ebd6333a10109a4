package repository

import (
	"context"
	"errors"
	"time"

	subscriptiondomain "github.com/smallbiznis/coursepay/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "tier"}},
			DoNothing: true,
		}).
		Create(subscription)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByUserTier(ctx context.Context, db *gorm.DB, userID, tier string) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("user_id = ? AND tier = ?", userID, tier).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID string) ([]subscriptiondomain.Subscription, error) {
	var subs []subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("tier ASC").
		Find(&subs).Error
	return subs, err
}

func (r *repo) ExtendIfNewer(ctx context.Context, db *gorm.DB, ext subscriptiondomain.Extension, expiresAt, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET expires_at = ?, billing_cycle = ?, last_payment_id = ?, last_payment_at = ?,
		     cancel_at_period_end = ?, cancelled_at = NULL, updated_at = ?
		 WHERE user_id = ? AND tier = ?
		   AND (last_payment_at IS NULL OR last_payment_at <= ?)`,
		expiresAt,
		ext.Cycle,
		ext.PaymentID,
		ext.OccurredAt,
		false,
		now,
		ext.UserID,
		ext.Tier,
		ext.OccurredAt,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) CancelIfNewer(ctx context.Context, db *gorm.DB, c subscriptiondomain.Cancellation, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET cancel_at_period_end = ?, cancelled_at = ?, updated_at = ?
		 WHERE user_id = ? AND tier = ?
		   AND (last_payment_at IS NULL OR last_payment_at <= ?)`,
		true,
		now,
		now,
		c.UserID,
		c.Tier,
		c.OccurredAt,
	)
	return result.RowsAffected, result.Error
}
