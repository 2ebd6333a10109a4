package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coursepay/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertSession(ctx context.Context, db *gorm.DB, session *domain.SessionRecord) error {
	return db.WithContext(ctx).Create(session).Error
}

func (r *repo) FindSessionByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*domain.SessionRecord, error) {
	var item domain.SessionRecord
	err := db.WithContext(ctx).
		Where("payment_id = ?", strings.TrimSpace(paymentID)).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindSessionBySessionID(ctx context.Context, db *gorm.DB, gatewayID, sessionID string) (*domain.SessionRecord, error) {
	var item domain.SessionRecord
	err := db.WithContext(ctx).
		Where("gateway_id = ? AND session_id = ?", gatewayID, strings.TrimSpace(sessionID)).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) ListUnsettledSessions(ctx context.Context, db *gorm.DB, from, to time.Time, limit int) ([]domain.SessionRecord, error) {
	var items []domain.SessionRecord
	err := db.WithContext(ctx).
		Table("checkout_sessions AS s").
		Select("s.*").
		Where("s.created_at >= ? AND s.created_at < ?", from.UTC(), to.UTC()).
		Where("NOT EXISTS (SELECT 1 FROM purchases p WHERE p.payment_id = s.payment_id)").
		Order("CASE WHEN s.reconciled_at IS NULL THEN 0 ELSE 1 END").
		Order("s.reconciled_at ASC").
		Order("s.created_at ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) MarkReconciled(ctx context.Context, db *gorm.DB, paymentID string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.SessionRecord{}).
		Where("payment_id = ?", strings.TrimSpace(paymentID)).
		Updates(map[string]any{
			"reconciled_at":      at.UTC(),
			"reconcile_attempts": gorm.Expr("reconcile_attempts + 1"),
		}).Error
}

// InsertEvent reports false when the (gateway, provider event id) pair was
// already recorded.
func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "gateway_id"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, gatewayID, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).
		Where("gateway_id = ? AND provider_event_id = ?", gatewayID, providerEventID).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.EventRecord{}).
		Where("id = ?", id).
		Update("processed_at", processedAt).Error
}
