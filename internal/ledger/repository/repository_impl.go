package repository

import (
	"context"
	"errors"

	ledgerdomain "github.com/smallbiznis/coursepay/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) InsertPurchase(ctx context.Context, db *gorm.DB, purchase *ledgerdomain.Purchase) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "payment_id"}},
			DoNothing: true,
		}).
		Create(purchase)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*ledgerdomain.Purchase, error) {
	var purchase ledgerdomain.Purchase
	err := db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&purchase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID string) ([]ledgerdomain.Purchase, error) {
	var purchases []ledgerdomain.Purchase
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("recorded_at DESC").
		Find(&purchases).Error
	return purchases, err
}
