package repository

import (
	"context"
	"errors"
	"strings"

	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() credentialdomain.Repository {
	return &repo{}
}

func (r *repo) FindSetting(ctx context.Context, db *gorm.DB, gatewayID string) (*credentialdomain.GatewaySettingRecord, error) {
	var record credentialdomain.GatewaySettingRecord
	err := db.WithContext(ctx).
		Where("gateway_id = ?", strings.ToLower(strings.TrimSpace(gatewayID))).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *repo) UpsertSetting(ctx context.Context, db *gorm.DB, record *credentialdomain.GatewaySettingRecord) error {
	if record == nil {
		return credentialdomain.ErrInvalidGatewaySetting
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "gateway_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_enabled", "test_mode", "settlement_currency", "config", "updated_at"}),
	}).Create(record).Error
}
