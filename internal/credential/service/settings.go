package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/coursepay/internal/config"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	"gorm.io/gorm"
)

// DBSettingsSource reads gateway_settings rows written by the admin surface.
type DBSettingsSource struct {
	db     *gorm.DB
	repo   credentialdomain.Repository
	sealer *Sealer
}

func NewDBSettingsSource(db *gorm.DB, repo credentialdomain.Repository, sealer *Sealer) *DBSettingsSource {
	return &DBSettingsSource{db: db, repo: repo, sealer: sealer}
}

func (s *DBSettingsSource) Load(ctx context.Context, gatewayID string) (credentialdomain.GatewayConfig, bool, error) {
	if s == nil || s.db == nil {
		return credentialdomain.GatewayConfig{}, false, nil
	}
	record, err := s.repo.FindSetting(ctx, s.db, gatewayID)
	if err != nil {
		return credentialdomain.GatewayConfig{}, false, err
	}
	if record == nil {
		return credentialdomain.GatewayConfig{}, false, nil
	}

	fields, err := s.sealer.Open(record.Config)
	if err != nil {
		return credentialdomain.GatewayConfig{}, false, err
	}

	return credentialdomain.GatewayConfig{
		ID:                 record.GatewayID,
		IsEnabled:          record.IsEnabled,
		TestMode:           record.TestMode,
		SecretKeyRef:       fields.SecretKey,
		PublishableKeyRef:  fields.PublishableKey,
		WebhookSecretRef:   fields.WebhookSecret,
		SettlementCurrency: strings.ToUpper(strings.TrimSpace(record.SettlementCurrency)),
		Options:            fields.Options,
	}, true, nil
}

// FileSettingsSource exposes the gateways.yml settings.
type FileSettingsSource struct {
	holder *config.GatewaySettingsHolder
}

func NewFileSettingsSource(holder *config.GatewaySettingsHolder) *FileSettingsSource {
	return &FileSettingsSource{holder: holder}
}

func (s *FileSettingsSource) Load(ctx context.Context, gatewayID string) (credentialdomain.GatewayConfig, bool, error) {
	if s == nil || s.holder == nil {
		return credentialdomain.GatewayConfig{}, false, nil
	}
	setting, ok := s.holder.Lookup(gatewayID)
	if !ok {
		return credentialdomain.GatewayConfig{}, false, nil
	}
	return credentialdomain.GatewayConfig{
		ID:                 normalizeGatewayID(gatewayID),
		IsEnabled:          setting.Enabled,
		TestMode:           setting.TestMode,
		SecretKeyRef:       setting.SecretKey,
		PublishableKeyRef:  setting.PublishableKey,
		WebhookSecretRef:   setting.WebhookSecret,
		SettlementCurrency: setting.SettlementCurrency,
		Options:            setting.Options,
	}, true, nil
}

type chainSource []credentialdomain.SettingsSource

// NewChainSource returns the first source that has an entry for a gateway.
func NewChainSource(sources ...credentialdomain.SettingsSource) credentialdomain.SettingsSource {
	return chainSource(sources)
}

func (c chainSource) Load(ctx context.Context, gatewayID string) (credentialdomain.GatewayConfig, bool, error) {
	for _, source := range c {
		if source == nil {
			continue
		}
		cfg, found, err := source.Load(ctx, gatewayID)
		if err != nil {
			return credentialdomain.GatewayConfig{}, false, err
		}
		if found {
			return cfg, true, nil
		}
	}
	return credentialdomain.GatewayConfig{}, false, nil
}

func normalizeGatewayID(gatewayID string) string {
	return strings.ToLower(strings.TrimSpace(gatewayID))
}
