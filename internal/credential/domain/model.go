package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SecretPrefix marks a credential value that names a secret instead of
// carrying it literally, e.g. "secret:STRIPE_SECRET_KEY".
const SecretPrefix = "secret:"

var (
	ErrNotConfigured         = errors.New("gateway_not_configured")
	ErrSecretNotFound        = errors.New("secret_not_found")
	ErrEncryptionKeyMissing  = errors.New("encryption_key_missing")
	ErrInvalidGatewaySetting = errors.New("invalid_gateway_setting")
)

// GatewayConfig is the admin-managed configuration of one gateway. Secret
// fields hold either literals or SecretPrefix references.
type GatewayConfig struct {
	ID                 string
	IsEnabled          bool
	TestMode           bool
	SecretKeyRef       string
	PublishableKeyRef  string
	WebhookSecretRef   string
	SettlementCurrency string
	Options            map[string]string
}

// Credentials are the resolved, usable secrets for one gateway.
type Credentials struct {
	GatewayID          string
	TestMode           bool
	SecretKey          string
	PublishableKey     string
	WebhookSecret      string
	SettlementCurrency string
	Options            map[string]string
	ResolvedAt         time.Time
}

// Option returns a trimmed provider-specific option.
func (c Credentials) Option(key string) string {
	if c.Options == nil {
		return ""
	}
	return strings.TrimSpace(c.Options[key])
}

// SettingsSource loads raw gateway configuration. Found is false when the
// source has no entry for the gateway.
type SettingsSource interface {
	Load(ctx context.Context, gatewayID string) (cfg GatewayConfig, found bool, err error)
}

// SecretResolver looks up a named secret.
type SecretResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Store is the read-through credential cache consumed by orchestration.
type Store interface {
	Resolve(ctx context.Context, gatewayID string) (Credentials, error)
	Invalidate(gatewayID string)
	InvalidateAll()
}

// GatewaySettingRecord is the row written by the admin configuration surface.
// Config holds the AES-GCM envelope of the secret fields.
type GatewaySettingRecord struct {
	GatewayID          string         `gorm:"primaryKey;type:varchar(32)"`
	IsEnabled          bool           `gorm:"not null;default:false"`
	TestMode           bool           `gorm:"not null;default:false"`
	SettlementCurrency string         `gorm:"type:varchar(3)"`
	Config             datatypes.JSON `gorm:"not null"`
	UpdatedAt          time.Time      `gorm:"not null"`
}

func (GatewaySettingRecord) TableName() string { return "gateway_settings" }

// SecretFields is the decrypted shape of GatewaySettingRecord.Config.
type SecretFields struct {
	SecretKey      string            `json:"secret_key"`
	PublishableKey string            `json:"publishable_key"`
	WebhookSecret  string            `json:"webhook_secret"`
	Options        map[string]string `json:"options,omitempty"`
}

type Repository interface {
	FindSetting(ctx context.Context, db *gorm.DB, gatewayID string) (*GatewaySettingRecord, error)
	UpsertSetting(ctx context.Context, db *gorm.DB, record *GatewaySettingRecord) error
}
