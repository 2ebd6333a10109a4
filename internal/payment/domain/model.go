package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// EventKind is the normalized lifecycle signal reported by a gateway.
type EventKind string

const (
	EventSucceeded             EventKind = "succeeded"
	EventFailed                EventKind = "failed"
	EventPending               EventKind = "pending"
	EventSubscriptionRenewed   EventKind = "subscription_renewed"
	EventSubscriptionCancelled EventKind = "subscription_cancelled"
)

// PaymentStatus is the provider-agnostic state of one payment attempt.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusSucceeded PaymentStatus = "succeeded"
	StatusFailed    PaymentStatus = "failed"
	StatusExpired   PaymentStatus = "expired"
	StatusUnknown   PaymentStatus = "unknown"
)

// Metadata keys shared by every adapter.
const (
	MetaPaymentID = "payment_id"
	MetaItemID    = "item_id"
	MetaItemName  = "item_name"
	MetaUserID    = "user_id"
	MetaTier      = "subscription_tier"
	MetaTestMode  = "testMode"
	MetaGatewayID = "gateway_id"
)

type CheckoutRequest struct {
	PaymentID       string
	Amount          decimal.Decimal
	Currency        string
	ItemID          string
	ItemDescription string
	CustomerEmail   string
	CustomerName    string
	ReturnURL       string
	UserID          string
	Tier            string
	BillingInterval string
	Metadata        map[string]string
}

type CheckoutSession struct {
	PaymentID   string
	CheckoutURL string
	SessionID   string
	Amount      decimal.Decimal
	Currency    string
	Metadata    map[string]string
	GatewayID   string
}

// PaymentEvent is the canonical payment event parsed by adapters.
type PaymentEvent struct {
	GatewayID       string
	ProviderEventID string
	PaymentID       string
	SessionID       string
	Kind            EventKind
	Amount          decimal.Decimal
	Currency        string
	OccurredAt      time.Time
	Metadata        map[string]string
	RawPayload      []byte
}

// StatusQuery identifies a payment for an out-of-band status lookup. Amount
// and Currency are what the stored checkout charged at the gateway.
type StatusQuery struct {
	PaymentID string
	SessionID string
	Amount    decimal.Decimal
	Currency  string
}

type StatusResult struct {
	PaymentID string
	SessionID string
	Status    PaymentStatus
	Amount    decimal.Decimal
	Currency  string
}

// SessionRecord correlates a paymentId with the provider session and the
// amounts quoted to the buyer and charged by the gateway.
type SessionRecord struct {
	ID                 snowflake.ID    `json:"id" gorm:"primaryKey"`
	PaymentID          string          `json:"payment_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_checkout_sessions_payment_id"`
	GatewayID          string          `json:"gateway_id" gorm:"type:varchar(32);not null;index"`
	SessionID          string          `json:"session_id" gorm:"type:varchar(255);not null;index"`
	UserID             string          `json:"user_id" gorm:"type:varchar(64);not null"`
	ItemID             string          `json:"item_id" gorm:"type:varchar(128);not null"`
	Tier               string          `json:"tier" gorm:"type:varchar(64)"`
	BillingInterval    string          `json:"billing_interval" gorm:"type:varchar(16)"`
	CustomerEmail      string          `json:"customer_email" gorm:"type:varchar(255)"`
	CustomerName       string          `json:"customer_name" gorm:"type:varchar(255)"`
	Amount             decimal.Decimal `json:"amount" gorm:"type:numeric(18,2);not null"`
	Currency           string          `json:"currency" gorm:"type:varchar(3);not null"`
	SettlementAmount   decimal.Decimal `json:"settlement_amount" gorm:"type:numeric(18,2);not null"`
	SettlementCurrency string          `json:"settlement_currency" gorm:"type:varchar(3);not null"`
	TestMode           bool            `json:"test_mode" gorm:"not null;default:false"`
	Metadata           datatypes.JSON  `json:"metadata"`
	CreatedAt          time.Time       `json:"created_at" gorm:"not null"`
	ReconciledAt       *time.Time      `json:"reconciled_at" gorm:"index"`
	ReconcileAttempts  int             `json:"reconcile_attempts" gorm:"not null;default:0"`
}

func (SessionRecord) TableName() string { return "checkout_sessions" }

type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	GatewayID       string         `json:"gateway_id" gorm:"type:varchar(32);not null;uniqueIndex:ux_payment_events_provider_event,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:varchar(255);not null;uniqueIndex:ux_payment_events_provider_event,priority:2"`
	PaymentID       string         `json:"payment_id" gorm:"type:varchar(255);not null;index"`
	Kind            string         `json:"kind" gorm:"type:varchar(32);not null"`
	Payload         datatypes.JSON `json:"payload"`
	OccurredAt      time.Time      `json:"occurred_at" gorm:"not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

// IsSubscription reports whether the checkout buys a subscription tier.
func (r CheckoutRequest) IsSubscription() bool {
	return r.Tier != ""
}

// ProviderMetadata is the metadata every adapter attaches to the provider
// session so webhooks can be correlated back to the paymentId.
func (r CheckoutRequest) ProviderMetadata(gatewayID string) map[string]string {
	meta := make(map[string]string, len(r.Metadata)+5)
	for key, value := range r.Metadata {
		meta[key] = value
	}
	meta[MetaPaymentID] = r.PaymentID
	meta[MetaGatewayID] = gatewayID
	if r.ItemID != "" {
		meta[MetaItemID] = r.ItemID
	}
	if r.UserID != "" {
		meta[MetaUserID] = r.UserID
	}
	if r.Tier != "" {
		meta[MetaTier] = r.Tier
	}
	return meta
}

// StringMetadata flattens provider metadata, which may carry numbers or
// nested values, into strings.
func StringMetadata(raw map[string]any) map[string]string {
	out := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			out[key] = v
		case nil:
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return out
}
