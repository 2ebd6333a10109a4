package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/coursepay/internal/subscription/domain"
	"gorm.io/gorm"
)

var (
	ErrInvalidEvent     = errors.New("invalid_ledger_event")
	ErrPurchaseNotFound = errors.New("purchase_not_found")
)

// Outcome reports what Apply did with an event.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeRecorded       Outcome = "recorded"
	OutcomeStale          Outcome = "stale"
)

// Purchase is recorded in the currency the buyer was quoted. The settlement
// columns keep what the gateway actually charged.
type Purchase struct {
	ID                 snowflake.ID    `json:"id" gorm:"primaryKey"`
	PaymentID          string          `json:"payment_id" gorm:"type:varchar(255);not null;uniqueIndex:ux_purchases_payment_id"`
	UserID             string          `json:"user_id" gorm:"type:varchar(64);not null;index"`
	ItemID             string          `json:"item_id" gorm:"type:varchar(128);not null"`
	Tier               string          `json:"tier,omitempty" gorm:"type:varchar(64)"`
	Amount             decimal.Decimal `json:"amount" gorm:"type:numeric(18,2);not null"`
	Currency           string          `json:"currency" gorm:"type:varchar(3);not null"`
	SettlementAmount   decimal.Decimal `json:"settlement_amount" gorm:"type:numeric(18,2);not null"`
	SettlementCurrency string          `json:"settlement_currency" gorm:"type:varchar(3);not null"`
	PaymentMethod      string          `json:"payment_method" gorm:"type:varchar(32);not null"`
	TestMode           bool            `json:"test_mode" gorm:"not null;default:false"`
	RecordedAt         time.Time       `json:"recorded_at" gorm:"not null"`
}

func (Purchase) TableName() string { return "purchases" }

// Receipt is handed to the receipt collaborator after a purchase commits.
type Receipt struct {
	Purchase        Purchase
	Subscription    *subscriptiondomain.Subscription
	CustomerEmail   string
	CustomerName    string
	ItemDescription string
}

type ReceiptSender interface {
	Send(ctx context.Context, receipt Receipt) error
}

type Repository interface {
	// InsertPurchase reports false when a purchase with the same paymentId
	// already exists.
	InsertPurchase(ctx context.Context, db *gorm.DB, purchase *Purchase) (bool, error)
	FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*Purchase, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string) ([]Purchase, error)
}

type Service interface {
	Apply(ctx context.Context, event *paymentdomain.PaymentEvent) (Outcome, error)
	FindPurchase(ctx context.Context, paymentID string) (*Purchase, error)
	ListPurchases(ctx context.Context, userID string) ([]Purchase, error)
}
