package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	"gorm.io/gorm"
)

// GatewayAdapter speaks one provider's wire protocol. Implementations are
// bound to resolved credentials and translate every provider failure into
// GatewayError or a VerificationError before returning.
type GatewayAdapter interface {
	Gateway() string

	// CreateCheckoutSession opens a provider-side checkout. The request is
	// already in the gateway's settlement currency.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// VerifyWebhook authenticates the raw body and normalizes it. Verified
	// events the ledger has no use for return ErrEventIgnored.
	VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) (*PaymentEvent, error)

	RetrievePaymentStatus(ctx context.Context, query StatusQuery) (*StatusResult, error)
}

// AdapterFactory builds a GatewayAdapter for one gateway id.
type AdapterFactory interface {
	Gateway() string
	NewAdapter(creds credentialdomain.Credentials) (GatewayAdapter, error)
}

// Simulator replaces the provider-facing half of an adapter for gateways in
// test mode while keeping webhook verification real.
type Simulator interface {
	Simulate(real GatewayAdapter, creds credentialdomain.Credentials) GatewayAdapter
}

type Repository interface {
	InsertSession(ctx context.Context, db *gorm.DB, session *SessionRecord) error
	FindSessionByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*SessionRecord, error)
	FindSessionBySessionID(ctx context.Context, db *gorm.DB, gatewayID, sessionID string) (*SessionRecord, error)
	// ListUnsettledSessions returns sessions created in [from, to) that have
	// no recorded purchase yet. Sessions never reconciled come first, then
	// the ones reconciled longest ago.
	ListUnsettledSessions(ctx context.Context, db *gorm.DB, from, to time.Time, limit int) ([]SessionRecord, error)
	MarkReconciled(ctx context.Context, db *gorm.DB, paymentID string, at time.Time) error

	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, gatewayID, providerEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}

type CheckoutService interface {
	Checkout(ctx context.Context, gatewayID string, req CheckoutRequest) (*CheckoutSession, error)
	VerifyPayment(ctx context.Context, gatewayID, paymentID string) (*StatusResult, error)
}

type WebhookService interface {
	Handle(ctx context.Context, gatewayID string, payload []byte, headers http.Header) error
}
