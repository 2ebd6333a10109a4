package domain

import (
	"context"
	"errors"

	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"gorm.io/gorm"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	// ErrStaleEvent is the payment taxonomy error so callers match one value.
	ErrStaleEvent = paymentdomain.ErrStaleEvent
)

// Service is the subscription state machine. Mutations run inside the
// caller's transaction.
type Service interface {
	Extend(ctx context.Context, tx *gorm.DB, ext Extension) (*Subscription, error)
	Cancel(ctx context.Context, tx *gorm.DB, c Cancellation) (*Subscription, error)
	Get(ctx context.Context, userID, tier string) (*Subscription, error)
	List(ctx context.Context, userID string) ([]Subscription, error)
}
