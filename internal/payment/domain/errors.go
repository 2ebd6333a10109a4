package domain

import (
	"errors"
	"fmt"

	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
)

var (
	// ErrNotConfigured is shared with the credential store so both layers
	// report a missing configuration the same way.
	ErrNotConfigured            = credentialdomain.ErrNotConfigured
	ErrPaymentMethodUnavailable = errors.New("payment method unavailable")
	ErrGatewayNotFound          = errors.New("gateway_not_found")
	ErrGateway                  = errors.New("gateway_error")
	ErrCheckoutFailed           = errors.New("checkout_failed")
	ErrVerificationFailed       = errors.New("webhook_verification_failed")
	ErrStaleEvent               = errors.New("stale_event")
	ErrEventIgnored             = errors.New("event_ignored")
	ErrInvalidRequest           = errors.New("invalid_request")
	ErrInvalidAmount            = errors.New("invalid_amount")
	ErrInvalidCurrency          = errors.New("invalid_currency")
	ErrInvalidEvent             = errors.New("invalid_event")
	ErrSessionNotFound          = errors.New("session_not_found")
	ErrCheckoutInProgress       = errors.New("checkout_in_progress")

	// ErrEventUnattributed marks a verified event that carries no paymentId,
	// such as a payment created from the provider dashboard. It is
	// acknowledged like any other ignored event.
	ErrEventUnattributed = fmt.Errorf("%w: no payment reference", ErrEventIgnored)
)

// GatewayError carries provider failure detail for server-side logs. Only the
// taxonomy sentinel is meant to surface to clients.
type GatewayError struct {
	Gateway   string
	Op        string
	Status    int
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Gateway, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Gateway, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool { return target == ErrGateway }

// NewGatewayError wraps a provider failure. Status 0 means the request never
// produced a response (transport failure or timeout).
func NewGatewayError(gateway, op string, status int, err error) *GatewayError {
	if err == nil {
		err = errors.New("unknown provider failure")
	}
	retryable := status == 0 || status == 429 || status >= 500
	return &GatewayError{Gateway: gateway, Op: op, Status: status, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err is a gateway failure worth one more attempt.
func IsRetryable(err error) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return false
}

// VerificationError explains why a webhook was rejected, for the security log.
type VerificationError struct {
	Gateway string
	Reason  string
	Err     error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s webhook rejected: %s: %v", e.Gateway, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s webhook rejected: %s", e.Gateway, e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func (e *VerificationError) Is(target error) bool { return target == ErrVerificationFailed }

func NewVerificationError(gateway, reason string, err error) error {
	return &VerificationError{Gateway: gateway, Reason: reason, Err: err}
}
