package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	currencydomain "github.com/smallbiznis/coursepay/internal/currency/domain"
	ledgerdomain "github.com/smallbiznis/coursepay/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/coursepay/internal/subscription/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

// errorResponse is the failure envelope shared by every route.
type errorResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Fields  []ValidationError `json:"fields,omitempty"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, payload)
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// mapError never exposes provider detail; clients only see the taxonomy code.
func mapError(err error) (int, errorResponse) {
	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorResponse{
			Error:  "invalid request",
			Code:   "invalid_request",
			Fields: vErr.Errors,
		}
	}

	switch {
	case err == nil:
		return http.StatusInternalServerError, failure("internal server error", "internal_error")
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidRequest),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription):
		return http.StatusBadRequest, failure("invalid request", "invalid_request")
	case errors.Is(err, paymentdomain.ErrInvalidAmount):
		return http.StatusBadRequest, failure("amount must be positive", "invalid_amount")
	case errors.Is(err, paymentdomain.ErrInvalidCurrency),
		errors.Is(err, currencydomain.ErrInvalidCurrency):
		return http.StatusBadRequest, failure("unsupported currency", "invalid_currency")
	case errors.Is(err, paymentdomain.ErrVerificationFailed),
		errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, failure("unauthorized", "unauthorized")
	case errors.Is(err, paymentdomain.ErrGatewayNotFound):
		return http.StatusNotFound, failure("payment gateway not found", "gateway_not_found")
	case errors.Is(err, paymentdomain.ErrSessionNotFound):
		return http.StatusNotFound, failure("payment not found", "payment_not_found")
	case errors.Is(err, ledgerdomain.ErrPurchaseNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, ErrNotFound):
		return http.StatusNotFound, failure("not found", "not_found")
	case errors.Is(err, paymentdomain.ErrCheckoutInProgress):
		return http.StatusConflict, failure("a checkout for this item is already in progress", "checkout_in_progress")
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, failure("too many requests", "rate_limited")
	case errors.Is(err, paymentdomain.ErrPaymentMethodUnavailable),
		errors.Is(err, credentialdomain.ErrNotConfigured):
		return http.StatusServiceUnavailable, failure("payment method unavailable", "payment_method_unavailable")
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, failure("service unavailable", "service_unavailable")
	case errors.Is(err, paymentdomain.ErrCheckoutFailed):
		return http.StatusBadGateway, failure("could not start checkout, please try again", "checkout_failed")
	case errors.Is(err, paymentdomain.ErrGateway):
		return http.StatusBadGateway, failure("payment provider unavailable, please try again", "gateway_error")
	default:
		return http.StatusInternalServerError, failure("internal server error", "internal_error")
	}
}

func failure(message, code string) errorResponse {
	return errorResponse{Success: false, Error: message, Code: code}
}

func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server", payload.Code
	default:
		return "client", payload.Code
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}
