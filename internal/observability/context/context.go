package context

import (
	"context"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	correlationIDKey
	gatewayIDKey
	paymentIDKey
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return valueFrom(ctx, requestIDKey)
}

// WithCorrelationID tags work started outside an HTTP request (receipt
// delivery, reconciliation) so its logs can be stitched together.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return withValue(ctx, correlationIDKey, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) string {
	return valueFrom(ctx, correlationIDKey)
}

func WithGatewayID(ctx context.Context, gatewayID string) context.Context {
	return withValue(ctx, gatewayIDKey, strings.ToLower(gatewayID))
}

func GatewayIDFromContext(ctx context.Context) string {
	return valueFrom(ctx, gatewayIDKey)
}

func WithPaymentID(ctx context.Context, paymentID string) context.Context {
	return withValue(ctx, paymentIDKey, paymentID)
}

func PaymentIDFromContext(ctx context.Context) string {
	return valueFrom(ctx, paymentIDKey)
}

func withValue(ctx context.Context, key ctxKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func valueFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
