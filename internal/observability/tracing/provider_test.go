package tracing

import (
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSecrets(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/gateway/:gatewayId/webhook"),
		attribute.String("webhook_secret", "whsec_x"),
		attribute.String("Authorization", "Bearer x"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}

func TestSafeErrorTruncates(t *testing.T) {
	if SafeError(nil) != nil {
		t.Fatalf("expected nil")
	}
	err := SafeError(errors.New(strings.Repeat("x", 1000)))
	if len(err.Error()) != 256 {
		t.Fatalf("expected truncated message, got %d", len(err.Error()))
	}
}

func TestDisabledProvider(t *testing.T) {
	provider, err := NewProvider(nil, Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if provider == nil {
		t.Fatalf("expected provider")
	}
}

func TestSafeAttributesDropsEmptyStrings(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("gateway.id", ""),
		attribute.String("payment.id", "pay_1"),
		attribute.Int("http.status_code", 0),
	)
	if len(attrs) != 2 || attrs[0].Key != "payment.id" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}
