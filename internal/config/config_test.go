package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "USD", cfg.Payments.BaseCurrency)
	assert.Equal(t, time.Hour, cfg.Payments.RatesCacheTTL)
	assert.Equal(t, 60*time.Second, cfg.Payments.CredentialCacheTTL)
	assert.Equal(t, 5*time.Second, cfg.Payments.CheckoutTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Payments.ReconcileAfter)
	assert.True(t, cfg.SchedulerEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BASE_CURRENCY", "zar")
	t.Setenv("CHECKOUT_TIMEOUT", "2s")
	t.Setenv("RATES_CACHE_TTL", "not-a-duration")
	t.Setenv("SCHEDULER_ENABLED", "off")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "HTTP/protobuf")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.5")

	cfg := Load()

	assert.Equal(t, "ZAR", cfg.Payments.BaseCurrency)
	assert.Equal(t, 2*time.Second, cfg.Payments.CheckoutTimeout)
	assert.Equal(t, time.Hour, cfg.Payments.RatesCacheTTL)
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, "http/protobuf", cfg.Observability.OtelProtocol)
	assert.Equal(t, 0.5, cfg.Observability.OtelSamplingRate)
}

func TestOtlpProtocolPrefersTracesOverride(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP/PROTOBUF")
	assert.Equal(t, "http/protobuf", otlpProtocol())
}
