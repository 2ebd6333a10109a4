package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	checkoutSessions  metric.Int64Counter
	checkoutLatency   metric.Float64Histogram
	paymentEvents     metric.Int64Counter
	webhooksRejected  metric.Int64Counter
	currencyFallbacks metric.Int64Counter
	receiptFailures   metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "coursepay"
	}
	meter := provider.Meter(name)

	checkoutSessions, err := meter.Int64Counter("coursepay_checkout_sessions_total")
	if err != nil {
		return nil, err
	}
	checkoutLatency, err := meter.Float64Histogram("coursepay_checkout_gateway_seconds",
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	paymentEvents, err := meter.Int64Counter("coursepay_payment_events_total")
	if err != nil {
		return nil, err
	}
	webhooksRejected, err := meter.Int64Counter("coursepay_webhooks_rejected_total")
	if err != nil {
		return nil, err
	}
	currencyFallbacks, err := meter.Int64Counter("coursepay_currency_fallback_total")
	if err != nil {
		return nil, err
	}
	receiptFailures, err := meter.Int64Counter("coursepay_receipt_failures_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("coursepay_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		checkoutSessions:  checkoutSessions,
		checkoutLatency:   checkoutLatency,
		paymentEvents:     paymentEvents,
		webhooksRejected:  webhooksRejected,
		currencyFallbacks: currencyFallbacks,
		receiptFailures:   receiptFailures,
		rateLimitDenied:   rateLimitDenied,
	}, nil
}

// RecordCheckoutSession counts checkout attempts by outcome.
func (m *Metrics) RecordCheckoutSession(ctx context.Context, gateway, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("gateway", strings.TrimSpace(gateway)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.checkoutSessions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.checkoutLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// RecordPaymentEvent increments payment event counts.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, gateway, eventKind, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("gateway", strings.TrimSpace(gateway)),
		attribute.String("event_kind", strings.TrimSpace(eventKind)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookRejected counts webhooks refused at signature verification.
func (m *Metrics) RecordWebhookRejected(ctx context.Context, gateway, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("gateway", strings.TrimSpace(gateway)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.webhooksRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCurrencyFallback counts conversions served from a stale or identity table.
func (m *Metrics) RecordCurrencyFallback(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.currencyFallbacks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordReceiptFailure(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("channel", strings.TrimSpace(channel)))
	m.receiptFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, gateway, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("gateway", strings.TrimSpace(gateway)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"gateway":     {},
	"endpoint":    {},
	"status_code": {},
	"event_kind":  {},
	"outcome":     {},
	"channel":     {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
