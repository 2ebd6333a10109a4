package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	ledgerdomain "github.com/smallbiznis/coursepay/internal/ledger/domain"
	obscontext "github.com/smallbiznis/coursepay/internal/observability/context"
	"github.com/smallbiznis/coursepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	"github.com/smallbiznis/coursepay/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/providers/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const alertTimeout = 5 * time.Second

type Params struct {
	fx.In

	Log         *zap.Logger
	Registry    *adapters.Registry
	Credentials credentialdomain.Store
	Ledger      ledgerdomain.Service
	Alerts      slack.Provider      `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

// Service verifies inbound provider webhooks and hands the normalized
// event to the ledger. It acknowledges an event only once the ledger has
// applied it, or has decided it needs no change.
type Service struct {
	log         *zap.Logger
	security    *zap.Logger
	registry    *adapters.Registry
	credentials credentialdomain.Store
	ledger      ledgerdomain.Service
	alerts      slack.Provider
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.WebhookService {
	return &Service{
		log:         p.Log.Named("payment.webhook"),
		security:    p.Log.Named("security"),
		registry:    p.Registry,
		credentials: p.Credentials,
		ledger:      p.Ledger,
		alerts:      p.Alerts,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) Handle(ctx context.Context, gatewayID string, payload []byte, headers http.Header) error {
	gatewayID = strings.ToLower(strings.TrimSpace(gatewayID))
	if !s.registry.GatewayExists(gatewayID) {
		return paymentdomain.ErrGatewayNotFound
	}
	ctx = obscontext.WithGatewayID(ctx, gatewayID)
	log := logger.WithContext(ctx, s.log)

	creds, err := s.credentials.Resolve(ctx, gatewayID)
	if err != nil {
		if errors.Is(err, credentialdomain.ErrNotConfigured) {
			log.Warn("webhook for unconfigured gateway")
			return paymentdomain.ErrNotConfigured
		}
		return err
	}
	adapter, err := s.registry.NewAdapter(gatewayID, creds)
	if err != nil {
		return err
	}

	event, err := adapter.VerifyWebhook(ctx, payload, headers)
	switch {
	case err == nil:
	case errors.Is(err, paymentdomain.ErrVerificationFailed):
		s.reject(ctx, gatewayID, err)
		return paymentdomain.ErrVerificationFailed
	case errors.Is(err, paymentdomain.ErrEventUnattributed):
		log.Warn("verified webhook without a payment reference, acknowledged")
		s.obsMetrics.RecordPaymentEvent(ctx, gatewayID, "unattributed", "acknowledged")
		return nil
	case errors.Is(err, paymentdomain.ErrEventIgnored):
		log.Debug("webhook event not relevant, acknowledged")
		s.obsMetrics.RecordPaymentEvent(ctx, gatewayID, "ignored", "acknowledged")
		return nil
	default:
		log.Error("webhook could not be processed", zap.Error(err))
		return err
	}

	event.GatewayID = gatewayID
	if len(event.RawPayload) == 0 {
		event.RawPayload = payload
	}
	ctx = obscontext.WithPaymentID(ctx, event.PaymentID)
	log = logger.WithContext(ctx, s.log)

	outcome, err := s.ledger.Apply(ctx, event)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrStaleEvent) {
			return nil
		}
		log.Error("payment event not applied",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("event_kind", string(event.Kind)),
			zap.Error(err),
		)
		return err
	}

	log.Info("payment event applied",
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_kind", string(event.Kind)),
		zap.String("outcome", string(outcome)),
	)
	return nil
}

// reject records a failed verification on the security log and alerts the
// security channel without blocking the response.
func (s *Service) reject(ctx context.Context, gatewayID string, err error) {
	reason := "verification_failed"
	var verr *paymentdomain.VerificationError
	if errors.As(err, &verr) {
		reason = verr.Reason
	}

	logger.WithContext(ctx, s.security).Warn("webhook signature rejected",
		zap.String("reason", reason),
		zap.Error(err),
	)
	s.obsMetrics.RecordWebhookRejected(ctx, gatewayID, reason)

	if s.alerts == nil {
		return
	}
	message := fmt.Sprintf(":warning: %s webhook rejected (%s), request %s",
		gatewayID, reason, obscontext.RequestIDFromContext(ctx))
	go func() {
		alertCtx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := s.alerts.PostMessage(alertCtx, "", message); err != nil {
			s.security.Warn("security alert not delivered", zap.Error(err))
		}
	}()
}
