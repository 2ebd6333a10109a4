// Package checkout orchestrates checkout-session creation and out-of-band
// payment verification across gateways.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	currencydomain "github.com/smallbiznis/coursepay/internal/currency/domain"
	ledgerdomain "github.com/smallbiznis/coursepay/internal/ledger/domain"
	obscontext "github.com/smallbiznis/coursepay/internal/observability/context"
	"github.com/smallbiznis/coursepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	"github.com/smallbiznis/coursepay/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultTimeout = 5 * time.Second
	maxAttempts    = 2
	maxItemName    = 200
)

// Locker guards against two concurrent checkouts for the same customer and
// item. *ratelimit.Locker satisfies it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Cfg         config.Config
	Registry    *adapters.Registry
	Credentials credentialdomain.Store
	Converter   currencydomain.Converter
	Repo        paymentdomain.Repository
	Ledger      ledgerdomain.Service
	Locker      Locker              `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	registry    *adapters.Registry
	credentials credentialdomain.Store
	converter   currencydomain.Converter
	repo        paymentdomain.Repository
	ledger      ledgerdomain.Service
	locker      Locker
	obsMetrics  *obsmetrics.Metrics
	timeout     time.Duration
}

func NewService(p Params) paymentdomain.CheckoutService {
	timeout := p.Cfg.Payments.CheckoutTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.checkout"),
		genID:       p.GenID,
		clock:       clk,
		registry:    p.Registry,
		credentials: p.Credentials,
		converter:   p.Converter,
		repo:        p.Repo,
		ledger:      p.Ledger,
		locker:      p.Locker,
		obsMetrics:  p.ObsMetrics,
		timeout:     timeout,
	}
}

// Checkout creates a provider checkout session for req. Provider failures
// are logged here and surface to callers only as ErrCheckoutFailed.
func (s *Service) Checkout(ctx context.Context, gatewayID string, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	started := time.Now()
	gatewayID = strings.ToLower(strings.TrimSpace(gatewayID))
	if !s.registry.GatewayExists(gatewayID) {
		return nil, paymentdomain.ErrGatewayNotFound
	}
	if err := normalizeRequest(&req); err != nil {
		return nil, err
	}
	ctx = obscontext.WithGatewayID(ctx, gatewayID)
	log := logger.WithContext(ctx, s.log)

	creds, err := s.credentials.Resolve(ctx, gatewayID)
	if err != nil {
		if errors.Is(err, credentialdomain.ErrNotConfigured) {
			log.Warn("payment method unavailable: gateway not configured")
			return nil, paymentdomain.ErrPaymentMethodUnavailable
		}
		return nil, err
	}

	settlementCurrency := creds.SettlementCurrency
	if settlementCurrency == "" {
		settlementCurrency = req.Currency
	}
	settlementAmount := req.Amount.Round(2)
	if settlementCurrency != req.Currency {
		settlementAmount, err = s.converter.Convert(ctx, req.Amount, req.Currency, settlementCurrency)
		if err != nil {
			if errors.Is(err, currencydomain.ErrInvalidCurrency) {
				return nil, paymentdomain.ErrInvalidCurrency
			}
			return nil, err
		}
	}

	adapter, err := s.registry.NewAdapter(gatewayID, creds)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrNotConfigured) {
			log.Warn("payment method unavailable: adapter rejected credentials")
			return nil, paymentdomain.ErrPaymentMethodUnavailable
		}
		return nil, err
	}

	release, err := s.lock(ctx, gatewayID, req)
	if err != nil {
		return nil, err
	}
	defer release()

	paymentID := gatewayID + "_" + s.genID.Generate().String()
	providerReq := req
	providerReq.PaymentID = paymentID
	providerReq.Amount = settlementAmount
	providerReq.Currency = settlementCurrency

	session, err := s.create(ctx, log, adapter, providerReq)
	if err != nil {
		s.obsMetrics.RecordCheckoutSession(ctx, gatewayID, "failed", time.Since(started))
		return nil, err
	}

	record := &paymentdomain.SessionRecord{
		ID:                 s.genID.Generate(),
		PaymentID:          paymentID,
		GatewayID:          gatewayID,
		SessionID:          session.SessionID,
		UserID:             req.UserID,
		ItemID:             req.ItemID,
		Tier:               req.Tier,
		BillingInterval:    req.BillingInterval,
		CustomerEmail:      req.CustomerEmail,
		CustomerName:       req.CustomerName,
		Amount:             req.Amount.Round(2),
		Currency:           req.Currency,
		SettlementAmount:   settlementAmount,
		SettlementCurrency: settlementCurrency,
		TestMode:           creds.TestMode,
		Metadata:           encodeMetadata(session.Metadata),
		CreatedAt:          s.clock.Now().UTC(),
	}
	if err := s.repo.InsertSession(ctx, s.db, record); err != nil {
		log.Error("checkout session not persisted",
			zap.String("payment_id", paymentID),
			zap.String("session_id", session.SessionID),
			zap.Error(err),
		)
		s.obsMetrics.RecordCheckoutSession(ctx, gatewayID, "failed", time.Since(started))
		return nil, paymentdomain.ErrCheckoutFailed
	}

	s.obsMetrics.RecordCheckoutSession(ctx, gatewayID, "created", time.Since(started))
	log.Info("checkout session created",
		zap.String("payment_id", paymentID),
		zap.String("session_id", session.SessionID),
		zap.String("currency", settlementCurrency),
		zap.Bool("test_mode", creds.TestMode),
	)

	session.PaymentID = paymentID
	session.GatewayID = gatewayID
	session.Amount = settlementAmount
	session.Currency = settlementCurrency
	return session, nil
}

// create calls the adapter under a per-attempt timeout and retries once when
// the failure is transient. The paymentId doubles as the provider
// idempotency key, so a retried request cannot open a second session.
func (s *Service) create(ctx context.Context, log *zap.Logger, adapter paymentdomain.GatewayAdapter, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		session, err := adapter.CreateCheckoutSession(attemptCtx, req)
		cancel()
		if err == nil && session != nil {
			return session, nil
		}
		if err == nil {
			err = errors.New("adapter returned no session")
		}
		lastErr = err
		if attempt == maxAttempts || !paymentdomain.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		log.Warn("checkout session attempt failed, retrying",
			zap.String("payment_id", req.PaymentID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	log.Error("checkout session failed",
		zap.String("payment_id", req.PaymentID),
		zap.Error(lastErr),
	)
	return nil, paymentdomain.ErrCheckoutFailed
}

func (s *Service) lock(ctx context.Context, gatewayID string, req paymentdomain.CheckoutRequest) (func(), error) {
	noop := func() {}
	customer := req.UserID
	if customer == "" {
		customer = strings.ToLower(req.CustomerEmail)
	}
	if s.locker == nil || customer == "" {
		return noop, nil
	}

	key := strings.Join([]string{"checkout", gatewayID, customer, req.ItemID}, ":")
	token, ok, err := s.locker.TryLock(ctx, key, s.timeout*maxAttempts+time.Second)
	if err != nil {
		s.log.Warn("checkout lock unavailable", zap.String("gateway", gatewayID), zap.Error(err))
		return noop, nil
	}
	if !ok {
		return nil, paymentdomain.ErrCheckoutInProgress
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, key, token); err != nil {
			s.log.Warn("checkout lock release failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// VerifyPayment asks the gateway for the current status of paymentID and,
// when it has succeeded, records it through the ledger exactly as a webhook
// would.
func (s *Service) VerifyPayment(ctx context.Context, gatewayID, paymentID string) (*paymentdomain.StatusResult, error) {
	gatewayID = strings.ToLower(strings.TrimSpace(gatewayID))
	paymentID = strings.TrimSpace(paymentID)
	if !s.registry.GatewayExists(gatewayID) {
		return nil, paymentdomain.ErrGatewayNotFound
	}
	if paymentID == "" {
		return nil, paymentdomain.ErrInvalidRequest
	}
	ctx = obscontext.WithGatewayID(ctx, gatewayID)
	log := logger.WithContext(ctx, s.log)

	record, err := s.repo.FindSessionByPaymentID(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if record == nil || record.GatewayID != gatewayID {
		return nil, paymentdomain.ErrSessionNotFound
	}

	creds, err := s.credentials.Resolve(ctx, gatewayID)
	if err != nil {
		if errors.Is(err, credentialdomain.ErrNotConfigured) {
			return nil, paymentdomain.ErrPaymentMethodUnavailable
		}
		return nil, err
	}
	adapter, err := s.registry.NewAdapter(gatewayID, creds)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrNotConfigured) {
			return nil, paymentdomain.ErrPaymentMethodUnavailable
		}
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	status, err := adapter.RetrievePaymentStatus(queryCtx, paymentdomain.StatusQuery{
		PaymentID: paymentID,
		SessionID: record.SessionID,
		Amount:    record.SettlementAmount,
		Currency:  record.SettlementCurrency,
	})
	cancel()
	if err != nil {
		if errors.Is(err, paymentdomain.ErrSessionNotFound) {
			return nil, err
		}
		log.Error("payment status lookup failed", zap.String("payment_id", paymentID), zap.Error(err))
		return nil, paymentdomain.ErrGateway
	}

	if status.Status == paymentdomain.StatusSucceeded {
		outcome, err := s.ledger.Apply(ctx, &paymentdomain.PaymentEvent{
			GatewayID:       gatewayID,
			ProviderEventID: "reconcile:" + paymentID,
			PaymentID:       paymentID,
			SessionID:       record.SessionID,
			Kind:            paymentdomain.EventSucceeded,
			Amount:          status.Amount,
			Currency:        status.Currency,
			OccurredAt:      s.clock.Now().UTC(),
			Metadata:        map[string]string{paymentdomain.MetaPaymentID: paymentID},
		})
		if err != nil && !errors.Is(err, paymentdomain.ErrStaleEvent) {
			log.Error("verified payment not recorded", zap.String("payment_id", paymentID), zap.Error(err))
			return nil, err
		}
		log.Info("payment verified", zap.String("payment_id", paymentID), zap.String("outcome", string(outcome)))
	}

	return &paymentdomain.StatusResult{
		PaymentID: paymentID,
		SessionID: record.SessionID,
		Status:    status.Status,
		Amount:    record.Amount,
		Currency:  record.Currency,
	}, nil
}

func normalizeRequest(req *paymentdomain.CheckoutRequest) error {
	if !req.Amount.IsPositive() {
		return paymentdomain.ErrInvalidAmount
	}
	currency, ok := paymentdomain.NormalizeCurrency(req.Currency)
	if !ok {
		return paymentdomain.ErrInvalidCurrency
	}
	req.Currency = currency
	req.ItemID = strings.TrimSpace(req.ItemID)
	req.ReturnURL = strings.TrimSpace(req.ReturnURL)
	req.UserID = strings.TrimSpace(req.UserID)
	req.Tier = strings.TrimSpace(req.Tier)
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	if req.ItemID == "" || !validReturnURL(req.ReturnURL) {
		return paymentdomain.ErrInvalidRequest
	}
	if req.Tier != "" && req.UserID == "" {
		return paymentdomain.ErrInvalidRequest
	}

	name := strings.TrimSpace(req.ItemDescription)
	if utf8.RuneCountInString(name) > maxItemName {
		name = string([]rune(name)[:maxItemName])
	}
	req.ItemDescription = name
	if name != "" {
		meta := make(map[string]string, len(req.Metadata)+1)
		for key, value := range req.Metadata {
			meta[key] = value
		}
		meta[paymentdomain.MetaItemName] = name
		req.Metadata = meta
	}
	return nil
}

func validReturnURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "https" || parsed.Scheme == "http") && parsed.Host != ""
}

func encodeMetadata(meta map[string]string) datatypes.JSON {
	if len(meta) == 0 {
		return datatypes.JSON("{}")
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}
