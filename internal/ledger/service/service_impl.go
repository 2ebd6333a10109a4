package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/coursepay/internal/clock"
	ledgerdomain "github.com/smallbiznis/coursepay/internal/ledger/domain"
	obscontext "github.com/smallbiznis/coursepay/internal/observability/context"
	"github.com/smallbiznis/coursepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/coursepay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultReceiptTimeout = 30 * time.Second

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Repo            ledgerdomain.Repository
	PaymentRepo     paymentdomain.Repository
	SubscriptionSvc subscriptiondomain.Service
	Receipts        ledgerdomain.ReceiptSender `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	repo            ledgerdomain.Repository
	paymentRepo     paymentdomain.Repository
	subscriptionSvc subscriptiondomain.Service
	receipts        ledgerdomain.ReceiptSender
	obsMetrics      *obsmetrics.Metrics
	receiptTimeout  time.Duration
}

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("ledger.service"),
		genID:           p.GenID,
		clock:           clk,
		repo:            p.Repo,
		paymentRepo:     p.PaymentRepo,
		subscriptionSvc: p.SubscriptionSvc,
		receipts:        p.Receipts,
		obsMetrics:      p.ObsMetrics,
		receiptTimeout:  defaultReceiptTimeout,
	}
}

// owner is who a payment belongs to and what they were quoted, taken from
// the checkout session when one exists.
type owner struct {
	paymentID          string
	userID             string
	itemID             string
	itemName           string
	tier               string
	billingInterval    string
	email              string
	name               string
	amount             decimal.Decimal
	currency           string
	settlementAmount   decimal.Decimal
	settlementCurrency string
	testMode           bool
}

// Apply records event and performs its state change in one transaction.
// Applying the same event twice is a no-op reported as OutcomeAlreadyApplied.
func (s *Service) Apply(ctx context.Context, event *paymentdomain.PaymentEvent) (ledgerdomain.Outcome, error) {
	if err := validateEvent(event); err != nil {
		return "", err
	}

	now := s.clock.Now().UTC()
	occurredAt := event.OccurredAt.UTC()
	if event.OccurredAt.IsZero() {
		occurredAt = now
	}

	var (
		outcome ledgerdomain.Outcome
		receipt *ledgerdomain.Receipt
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := &paymentdomain.EventRecord{
			ID:              s.genID.Generate(),
			GatewayID:       event.GatewayID,
			ProviderEventID: event.ProviderEventID,
			PaymentID:       event.PaymentID,
			Kind:            string(event.Kind),
			Payload:         eventPayload(event.RawPayload),
			OccurredAt:      occurredAt,
			ReceivedAt:      now,
		}
		inserted, err := s.paymentRepo.InsertEvent(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			stored, err := s.paymentRepo.FindEvent(ctx, tx, event.GatewayID, event.ProviderEventID)
			if err != nil {
				return err
			}
			if stored == nil {
				return ledgerdomain.ErrInvalidEvent
			}
			if stored.ProcessedAt != nil {
				outcome = ledgerdomain.OutcomeAlreadyApplied
				return nil
			}
			record = stored
		}

		switch event.Kind {
		case paymentdomain.EventSucceeded, paymentdomain.EventSubscriptionRenewed:
			outcome, receipt, err = s.applyPayment(ctx, tx, event, occurredAt, now)
		case paymentdomain.EventSubscriptionCancelled:
			outcome, err = s.applyCancellation(ctx, tx, event, occurredAt)
		default:
			s.log.Info("payment event recorded without state change",
				zap.String("gateway", event.GatewayID),
				zap.String("payment_id", event.PaymentID),
				zap.String("event_kind", string(event.Kind)),
			)
			outcome = ledgerdomain.OutcomeRecorded
		}
		if err != nil {
			return err
		}
		return s.paymentRepo.MarkProcessed(ctx, tx, record.ID, now)
	})
	if errors.Is(err, paymentdomain.ErrStaleEvent) {
		s.log.Info("stale payment event discarded",
			zap.String("gateway", event.GatewayID),
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("payment_id", event.PaymentID),
			zap.Time("occurred_at", occurredAt),
		)
		s.obsMetrics.RecordPaymentEvent(ctx, event.GatewayID, string(event.Kind), string(ledgerdomain.OutcomeStale))
		return ledgerdomain.OutcomeStale, err
	}
	if err != nil {
		return "", err
	}

	s.obsMetrics.RecordPaymentEvent(ctx, event.GatewayID, string(event.Kind), string(outcome))
	if receipt != nil {
		s.sendReceipt(ctx, *receipt)
	}
	return outcome, nil
}

func (s *Service) applyPayment(
	ctx context.Context,
	tx *gorm.DB,
	event *paymentdomain.PaymentEvent,
	occurredAt time.Time,
	now time.Time,
) (ledgerdomain.Outcome, *ledgerdomain.Receipt, error) {
	who, err := s.resolveOwner(ctx, tx, event)
	if err != nil {
		return "", nil, err
	}
	if who == nil {
		s.log.Warn("payment event cannot be attributed to a checkout",
			zap.String("gateway", event.GatewayID),
			zap.String("payment_id", event.PaymentID),
			zap.String("session_id", event.SessionID),
		)
		return "", nil, paymentdomain.ErrSessionNotFound
	}

	purchaseID, err := s.purchasePaymentID(ctx, tx, event, who)
	if err != nil {
		return "", nil, err
	}

	purchase := &ledgerdomain.Purchase{
		ID:                 s.genID.Generate(),
		PaymentID:          purchaseID,
		UserID:             who.userID,
		ItemID:             who.itemID,
		Tier:               who.tier,
		Amount:             who.amount,
		Currency:           who.currency,
		SettlementAmount:   who.settlementAmount,
		SettlementCurrency: who.settlementCurrency,
		PaymentMethod:      event.GatewayID,
		TestMode:           who.testMode,
		RecordedAt:         now,
	}
	inserted, err := s.repo.InsertPurchase(ctx, tx, purchase)
	if err != nil {
		return "", nil, err
	}
	if !inserted {
		return ledgerdomain.OutcomeAlreadyApplied, nil, nil
	}

	receipt := &ledgerdomain.Receipt{
		Purchase:        *purchase,
		CustomerEmail:   who.email,
		CustomerName:    who.name,
		ItemDescription: who.itemName,
	}
	if who.tier != "" {
		sub, err := s.subscriptionSvc.Extend(ctx, tx, subscriptiondomain.Extension{
			UserID:     who.userID,
			Tier:       who.tier,
			Cycle:      subscriptiondomain.ParseBillingCycle(who.billingInterval),
			PaymentID:  purchaseID,
			OccurredAt: occurredAt,
		})
		if err != nil {
			return "", nil, err
		}
		receipt.Subscription = sub
	}
	return ledgerdomain.OutcomeApplied, receipt, nil
}

// purchasePaymentID files a payment reported under a provider charge id
// against the checkout it came from while that checkout has no purchase yet.
// Later charges are recorded under their own id.
func (s *Service) purchasePaymentID(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent, who *owner) (string, error) {
	if who.paymentID == "" || who.paymentID == event.PaymentID {
		return event.PaymentID, nil
	}
	first, err := s.repo.FindByPaymentID(ctx, tx, who.paymentID)
	if err != nil {
		return "", err
	}
	if first != nil {
		return event.PaymentID, nil
	}
	return who.paymentID, nil
}

func (s *Service) applyCancellation(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent, occurredAt time.Time) (ledgerdomain.Outcome, error) {
	who, err := s.resolveOwner(ctx, tx, event)
	if err != nil {
		return "", err
	}
	if who == nil || who.tier == "" {
		s.log.Warn("cancellation without a subscription checkout",
			zap.String("gateway", event.GatewayID),
			zap.String("payment_id", event.PaymentID),
		)
		return ledgerdomain.OutcomeRecorded, nil
	}

	_, err = s.subscriptionSvc.Cancel(ctx, tx, subscriptiondomain.Cancellation{
		UserID:     who.userID,
		Tier:       who.tier,
		OccurredAt: occurredAt,
	})
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		s.log.Warn("cancellation for unknown subscription",
			zap.String("user_id", who.userID),
			zap.String("tier", who.tier),
		)
		return ledgerdomain.OutcomeRecorded, nil
	}
	if err != nil {
		return "", err
	}
	return ledgerdomain.OutcomeApplied, nil
}

// resolveOwner finds the checkout behind event: by paymentId, then by the
// originating paymentId a renewal carries, then by provider session id, and
// last by the user and item echoed in provider metadata.
func (s *Service) resolveOwner(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent) (*owner, error) {
	candidates := []string{event.PaymentID}
	if origin := event.Metadata[paymentdomain.MetaPaymentID]; origin != "" && origin != event.PaymentID {
		candidates = append(candidates, origin)
	}
	for _, paymentID := range candidates {
		session, err := s.paymentRepo.FindSessionByPaymentID(ctx, tx, paymentID)
		if err != nil {
			return nil, err
		}
		if session != nil {
			return ownerFromSession(session), nil
		}
	}

	if event.SessionID != "" {
		session, err := s.paymentRepo.FindSessionBySessionID(ctx, tx, event.GatewayID, event.SessionID)
		if err != nil {
			return nil, err
		}
		if session != nil {
			return ownerFromSession(session), nil
		}
	}

	userID := event.Metadata[paymentdomain.MetaUserID]
	itemID := event.Metadata[paymentdomain.MetaItemID]
	if userID == "" || itemID == "" {
		return nil, nil
	}
	return &owner{
		userID:             userID,
		itemID:             itemID,
		tier:               event.Metadata[paymentdomain.MetaTier],
		amount:             event.Amount,
		currency:           event.Currency,
		settlementAmount:   event.Amount,
		settlementCurrency: event.Currency,
		testMode:           event.Metadata[paymentdomain.MetaTestMode] == "true",
	}, nil
}

func ownerFromSession(session *paymentdomain.SessionRecord) *owner {
	meta := map[string]string{}
	if len(session.Metadata) > 0 {
		_ = json.Unmarshal(session.Metadata, &meta)
	}
	return &owner{
		paymentID:          session.PaymentID,
		userID:             session.UserID,
		itemID:             session.ItemID,
		itemName:           meta[paymentdomain.MetaItemName],
		tier:               session.Tier,
		billingInterval:    session.BillingInterval,
		email:              session.CustomerEmail,
		name:               session.CustomerName,
		amount:             session.Amount,
		currency:           session.Currency,
		settlementAmount:   session.SettlementAmount,
		settlementCurrency: session.SettlementCurrency,
		testMode:           session.TestMode,
	}
}

// sendReceipt runs after commit and never affects the recorded purchase.
// The goroutine keeps the caller's correlation id but not its deadline.
func (s *Service) sendReceipt(parent context.Context, receipt ledgerdomain.Receipt) {
	if s.receipts == nil {
		return
	}
	correlationID := obscontext.CorrelationIDFromContext(parent)
	go func() {
		ctx := obscontext.WithCorrelationID(context.Background(), correlationID)
		ctx = obscontext.WithPaymentID(ctx, receipt.Purchase.PaymentID)
		ctx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
		defer cancel()
		if err := s.receipts.Send(ctx, receipt); err != nil {
			logger.WithContext(ctx, s.log).Error("receipt delivery failed",
				zap.String("user_id", receipt.Purchase.UserID),
				zap.Error(err),
			)
		}
	}()
}

func (s *Service) FindPurchase(ctx context.Context, paymentID string) (*ledgerdomain.Purchase, error) {
	purchase, err := s.repo.FindByPaymentID(ctx, s.db, strings.TrimSpace(paymentID))
	if err != nil {
		return nil, err
	}
	if purchase == nil {
		return nil, ledgerdomain.ErrPurchaseNotFound
	}
	return purchase, nil
}

func (s *Service) ListPurchases(ctx context.Context, userID string) ([]ledgerdomain.Purchase, error) {
	return s.repo.ListByUser(ctx, s.db, strings.TrimSpace(userID))
}

func validateEvent(event *paymentdomain.PaymentEvent) error {
	if event == nil {
		return ledgerdomain.ErrInvalidEvent
	}
	event.GatewayID = strings.ToLower(strings.TrimSpace(event.GatewayID))
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	event.PaymentID = strings.TrimSpace(event.PaymentID)
	if event.GatewayID == "" || event.ProviderEventID == "" || event.PaymentID == "" || event.Kind == "" {
		return ledgerdomain.ErrInvalidEvent
	}
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	return nil
}

func eventPayload(raw []byte) datatypes.JSON {
	if len(raw) == 0 || !json.Valid(raw) {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}
