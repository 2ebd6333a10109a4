package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/coursepay/internal/subscription/domain"
	stripesdk "github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"
)

const gatewayID = "stripe"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Gateway() string {
	return gatewayID
}

func (f *Factory) NewAdapter(creds credentialdomain.Credentials) (paymentdomain.GatewayAdapter, error) {
	secretKey := strings.TrimSpace(creds.SecretKey)
	if secretKey == "" && !creds.TestMode {
		return nil, paymentdomain.ErrNotConfigured
	}

	// Retries are owned by the checkout orchestrator.
	backendCfg := &stripesdk.BackendConfig{MaxNetworkRetries: stripesdk.Int64(0)}
	if base := creds.Option("api_base_url"); base != "" {
		backendCfg.URL = stripesdk.String(base)
	}
	backend := stripesdk.GetBackendWithConfig(stripesdk.APIBackend, backendCfg)

	return &Adapter{
		api:           client.New(secretKey, &stripesdk.Backends{API: backend, Connect: backend, Uploads: backend}),
		webhookSecret: strings.TrimSpace(creds.WebhookSecret),
	}, nil
}

type Adapter struct {
	api           *client.API
	webhookSecret string
}

func (a *Adapter) Gateway() string { return gatewayID }

func (a *Adapter) CreateCheckoutSession(ctx context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	meta := req.ProviderMetadata(gatewayID)

	priceData := &stripesdk.CheckoutSessionLineItemPriceDataParams{
		Currency:   stripesdk.String(strings.ToLower(req.Currency)),
		UnitAmount: stripesdk.Int64(paymentdomain.ToMinorUnits(req.Amount, req.Currency)),
		ProductData: &stripesdk.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripesdk.String(itemName(req)),
		},
	}
	params := &stripesdk.CheckoutSessionParams{
		Params:            stripesdk.Params{Context: ctx},
		SuccessURL:        stripesdk.String(req.ReturnURL),
		CancelURL:         stripesdk.String(req.ReturnURL),
		ClientReferenceID: stripesdk.String(req.PaymentID),
		LineItems: []*stripesdk.CheckoutSessionLineItemParams{{
			Quantity:  stripesdk.Int64(1),
			PriceData: priceData,
		}},
		Metadata: meta,
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripesdk.String(req.CustomerEmail)
	}
	if req.IsSubscription() {
		params.Mode = stripesdk.String(string(stripesdk.CheckoutSessionModeSubscription))
		priceData.Recurring = &stripesdk.CheckoutSessionLineItemPriceDataRecurringParams{
			Interval: stripesdk.String(recurringInterval(req.BillingInterval)),
		}
		params.SubscriptionData = &stripesdk.CheckoutSessionSubscriptionDataParams{Metadata: meta}
	} else {
		params.Mode = stripesdk.String(string(stripesdk.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripesdk.CheckoutSessionPaymentIntentDataParams{Metadata: meta}
	}
	params.SetIdempotencyKey(req.PaymentID)

	session, err := a.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, translateError("create_session", err)
	}

	return &paymentdomain.CheckoutSession{
		PaymentID:   req.PaymentID,
		CheckoutURL: session.URL,
		SessionID:   session.ID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Metadata:    meta,
		GatewayID:   gatewayID,
	}, nil
}

func (a *Adapter) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.PaymentEvent, error) {
	if a.webhookSecret == "" {
		return nil, paymentdomain.NewVerificationError(gatewayID, "webhook_secret_missing", nil)
	}
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return nil, paymentdomain.NewVerificationError(gatewayID, "missing_signature", nil)
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, paymentdomain.NewVerificationError(gatewayID, "signature_mismatch", err)
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}

	occurredAt := time.Unix(event.Created, 0).UTC()
	switch string(event.Type) {
	case "checkout.session.completed":
		return parseSession(event.ID, event.Data.Raw, occurredAt, payload, "")
	case "checkout.session.async_payment_succeeded":
		return parseSession(event.ID, event.Data.Raw, occurredAt, payload, paymentdomain.EventSucceeded)
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		return parseSession(event.ID, event.Data.Raw, occurredAt, payload, paymentdomain.EventFailed)
	case "invoice.paid":
		return parseInvoice(event.ID, event.Data.Raw, occurredAt, payload, paymentdomain.EventSubscriptionRenewed)
	case "invoice.payment_failed":
		return parseInvoice(event.ID, event.Data.Raw, occurredAt, payload, paymentdomain.EventFailed)
	case "customer.subscription.deleted":
		return parseSubscriptionDeleted(event.ID, event.Data.Raw, occurredAt, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

func (a *Adapter) RetrievePaymentStatus(ctx context.Context, query paymentdomain.StatusQuery) (*paymentdomain.StatusResult, error) {
	if strings.TrimSpace(query.SessionID) == "" {
		return nil, paymentdomain.ErrSessionNotFound
	}
	session, err := a.api.CheckoutSessions.Get(query.SessionID, &stripesdk.CheckoutSessionParams{
		Params: stripesdk.Params{Context: ctx},
	})
	if err != nil {
		return nil, translateError("retrieve_session", err)
	}

	currency := strings.ToUpper(string(session.Currency))
	return &paymentdomain.StatusResult{
		PaymentID: query.PaymentID,
		SessionID: session.ID,
		Status:    sessionStatus(string(session.Status), string(session.PaymentStatus)),
		Amount:    paymentdomain.FromMinorUnits(session.AmountTotal, currency),
		Currency:  currency,
	}, nil
}

type sessionObject struct {
	ID                string         `json:"id"`
	ClientReferenceID string         `json:"client_reference_id"`
	AmountTotal       int64          `json:"amount_total"`
	Currency          string         `json:"currency"`
	PaymentStatus     string         `json:"payment_status"`
	Status            string         `json:"status"`
	Metadata          map[string]any `json:"metadata"`
}

type invoiceObject struct {
	ID                  string `json:"id"`
	AmountPaid          int64  `json:"amount_paid"`
	AmountDue           int64  `json:"amount_due"`
	Currency            string `json:"currency"`
	BillingReason       string `json:"billing_reason"`
	SubscriptionDetails struct {
		Metadata map[string]any `json:"metadata"`
	} `json:"subscription_details"`
}

type subscriptionObject struct {
	ID         string         `json:"id"`
	CanceledAt int64          `json:"canceled_at"`
	Metadata   map[string]any `json:"metadata"`
}

func parseSession(eventID string, raw json.RawMessage, occurredAt time.Time, payload []byte, kind paymentdomain.EventKind) (*paymentdomain.PaymentEvent, error) {
	var session sessionObject
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, paymentdomain.ErrInvalidEvent
	}
	meta := paymentdomain.StringMetadata(session.Metadata)
	paymentID := strings.TrimSpace(session.ClientReferenceID)
	if paymentID == "" {
		paymentID = meta[paymentdomain.MetaPaymentID]
	}
	if paymentID == "" {
		return nil, paymentdomain.ErrEventUnattributed
	}

	if kind == "" {
		switch session.PaymentStatus {
		case "paid", "no_payment_required":
			kind = paymentdomain.EventSucceeded
		default:
			kind = paymentdomain.EventPending
		}
	}

	currency := strings.ToUpper(session.Currency)
	return &paymentdomain.PaymentEvent{
		GatewayID:       gatewayID,
		ProviderEventID: eventID,
		PaymentID:       paymentID,
		SessionID:       session.ID,
		Kind:            kind,
		Amount:          paymentdomain.FromMinorUnits(session.AmountTotal, currency),
		Currency:        currency,
		OccurredAt:      occurredAt,
		Metadata:        meta,
		RawPayload:      payload,
	}, nil
}

func parseInvoice(eventID string, raw json.RawMessage, occurredAt time.Time, payload []byte, kind paymentdomain.EventKind) (*paymentdomain.PaymentEvent, error) {
	var invoice invoiceObject
	if err := json.Unmarshal(raw, &invoice); err != nil || invoice.ID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	// The first invoice of a subscription is settled through the checkout
	// session events.
	if kind == paymentdomain.EventSubscriptionRenewed && invoice.BillingReason != "subscription_cycle" {
		return nil, paymentdomain.ErrEventIgnored
	}

	meta := paymentdomain.StringMetadata(invoice.SubscriptionDetails.Metadata)
	amount := invoice.AmountPaid
	if kind == paymentdomain.EventFailed {
		amount = invoice.AmountDue
	}
	currency := strings.ToUpper(invoice.Currency)
	return &paymentdomain.PaymentEvent{
		GatewayID:       gatewayID,
		ProviderEventID: eventID,
		PaymentID:       invoice.ID,
		Kind:            kind,
		Amount:          paymentdomain.FromMinorUnits(amount, currency),
		Currency:        currency,
		OccurredAt:      occurredAt,
		Metadata:        meta,
		RawPayload:      payload,
	}, nil
}

func parseSubscriptionDeleted(eventID string, raw json.RawMessage, occurredAt time.Time, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var sub subscriptionObject
	if err := json.Unmarshal(raw, &sub); err != nil || sub.ID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	meta := paymentdomain.StringMetadata(sub.Metadata)
	paymentID := meta[paymentdomain.MetaPaymentID]
	if paymentID == "" {
		return nil, paymentdomain.ErrEventUnattributed
	}
	if sub.CanceledAt > 0 {
		occurredAt = time.Unix(sub.CanceledAt, 0).UTC()
	}
	return &paymentdomain.PaymentEvent{
		GatewayID:       gatewayID,
		ProviderEventID: eventID,
		PaymentID:       paymentID,
		SessionID:       sub.ID,
		Kind:            paymentdomain.EventSubscriptionCancelled,
		Amount:          decimal.Zero,
		OccurredAt:      occurredAt,
		Metadata:        meta,
		RawPayload:      payload,
	}, nil
}

func sessionStatus(status, paymentStatus string) paymentdomain.PaymentStatus {
	switch {
	case paymentStatus == "paid" || paymentStatus == "no_payment_required":
		return paymentdomain.StatusSucceeded
	case status == "expired":
		return paymentdomain.StatusExpired
	case status == "open" || status == "complete":
		return paymentdomain.StatusPending
	default:
		return paymentdomain.StatusUnknown
	}
}

func translateError(op string, err error) error {
	var stripeErr *stripesdk.Error
	if errors.As(err, &stripeErr) {
		return paymentdomain.NewGatewayError(gatewayID, op, stripeErr.HTTPStatusCode,
			errors.New(string(stripeErr.Code)+": "+stripeErr.Msg))
	}
	return paymentdomain.NewGatewayError(gatewayID, op, 0, err)
}

// recurringInterval bills on the same cycle the ledger grants access for.
func recurringInterval(interval string) string {
	return string(subscriptiondomain.ParseBillingCycle(interval))
}

func itemName(req paymentdomain.CheckoutRequest) string {
	if name := strings.TrimSpace(req.ItemDescription); name != "" {
		return name
	}
	return req.ItemID
}
