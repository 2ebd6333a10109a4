package razorpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/restclient"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

const (
	gatewayID      = "razorpay"
	defaultBaseURL = "https://api.razorpay.com"
)

type Factory struct {
	httpClient *http.Client
}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Gateway() string {
	return gatewayID
}

// NewAdapter expects the key id as the publishable key and the key secret
// as the secret key.
func (f *Factory) NewAdapter(creds credentialdomain.Credentials) (paymentdomain.GatewayAdapter, error) {
	keyID := strings.TrimSpace(creds.PublishableKey)
	keySecret := strings.TrimSpace(creds.SecretKey)
	if (keyID == "" || keySecret == "") && !creds.TestMode {
		return nil, paymentdomain.ErrNotConfigured
	}
	baseURL := creds.Option("api_base_url")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		client: restclient.New(gatewayID, baseURL,
			restclient.WithBasicAuth(keyID, keySecret),
			restclient.WithHTTPClient(f.httpClient),
		),
		webhookSecret: strings.TrimSpace(creds.WebhookSecret),
	}, nil
}

type Adapter struct {
	client        *restclient.Client
	webhookSecret string
}

func (a *Adapter) Gateway() string { return gatewayID }

type paymentLinkRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Description    string            `json:"description,omitempty"`
	ReferenceID    string            `json:"reference_id"`
	Customer       *linkCustomer     `json:"customer,omitempty"`
	Notify         map[string]bool   `json:"notify"`
	CallbackURL    string            `json:"callback_url,omitempty"`
	CallbackMethod string            `json:"callback_method,omitempty"`
	Notes          map[string]string `json:"notes"`
}

type linkCustomer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type paymentLink struct {
	ID          string         `json:"id"`
	ShortURL    string         `json:"short_url"`
	Status      string         `json:"status"`
	Amount      int64          `json:"amount"`
	AmountPaid  int64          `json:"amount_paid"`
	Currency    string         `json:"currency"`
	ReferenceID string         `json:"reference_id"`
	Notes       map[string]any `json:"notes"`
}

func (a *Adapter) CreateCheckoutSession(ctx context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	meta := req.ProviderMetadata(gatewayID)
	body := paymentLinkRequest{
		Amount:         paymentdomain.ToMinorUnits(req.Amount, req.Currency),
		Currency:       req.Currency,
		Description:    req.ItemDescription,
		ReferenceID:    req.PaymentID,
		Notify:         map[string]bool{"sms": false, "email": false},
		CallbackURL:    req.ReturnURL,
		CallbackMethod: "get",
		Notes:          meta,
	}
	if req.CustomerEmail != "" || req.CustomerName != "" {
		body.Customer = &linkCustomer{Name: req.CustomerName, Email: req.CustomerEmail}
	}
	if body.CallbackURL == "" {
		body.CallbackMethod = ""
	}

	var link paymentLink
	if err := a.client.Do(ctx, "create_payment_link", restclient.Request{
		Method: http.MethodPost,
		Path:   "/v1/payment_links",
		JSON:   body,
	}, &link); err != nil {
		return nil, err
	}

	return &paymentdomain.CheckoutSession{
		PaymentID:   req.PaymentID,
		CheckoutURL: link.ShortURL,
		SessionID:   link.ID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Metadata:    meta,
		GatewayID:   gatewayID,
	}, nil
}

type webhookEnvelope struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		PaymentLink  *entityWrapper[paymentLink]   `json:"payment_link"`
		Payment      *entityWrapper[paymentEntity] `json:"payment"`
		Subscription *entityWrapper[subscription]  `json:"subscription"`
	} `json:"payload"`
}

type entityWrapper[T any] struct {
	Entity T `json:"entity"`
}

type paymentEntity struct {
	ID        string         `json:"id"`
	Amount    int64          `json:"amount"`
	Currency  string         `json:"currency"`
	Status    string         `json:"status"`
	CreatedAt int64          `json:"created_at"`
	Notes     map[string]any `json:"notes"`
}

type subscription struct {
	ID    string         `json:"id"`
	Notes map[string]any `json:"notes"`
}

// VerifyWebhook checks X-Razorpay-Signature, the hex HMAC-SHA256 of the raw
// body keyed with the webhook secret.
func (a *Adapter) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.PaymentEvent, error) {
	if a.webhookSecret == "" {
		return nil, paymentdomain.NewVerificationError(gatewayID, "webhook_secret_missing", nil)
	}
	signature := strings.TrimSpace(headers.Get("X-Razorpay-Signature"))
	if signature == "" {
		return nil, paymentdomain.NewVerificationError(gatewayID, "missing_signature", nil)
	}
	if !validSignature(payload, signature, a.webhookSecret) {
		return nil, paymentdomain.NewVerificationError(gatewayID, "signature_mismatch", nil)
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, paymentdomain.ErrInvalidEvent
	}
	occurredAt := time.Unix(envelope.CreatedAt, 0).UTC()

	var event *paymentdomain.PaymentEvent
	switch envelope.Event {
	case "payment_link.paid":
		if envelope.Payload.PaymentLink == nil {
			return nil, paymentdomain.ErrInvalidEvent
		}
		link := envelope.Payload.PaymentLink.Entity
		meta := paymentdomain.StringMetadata(link.Notes)
		amount := link.AmountPaid
		if amount == 0 {
			amount = link.Amount
		}
		event = &paymentdomain.PaymentEvent{
			PaymentID: firstNonEmpty(link.ReferenceID, meta[paymentdomain.MetaPaymentID]),
			SessionID: link.ID,
			Kind:      paymentdomain.EventSucceeded,
			Amount:    paymentdomain.FromMinorUnits(amount, link.Currency),
			Currency:  strings.ToUpper(link.Currency),
			Metadata:  meta,
		}
	case "payment.failed":
		if envelope.Payload.Payment == nil {
			return nil, paymentdomain.ErrInvalidEvent
		}
		payment := envelope.Payload.Payment.Entity
		meta := paymentdomain.StringMetadata(payment.Notes)
		event = &paymentdomain.PaymentEvent{
			PaymentID: firstNonEmpty(meta[paymentdomain.MetaPaymentID], payment.ID),
			Kind:      paymentdomain.EventFailed,
			Amount:    paymentdomain.FromMinorUnits(payment.Amount, payment.Currency),
			Currency:  strings.ToUpper(payment.Currency),
			Metadata:  meta,
		}
	case "subscription.charged":
		if envelope.Payload.Payment == nil || envelope.Payload.Subscription == nil {
			return nil, paymentdomain.ErrInvalidEvent
		}
		payment := envelope.Payload.Payment.Entity
		sub := envelope.Payload.Subscription.Entity
		event = &paymentdomain.PaymentEvent{
			PaymentID: payment.ID,
			SessionID: sub.ID,
			Kind:      paymentdomain.EventSubscriptionRenewed,
			Amount:    paymentdomain.FromMinorUnits(payment.Amount, payment.Currency),
			Currency:  strings.ToUpper(payment.Currency),
			Metadata:  paymentdomain.StringMetadata(sub.Notes),
		}
	case "subscription.cancelled":
		if envelope.Payload.Subscription == nil {
			return nil, paymentdomain.ErrInvalidEvent
		}
		sub := envelope.Payload.Subscription.Entity
		meta := paymentdomain.StringMetadata(sub.Notes)
		event = &paymentdomain.PaymentEvent{
			PaymentID: meta[paymentdomain.MetaPaymentID],
			SessionID: sub.ID,
			Kind:      paymentdomain.EventSubscriptionCancelled,
			Amount:    decimal.Zero,
			Metadata:  meta,
		}
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
	if event.PaymentID == "" {
		return nil, paymentdomain.ErrEventUnattributed
	}

	event.GatewayID = gatewayID
	event.ProviderEventID = strings.TrimSpace(headers.Get("X-Razorpay-Event-Id"))
	if event.ProviderEventID == "" {
		event.ProviderEventID = envelope.Event + ":" + firstNonEmpty(event.SessionID, event.PaymentID)
	}
	event.OccurredAt = occurredAt
	event.RawPayload = payload
	return event, nil
}

func (a *Adapter) RetrievePaymentStatus(ctx context.Context, query paymentdomain.StatusQuery) (*paymentdomain.StatusResult, error) {
	if strings.TrimSpace(query.SessionID) == "" {
		return nil, paymentdomain.ErrSessionNotFound
	}
	var link paymentLink
	if err := a.client.Do(ctx, "fetch_payment_link", restclient.Request{
		Method: http.MethodGet,
		Path:   "/v1/payment_links/" + url.PathEscape(query.SessionID),
	}, &link); err != nil {
		return nil, err
	}

	amount := link.AmountPaid
	if amount == 0 {
		amount = link.Amount
	}
	return &paymentdomain.StatusResult{
		PaymentID: query.PaymentID,
		SessionID: link.ID,
		Status:    linkStatus(link.Status),
		Amount:    paymentdomain.FromMinorUnits(amount, link.Currency),
		Currency:  strings.ToUpper(link.Currency),
	}, nil
}

func linkStatus(status string) paymentdomain.PaymentStatus {
	switch status {
	case "paid":
		return paymentdomain.StatusSucceeded
	case "created", "partially_paid":
		return paymentdomain.StatusPending
	case "expired":
		return paymentdomain.StatusExpired
	case "cancelled":
		return paymentdomain.StatusFailed
	default:
		return paymentdomain.StatusUnknown
	}
}

func validSignature(payload []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}
