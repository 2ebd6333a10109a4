package yoco

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/restclient"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	svix "github.com/svix/svix-webhooks/go"
)

const (
	gatewayID      = "yoco"
	defaultBaseURL = "https://payments.yoco.com"
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

func (f *Factory) NewAdapter(creds credentialdomain.Credentials) (paymentdomain.GatewayAdapter, error) {
	secretKey := strings.TrimSpace(creds.SecretKey)
	if secretKey == "" && !creds.TestMode {
		return nil, paymentdomain.ErrNotConfigured
	}
	baseURL := creds.Option("api_base_url")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	adapter := &Adapter{
		client: restclient.New(gatewayID, baseURL,
			restclient.WithBearer(secretKey),
			restclient.WithHTTPClient(f.httpClient),
		),
	}
	if secret := strings.TrimSpace(creds.WebhookSecret); secret != "" {
		verifier, err := svix.NewWebhook(secret)
		if err != nil {
			return nil, credentialdomain.ErrInvalidGatewaySetting
		}
		adapter.verifier = verifier
	}
	return adapter, nil
}

type Adapter struct {
	client   *restclient.Client
	verifier *svix.Webhook
}

func (a *Adapter) Gateway() string { return gatewayID }

type checkoutRequest struct {
	Amount     int64             `json:"amount"`
	Currency   string            `json:"currency"`
	SuccessURL string            `json:"successUrl,omitempty"`
	CancelURL  string            `json:"cancelUrl,omitempty"`
	FailureURL string            `json:"failureUrl,omitempty"`
	Metadata   map[string]string `json:"metadata"`
}

type checkout struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirectUrl"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	PaymentID   string `json:"paymentId"`
}

func (a *Adapter) CreateCheckoutSession(ctx context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	meta := req.ProviderMetadata(gatewayID)
	var out checkout
	err := a.client.Do(ctx, "create_checkout", restclient.Request{
		Method: http.MethodPost,
		Path:   "/api/checkouts",
		JSON: checkoutRequest{
			Amount:     paymentdomain.ToMinorUnits(req.Amount, req.Currency),
			Currency:   req.Currency,
			SuccessURL: req.ReturnURL,
			CancelURL:  req.ReturnURL,
			FailureURL: req.ReturnURL,
			Metadata:   meta,
		},
		Headers: map[string]string{"Idempotency-Key": req.PaymentID},
	}, &out)
	if err != nil {
		return nil, err
	}

	return &paymentdomain.CheckoutSession{
		PaymentID:   req.PaymentID,
		CheckoutURL: out.RedirectURL,
		SessionID:   out.ID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Metadata:    meta,
		GatewayID:   gatewayID,
	}, nil
}

type webhookEvent struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	CreatedDate string `json:"createdDate"`
	Payload     struct {
		ID          string         `json:"id"`
		Amount      int64          `json:"amount"`
		Currency    string         `json:"currency"`
		Status      string         `json:"status"`
		CreatedDate string         `json:"createdDate"`
		Metadata    map[string]any `json:"metadata"`
	} `json:"payload"`
}

// VerifyWebhook uses the standard-webhooks scheme: webhook-id,
// webhook-timestamp and webhook-signature headers.
func (a *Adapter) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.PaymentEvent, error) {
	if a.verifier == nil {
		return nil, paymentdomain.NewVerificationError(gatewayID, "webhook_secret_missing", nil)
	}
	if headers.Get("webhook-signature") == "" && headers.Get("svix-signature") == "" {
		return nil, paymentdomain.NewVerificationError(gatewayID, "missing_signature", nil)
	}
	if err := a.verifier.Verify(payload, headers); err != nil {
		return nil, paymentdomain.NewVerificationError(gatewayID, "signature_mismatch", err)
	}

	var evt webhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, paymentdomain.ErrInvalidEvent
	}

	var kind paymentdomain.EventKind
	switch evt.Type {
	case "payment.succeeded":
		kind = paymentdomain.EventSucceeded
	case "payment.failed":
		kind = paymentdomain.EventFailed
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	meta := paymentdomain.StringMetadata(evt.Payload.Metadata)
	paymentID := meta[paymentdomain.MetaPaymentID]
	if paymentID == "" {
		return nil, paymentdomain.ErrEventUnattributed
	}
	eventID := strings.TrimSpace(evt.ID)
	if eventID == "" {
		eventID = headers.Get("webhook-id")
	}

	return &paymentdomain.PaymentEvent{
		GatewayID:       gatewayID,
		ProviderEventID: eventID,
		PaymentID:       paymentID,
		SessionID:       meta["checkoutId"],
		Kind:            kind,
		Amount:          paymentdomain.FromMinorUnits(evt.Payload.Amount, evt.Payload.Currency),
		Currency:        strings.ToUpper(evt.Payload.Currency),
		OccurredAt:      parseTime(evt.Payload.CreatedDate, evt.CreatedDate),
		Metadata:        meta,
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) RetrievePaymentStatus(ctx context.Context, query paymentdomain.StatusQuery) (*paymentdomain.StatusResult, error) {
	if strings.TrimSpace(query.SessionID) == "" {
		return nil, paymentdomain.ErrSessionNotFound
	}
	var out checkout
	if err := a.client.Do(ctx, "fetch_checkout", restclient.Request{
		Method: http.MethodGet,
		Path:   "/api/checkouts/" + url.PathEscape(query.SessionID),
	}, &out); err != nil {
		return nil, err
	}

	return &paymentdomain.StatusResult{
		PaymentID: query.PaymentID,
		SessionID: out.ID,
		Status:    checkoutStatus(out.Status),
		Amount:    paymentdomain.FromMinorUnits(out.Amount, out.Currency),
		Currency:  strings.ToUpper(out.Currency),
	}, nil
}

func checkoutStatus(status string) paymentdomain.PaymentStatus {
	switch strings.ToLower(status) {
	case "completed", "succeeded":
		return paymentdomain.StatusSucceeded
	case "created", "started", "processing":
		return paymentdomain.StatusPending
	case "expired":
		return paymentdomain.StatusExpired
	case "failed", "cancelled":
		return paymentdomain.StatusFailed
	default:
		return paymentdomain.StatusUnknown
	}
}

func parseTime(values ...string) time.Time {
	for _, value := range values {
		if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value)); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
