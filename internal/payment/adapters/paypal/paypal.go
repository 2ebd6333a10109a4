package paypal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/coursepay/internal/cache"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/restclient"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

const (
	gatewayID      = "paypal"
	liveBaseURL    = "https://api-m.paypal.com"
	sandboxBaseURL = "https://api-m.sandbox.paypal.com"

	// subscriptionPrefix starts every billing subscription id; order ids
	// never carry it.
	subscriptionPrefix = "I-"
)

// Factory keeps OAuth access tokens across adapters so a token is fetched
// once per client id until it expires.
type Factory struct {
	tokens cache.Cache[string, string]
}

func NewFactory() *Factory {
	return &Factory{tokens: cache.NewTTLCache[string, string]()}
}

func (f *Factory) Gateway() string {
	return gatewayID
}

// NewAdapter expects the REST client id as the publishable key, the client
// secret as the secret key and the webhook id in the webhook_id option.
func (f *Factory) NewAdapter(creds credentialdomain.Credentials) (paymentdomain.GatewayAdapter, error) {
	clientID := strings.TrimSpace(creds.PublishableKey)
	clientSecret := strings.TrimSpace(creds.SecretKey)
	if (clientID == "" || clientSecret == "") && !creds.TestMode {
		return nil, paymentdomain.ErrNotConfigured
	}

	baseURL := creds.Option("api_base_url")
	if baseURL == "" {
		baseURL = liveBaseURL
		if creds.TestMode || strings.EqualFold(creds.Option("environment"), "sandbox") {
			baseURL = sandboxBaseURL
		}
	}

	return &Adapter{
		client:       restclient.New(gatewayID, baseURL),
		tokens:       f.tokens,
		clientID:     clientID,
		clientSecret: clientSecret,
		webhookID:    creds.Option("webhook_id"),
		brandName:    creds.Option("brand_name"),
		plans:        creds.Options,
	}, nil
}

type Adapter struct {
	client       *restclient.Client
	tokens       cache.Cache[string, string]
	clientID     string
	clientSecret string
	webhookID    string
	brandName    string
	plans        map[string]string
}

func (a *Adapter) Gateway() string { return gatewayID }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	key := cache.Key(a.client.BaseURL(), a.clientID)
	if token, ok := a.tokens.Get(key); ok {
		return token, nil
	}

	var out tokenResponse
	err := a.client.Do(ctx, "oauth_token", restclient.Request{
		Method: http.MethodPost,
		Path:   "/v1/oauth2/token",
		Form:   url.Values{"grant_type": {"client_credentials"}},
		Auth:   func(req *http.Request) { req.SetBasicAuth(a.clientID, a.clientSecret) },
	}, &out)
	if err != nil {
		return "", err
	}

	ttl := time.Duration(out.ExpiresIn)*time.Second - time.Minute
	a.tokens.Set(key, out.AccessToken, ttl)
	return out.AccessToken, nil
}

func (a *Adapter) do(ctx context.Context, op string, req restclient.Request, out any) error {
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}
	req.Auth = func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
	return a.client.Do(ctx, op, req, out)
}

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type order struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Links         []link `json:"links"`
	PurchaseUnits []struct {
		Amount   money  `json:"amount"`
		CustomID string `json:"custom_id"`
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
				Amount money  `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (a *Adapter) CreateCheckoutSession(ctx context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	meta := req.ProviderMetadata(gatewayID)
	if req.IsSubscription() {
		if planID := a.plans["plan_"+strings.ToLower(req.Tier)]; planID != "" {
			return a.createSubscription(ctx, req, planID, meta)
		}
	}

	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.PaymentID,
			"custom_id":    req.PaymentID,
			"description":  truncate(req.ItemDescription, 127),
			"amount": money{
				CurrencyCode: req.Currency,
				Value:        req.Amount.StringFixed(2),
			},
		}},
		"application_context": a.applicationContext(req.ReturnURL),
	}

	var out order
	if err := a.do(ctx, "create_order", restclient.Request{
		Method:  http.MethodPost,
		Path:    "/v2/checkout/orders",
		JSON:    body,
		Headers: map[string]string{"PayPal-Request-Id": req.PaymentID},
	}, &out); err != nil {
		return nil, err
	}

	return &paymentdomain.CheckoutSession{
		PaymentID:   req.PaymentID,
		CheckoutURL: approveLink(out.Links),
		SessionID:   out.ID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Metadata:    meta,
		GatewayID:   gatewayID,
	}, nil
}

func (a *Adapter) createSubscription(ctx context.Context, req paymentdomain.CheckoutRequest, planID string, meta map[string]string) (*paymentdomain.CheckoutSession, error) {
	body := map[string]any{
		"plan_id":             planID,
		"custom_id":           req.PaymentID,
		"application_context": a.applicationContext(req.ReturnURL),
	}
	if req.CustomerEmail != "" {
		body["subscriber"] = map[string]any{"email_address": req.CustomerEmail}
	}

	var out struct {
		ID    string `json:"id"`
		Links []link `json:"links"`
	}
	if err := a.do(ctx, "create_subscription", restclient.Request{
		Method:  http.MethodPost,
		Path:    "/v1/billing/subscriptions",
		JSON:    body,
		Headers: map[string]string{"PayPal-Request-Id": req.PaymentID},
	}, &out); err != nil {
		return nil, err
	}

	return &paymentdomain.CheckoutSession{
		PaymentID:   req.PaymentID,
		CheckoutURL: approveLink(out.Links),
		SessionID:   out.ID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Metadata:    meta,
		GatewayID:   gatewayID,
	}, nil
}

func (a *Adapter) applicationContext(returnURL string) map[string]any {
	appCtx := map[string]any{
		"return_url":          returnURL,
		"cancel_url":          returnURL,
		"user_action":         "PAY_NOW",
		"shipping_preference": "NO_SHIPPING",
	}
	if a.brandName != "" {
		appCtx["brand_name"] = a.brandName
	}
	return appCtx
}

type webhookEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type resource struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CustomID           string `json:"custom_id"`
	Custom             string `json:"custom"`
	BillingAgreementID string `json:"billing_agreement_id"`
	CreateTime         string `json:"create_time"`
	Amount             struct {
		CurrencyCode string `json:"currency_code"`
		Value        string `json:"value"`
		Currency     string `json:"currency"`
		Total        string `json:"total"`
	} `json:"amount"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// VerifyWebhook asks PayPal to validate the transmission headers against
// the configured webhook id.
func (a *Adapter) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.PaymentEvent, error) {
	if a.webhookID == "" {
		return nil, paymentdomain.NewVerificationError(gatewayID, "webhook_id_missing", nil)
	}
	transmission := map[string]string{
		"auth_algo":         headers.Get("PAYPAL-AUTH-ALGO"),
		"cert_url":          headers.Get("PAYPAL-CERT-URL"),
		"transmission_id":   headers.Get("PAYPAL-TRANSMISSION-ID"),
		"transmission_sig":  headers.Get("PAYPAL-TRANSMISSION-SIG"),
		"transmission_time": headers.Get("PAYPAL-TRANSMISSION-TIME"),
	}
	for _, value := range transmission {
		if strings.TrimSpace(value) == "" {
			return nil, paymentdomain.NewVerificationError(gatewayID, "missing_signature", nil)
		}
	}
	if !json.Valid(payload) {
		return nil, paymentdomain.NewVerificationError(gatewayID, "malformed_payload", nil)
	}

	body := map[string]any{
		"webhook_id":    a.webhookID,
		"webhook_event": json.RawMessage(payload),
	}
	for key, value := range transmission {
		body[key] = value
	}
	var verdict struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := a.do(ctx, "verify_webhook_signature", restclient.Request{
		Method: http.MethodPost,
		Path:   "/v1/notifications/verify-webhook-signature",
		JSON:   body,
	}, &verdict); err != nil {
		return nil, err
	}
	if !strings.EqualFold(verdict.VerificationStatus, "SUCCESS") {
		return nil, paymentdomain.NewVerificationError(gatewayID, "signature_mismatch", nil)
	}

	return parseEvent(payload)
}

func parseEvent(payload []byte) (*paymentdomain.PaymentEvent, error) {
	var evt webhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil || evt.ID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	var res resource
	if err := json.Unmarshal(evt.Resource, &res); err != nil {
		return nil, paymentdomain.ErrInvalidEvent
	}

	event := &paymentdomain.PaymentEvent{
		GatewayID:       gatewayID,
		ProviderEventID: evt.ID,
		OccurredAt:      parseTime(res.CreateTime, evt.CreateTime),
		Metadata:        map[string]string{},
		RawPayload:      payload,
	}

	switch evt.EventType {
	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.PENDING":
		event.Kind = captureKind(evt.EventType)
		event.PaymentID = res.CustomID
		event.SessionID = res.SupplementaryData.RelatedIDs.OrderID
		event.Currency = strings.ToUpper(res.Amount.CurrencyCode)
		event.Amount = parseAmount(res.Amount.Value)
		event.Metadata[paymentdomain.MetaPaymentID] = res.CustomID
	case "PAYMENT.SALE.COMPLETED":
		if res.BillingAgreementID == "" {
			return nil, paymentdomain.ErrEventIgnored
		}
		event.Kind = paymentdomain.EventSubscriptionRenewed
		event.PaymentID = res.ID
		event.SessionID = res.BillingAgreementID
		event.Currency = strings.ToUpper(res.Amount.Currency)
		event.Amount = parseAmount(res.Amount.Total)
		event.Metadata[paymentdomain.MetaPaymentID] = res.Custom
	case "BILLING.SUBSCRIPTION.CANCELLED":
		event.Kind = paymentdomain.EventSubscriptionCancelled
		event.PaymentID = res.CustomID
		event.SessionID = res.ID
		event.Amount = decimal.Zero
		event.Metadata[paymentdomain.MetaPaymentID] = res.CustomID
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
	if event.PaymentID == "" {
		return nil, paymentdomain.ErrEventUnattributed
	}
	return event, nil
}

// RetrievePaymentStatus reads the order and captures it when the buyer has
// approved but the funds were not captured yet. Subscription checkouts are
// read from the billing API instead.
func (a *Adapter) RetrievePaymentStatus(ctx context.Context, query paymentdomain.StatusQuery) (*paymentdomain.StatusResult, error) {
	if strings.TrimSpace(query.SessionID) == "" {
		return nil, paymentdomain.ErrSessionNotFound
	}
	if strings.HasPrefix(query.SessionID, subscriptionPrefix) {
		return a.subscriptionStatus(ctx, query)
	}
	path := "/v2/checkout/orders/" + url.PathEscape(query.SessionID)

	var out order
	if err := a.do(ctx, "get_order", restclient.Request{Method: http.MethodGet, Path: path}, &out); err != nil {
		return nil, err
	}
	if out.Status == "APPROVED" {
		out = order{}
		if err := a.do(ctx, "capture_order", restclient.Request{
			Method:  http.MethodPost,
			Path:    path + "/capture",
			JSON:    map[string]any{},
			Headers: map[string]string{"PayPal-Request-Id": "capture-" + query.PaymentID},
		}, &out); err != nil {
			return nil, err
		}
	}

	result := &paymentdomain.StatusResult{
		PaymentID: query.PaymentID,
		SessionID: query.SessionID,
		Status:    orderStatus(out.Status),
	}
	if len(out.PurchaseUnits) > 0 {
		unit := out.PurchaseUnits[0]
		amount := unit.Amount
		if amount.Value == "" && len(unit.Payments.Captures) > 0 {
			amount = unit.Payments.Captures[0].Amount
		}
		result.Amount = parseAmount(amount.Value)
		result.Currency = strings.ToUpper(amount.CurrencyCode)
	}
	return result, nil
}

type billingSubscription struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	BillingInfo struct {
		LastPayment *struct {
			Amount money  `json:"amount"`
			Time   string `json:"time"`
		} `json:"last_payment"`
	} `json:"billing_info"`
}

// subscriptionStatus reports the checkout as succeeded once the first
// billing cycle has been paid.
func (a *Adapter) subscriptionStatus(ctx context.Context, query paymentdomain.StatusQuery) (*paymentdomain.StatusResult, error) {
	var out billingSubscription
	if err := a.do(ctx, "get_subscription", restclient.Request{
		Method: http.MethodGet,
		Path:   "/v1/billing/subscriptions/" + url.PathEscape(query.SessionID),
	}, &out); err != nil {
		return nil, err
	}

	result := &paymentdomain.StatusResult{
		PaymentID: query.PaymentID,
		SessionID: query.SessionID,
		Status:    subscriptionStatus(out.Status),
	}
	if last := out.BillingInfo.LastPayment; last != nil && last.Amount.Value != "" {
		result.Status = paymentdomain.StatusSucceeded
		result.Amount = parseAmount(last.Amount.Value)
		result.Currency = strings.ToUpper(last.Amount.CurrencyCode)
	}
	return result, nil
}

func subscriptionStatus(status string) paymentdomain.PaymentStatus {
	switch status {
	case "APPROVAL_PENDING", "APPROVED", "ACTIVE":
		return paymentdomain.StatusPending
	case "SUSPENDED":
		return paymentdomain.StatusFailed
	case "CANCELLED", "EXPIRED":
		return paymentdomain.StatusExpired
	default:
		return paymentdomain.StatusUnknown
	}
}

func orderStatus(status string) paymentdomain.PaymentStatus {
	switch status {
	case "COMPLETED":
		return paymentdomain.StatusSucceeded
	case "CREATED", "SAVED", "APPROVED", "PAYER_ACTION_REQUIRED":
		return paymentdomain.StatusPending
	case "VOIDED":
		return paymentdomain.StatusFailed
	default:
		return paymentdomain.StatusUnknown
	}
}

func captureKind(eventType string) paymentdomain.EventKind {
	switch eventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		return paymentdomain.EventSucceeded
	case "PAYMENT.CAPTURE.DENIED":
		return paymentdomain.EventFailed
	default:
		return paymentdomain.EventPending
	}
}

func approveLink(links []link) string {
	for _, l := range links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

func parseAmount(value string) decimal.Decimal {
	amount, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero
	}
	return amount
}

func parseTime(values ...string) time.Time {
	for _, value := range values {
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(value)); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

// truncate cuts value to at most max runes.
func truncate(value string, max int) string {
	if utf8.RuneCountInString(value) <= max {
		return value
	}
	return string([]rune(value)[:max])
}
