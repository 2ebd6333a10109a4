package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	ledgerdomain "github.com/smallbiznis/coursepay/internal/ledger/domain"
	"github.com/smallbiznis/coursepay/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/coursepay/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeCheckoutService struct {
	lastGateway string
	lastRequest paymentdomain.CheckoutRequest
	session     *paymentdomain.CheckoutSession
	status      *paymentdomain.StatusResult
	err         error
}

func (f *fakeCheckoutService) Checkout(_ context.Context, gatewayID string, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	f.lastGateway = gatewayID
	f.lastRequest = req
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeCheckoutService) VerifyPayment(_ context.Context, gatewayID, paymentID string) (*paymentdomain.StatusResult, error) {
	f.lastGateway = gatewayID
	if f.err != nil {
		return nil, f.err
	}
	return f.status, nil
}

type fakeWebhookService struct {
	payload []byte
	err     error
}

func (f *fakeWebhookService) Handle(_ context.Context, _ string, payload []byte, _ http.Header) error {
	f.payload = payload
	return f.err
}

type fakeCredentialStore struct {
	invalidated []string
}

func (f *fakeCredentialStore) Resolve(context.Context, string) (credentialdomain.Credentials, error) {
	return credentialdomain.Credentials{}, credentialdomain.ErrNotConfigured
}

func (f *fakeCredentialStore) Invalidate(gatewayID string) {
	f.invalidated = append(f.invalidated, gatewayID)
}

func (f *fakeCredentialStore) InvalidateAll() {}

type fakeLedger struct {
	purchases []ledgerdomain.Purchase
}

func (f *fakeLedger) Apply(context.Context, *paymentdomain.PaymentEvent) (ledgerdomain.Outcome, error) {
	return ledgerdomain.OutcomeRecorded, nil
}

func (f *fakeLedger) FindPurchase(_ context.Context, paymentID string) (*ledgerdomain.Purchase, error) {
	for i := range f.purchases {
		if f.purchases[i].PaymentID == paymentID {
			return &f.purchases[i], nil
		}
	}
	return nil, ledgerdomain.ErrPurchaseNotFound
}

func (f *fakeLedger) ListPurchases(_ context.Context, userID string) ([]ledgerdomain.Purchase, error) {
	var out []ledgerdomain.Purchase
	for _, p := range f.purchases {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeSubscriptions struct {
	subs []subscriptiondomain.Subscription
}

func (f *fakeSubscriptions) Extend(context.Context, *gorm.DB, subscriptiondomain.Extension) (*subscriptiondomain.Subscription, error) {
	return nil, errors.New("not used")
}

func (f *fakeSubscriptions) Cancel(context.Context, *gorm.DB, subscriptiondomain.Cancellation) (*subscriptiondomain.Subscription, error) {
	return nil, errors.New("not used")
}

func (f *fakeSubscriptions) Get(context.Context, string, string) (*subscriptiondomain.Subscription, error) {
	return nil, subscriptiondomain.ErrSubscriptionNotFound
}

func (f *fakeSubscriptions) List(_ context.Context, userID string) ([]subscriptiondomain.Subscription, error) {
	var out []subscriptiondomain.Subscription
	for _, s := range f.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

type namedFactory string

func (n namedFactory) Gateway() string { return string(n) }

func (n namedFactory) NewAdapter(credentialdomain.Credentials) (paymentdomain.GatewayAdapter, error) {
	return nil, errors.New("not used")
}

type testServer struct {
	srv      *Server
	checkout *fakeCheckoutService
	webhook  *fakeWebhookService
	store    *fakeCredentialStore
	ledger   *fakeLedger
	subs     *fakeSubscriptions
}

var testNow = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		checkout: &fakeCheckoutService{},
		webhook:  &fakeWebhookService{},
		store:    &fakeCredentialStore{},
		ledger:   &fakeLedger{},
		subs:     &fakeSubscriptions{},
	}
	ts.srv = NewServer(ServerParams{
		Gin:             NewEngine(nil),
		Cfg:             cfg,
		Log:             zap.NewNop(),
		Registry:        adapters.NewRegistry(nil, namedFactory("yoco"), namedFactory("stripe")),
		Credentials:     ts.store,
		CheckoutSvc:     ts.checkout,
		WebhookSvc:      ts.webhook,
		LedgerSvc:       ts.ledger,
		SubscriptionSvc: ts.subs,
		Clock:           clock.NewFakeClock(testNow),
		CheckoutLimiter: ratelimit.NewCheckoutLimiter(cfg, nil, zap.NewNop()),
	})
	return ts
}

func (ts *testServer) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

const validCheckoutBody = `{
	"amount": 9.99,
	"currency": "USD",
	"itemId": "course-go",
	"itemName": "Go in Production",
	"customerEmail": "ada@example.com",
	"customerName": "Ada",
	"returnUrl": "https://learn.example.com/thanks"
}`

func TestCreateCheckoutSessionReturnsSettlementAmount(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.checkout.session = &paymentdomain.CheckoutSession{
		PaymentID:   "yoco_1",
		CheckoutURL: "https://pay.yoco.com/c/1",
		SessionID:   "ch_1",
		Amount:      decimal.RequireFromString("179.82"),
		Currency:    "ZAR",
	}

	rec := ts.do(http.MethodPost, "/gateway/yoco/checkout-session", []byte(validCheckoutBody), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true || body["paymentId"] != "yoco_1" || body["currency"] != "ZAR" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["amount"] != 179.82 {
		t.Fatalf("expected numeric amount 179.82, got %v", body["amount"])
	}
	if ts.checkout.lastGateway != "yoco" {
		t.Fatalf("expected gateway yoco, got %q", ts.checkout.lastGateway)
	}
	if !ts.checkout.lastRequest.Amount.Equal(decimal.RequireFromString("9.99")) {
		t.Fatalf("expected 9.99 quoted, got %s", ts.checkout.lastRequest.Amount)
	}
	if ts.checkout.lastRequest.ItemDescription != "Go in Production" {
		t.Fatalf("item name not forwarded: %+v", ts.checkout.lastRequest)
	}
}

func TestCreateCheckoutSessionValidatesBody(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	rec := ts.do(http.MethodPost, "/gateway/yoco/checkout-session", []byte(`{"amount": 1, "currency": "USD", "returnUrl": "ftp://x"}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false || body["code"] != "invalid_request" {
		t.Fatalf("unexpected body %v", body)
	}
	fields, _ := body["fields"].([]any)
	if len(fields) != 2 {
		t.Fatalf("expected itemId and returnUrl errors, got %v", body["fields"])
	}

	rec = ts.do(http.MethodPost, "/gateway/yoco/checkout-session", []byte(`not json`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestCheckoutErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown gateway", paymentdomain.ErrGatewayNotFound, http.StatusNotFound, "gateway_not_found"},
		{"unavailable", paymentdomain.ErrPaymentMethodUnavailable, http.StatusServiceUnavailable, "payment_method_unavailable"},
		{"invalid amount", paymentdomain.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
		{"in progress", paymentdomain.ErrCheckoutInProgress, http.StatusConflict, "checkout_in_progress"},
		{"provider failed", paymentdomain.ErrCheckoutFailed, http.StatusBadGateway, "checkout_failed"},
		{"unexpected", errors.New("pq: connection refused"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, config.Config{})
			ts.checkout.err = tc.err

			rec := ts.do(http.MethodPost, "/gateway/yoco/checkout-session", []byte(validCheckoutBody), nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			body := decodeBody(t, rec)
			if body["code"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["code"])
			}
			if bytes.Contains(rec.Body.Bytes(), []byte("pq:")) {
				t.Fatalf("internal error detail leaked: %s", rec.Body.String())
			}
		})
	}
}

func TestCheckoutRateLimit(t *testing.T) {
	ts := newTestServer(t, config.Config{Payments: config.PaymentsConfig{CheckoutRatePerMinute: 6}})
	ts.checkout.session = &paymentdomain.CheckoutSession{Amount: decimal.NewFromInt(1), Currency: "USD"}

	first := ts.do(http.MethodPost, "/gateway/yoco/checkout-session", []byte(validCheckoutBody), nil)
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", first.Code)
	}
	second := ts.do(http.MethodPost, "/gateway/yoco/checkout-session", []byte(validCheckoutBody), nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestWebhookAcknowledgesAppliedEvent(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	rec := ts.do(http.MethodPost, "/gateway/yoco/webhook", []byte(`{"id":"evt_1"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["received"] != true {
		t.Fatalf("unexpected body %v", body)
	}
	if string(ts.webhook.payload) != `{"id":"evt_1"}` {
		t.Fatalf("raw payload not forwarded: %q", ts.webhook.payload)
	}
}

func TestWebhookErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{paymentdomain.NewVerificationError("yoco", "signature_mismatch", nil), http.StatusUnauthorized},
		{paymentdomain.ErrGatewayNotFound, http.StatusNotFound},
		{paymentdomain.ErrNotConfigured, http.StatusServiceUnavailable},
		{errors.New("database is locked"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		ts := newTestServer(t, config.Config{})
		ts.webhook.err = tc.err
		rec := ts.do(http.MethodPost, "/gateway/yoco/webhook", []byte(`{}`), nil)
		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
	}
}

func TestVerifyPayment(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.checkout.status = &paymentdomain.StatusResult{
		PaymentID: "yoco_1",
		Status:    paymentdomain.StatusSucceeded,
		Amount:    decimal.RequireFromString("9.99"),
		Currency:  "USD",
	}

	rec := ts.do(http.MethodGet, "/gateway/yoco/verify/yoco_1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "succeeded" || body["amount"] != 9.99 || body["currency"] != "USD" {
		t.Fatalf("unexpected body %v", body)
	}

	ts.checkout.err = paymentdomain.ErrSessionNotFound
	rec = ts.do(http.MethodGet, "/gateway/yoco/verify/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAdminInvalidate(t *testing.T) {
	ts := newTestServer(t, config.Config{AdminToken: "s3cret"})

	rec := ts.do(http.MethodPost, "/admin/gateways/yoco/invalidate", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = ts.do(http.MethodPost, "/admin/gateways/YOCO/invalidate", nil, map[string]string{HeaderAdminToken: "s3cret"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(ts.store.invalidated) != 1 || ts.store.invalidated[0] != "yoco" {
		t.Fatalf("expected yoco invalidated, got %v", ts.store.invalidated)
	}

	rec = ts.do(http.MethodPost, "/admin/gateways/unknown/invalidate", nil, map[string]string{HeaderAdminToken: "s3cret"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown gateway, got %d", rec.Code)
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	rec := ts.do(http.MethodPost, "/admin/gateways/yoco/invalidate", nil, map[string]string{HeaderAdminToken: ""})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAdminUserAccess(t *testing.T) {
	ts := newTestServer(t, config.Config{AdminToken: "s3cret"})
	ts.ledger.purchases = []ledgerdomain.Purchase{{
		PaymentID: "yoco_1",
		UserID:    "user-1",
		ItemID:    "course-go",
		Amount:    decimal.RequireFromString("9.99"),
		Currency:  "USD",
	}}
	cancelledAt := testNow.Add(-time.Hour)
	ts.subs.subs = []subscriptiondomain.Subscription{
		{UserID: "user-1", Tier: "pro", ExpiresAt: testNow.Add(24 * time.Hour), CancelAtPeriodEnd: true, CancelledAt: &cancelledAt},
		{UserID: "user-1", Tier: "basic", ExpiresAt: testNow.Add(-time.Hour)},
	}
	auth := map[string]string{HeaderAdminToken: "s3cret"}

	rec := ts.do(http.MethodGet, "/admin/users/user-1/purchases", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if purchases, _ := decodeBody(t, rec)["purchases"].([]any); len(purchases) != 1 {
		t.Fatalf("expected one purchase, got %s", rec.Body.String())
	}

	rec = ts.do(http.MethodGet, "/admin/users/user-1/subscriptions", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	subs, _ := decodeBody(t, rec)["subscriptions"].([]any)
	if len(subs) != 2 {
		t.Fatalf("expected two subscriptions, got %s", rec.Body.String())
	}
	if status := subs[0].(map[string]any)["status"]; status != string(subscriptiondomain.StatusNonRenewing) {
		t.Fatalf("expected non_renewing, got %v", status)
	}
	if status := subs[1].(map[string]any)["status"]; status != string(subscriptiondomain.StatusExpired) {
		t.Fatalf("expected expired, got %v", status)
	}

	rec = ts.do(http.MethodGet, "/admin/purchases/missing", nil, auth)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
