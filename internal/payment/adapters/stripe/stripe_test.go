package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/coursepay/internal/subscription/domain"
	"github.com/stripe/stripe-go/v80/webhook"
)

const testSecret = "whsec_test_secret"

func newTestAdapter(t *testing.T, baseURL string) paymentdomain.GatewayAdapter {
	t.Helper()
	creds := credentialdomain.Credentials{
		GatewayID:     "stripe",
		SecretKey:     "sk_test_123",
		WebhookSecret: testSecret,
		Options:       map[string]string{},
	}
	if baseURL != "" {
		creds.Options["api_base_url"] = baseURL
	}
	adapter, err := NewFactory().NewAdapter(creds)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func signedHeaders(t *testing.T, payload []byte, secret string) http.Header {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	headers := http.Header{}
	headers.Set("Stripe-Signature", signed.Header)
	return headers
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestVerifyWebhookCheckoutCompleted(t *testing.T) {
	payload := mustJSON(t, map[string]any{
		"id":      "evt_1",
		"object":  "event",
		"type":    "checkout.session.completed",
		"created": 1718000000,
		"data": map[string]any{
			"object": map[string]any{
				"id":                  "cs_test_1",
				"object":              "checkout.session",
				"client_reference_id": "stripe_1001",
				"amount_total":        999,
				"currency":            "usd",
				"payment_status":      "paid",
				"status":              "complete",
				"metadata": map[string]any{
					"payment_id": "stripe_1001",
					"user_id":    "user_1",
					"item_id":    "course_go",
				},
			},
		},
	})

	adapter := newTestAdapter(t, "")
	event, err := adapter.VerifyWebhook(context.Background(), payload, signedHeaders(t, payload, testSecret))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if event.Kind != paymentdomain.EventSucceeded {
		t.Fatalf("expected succeeded, got %s", event.Kind)
	}
	if event.PaymentID != "stripe_1001" || event.SessionID != "cs_test_1" {
		t.Fatalf("unexpected correlation ids: %+v", event)
	}
	if !event.Amount.Equal(decimal.RequireFromString("9.99")) || event.Currency != "USD" {
		t.Fatalf("unexpected amount %s %s", event.Amount, event.Currency)
	}
	if event.OccurredAt.Unix() != 1718000000 {
		t.Fatalf("unexpected occurred at %s", event.OccurredAt)
	}
}

func TestVerifyWebhookRejectsTamperedBody(t *testing.T) {
	payload := []byte(`{"id":"evt_2","object":"event","type":"checkout.session.completed","created":1718000000,"data":{"object":{"id":"cs_1","client_reference_id":"p1","amount_total":100,"currency":"usd","payment_status":"paid"}}}`)
	headers := signedHeaders(t, payload, testSecret)

	tampered := []byte(`{"id":"evt_2","object":"event","type":"checkout.session.completed","created":1718000000,"data":{"object":{"id":"cs_1","client_reference_id":"p1","amount_total":1,"currency":"usd","payment_status":"paid"}}}`)
	adapter := newTestAdapter(t, "")
	_, err := adapter.VerifyWebhook(context.Background(), tampered, headers)
	if !errors.Is(err, paymentdomain.ErrVerificationFailed) {
		t.Fatalf("expected verification failure, got %v", err)
	}

	_, err = adapter.VerifyWebhook(context.Background(), payload, http.Header{})
	if !errors.Is(err, paymentdomain.ErrVerificationFailed) {
		t.Fatalf("expected verification failure without header, got %v", err)
	}

	_, err = adapter.VerifyWebhook(context.Background(), payload, signedHeaders(t, payload, "whsec_other"))
	if !errors.Is(err, paymentdomain.ErrVerificationFailed) {
		t.Fatalf("expected verification failure for wrong secret, got %v", err)
	}
}

func TestVerifyWebhookEventKinds(t *testing.T) {
	tests := []struct {
		name    string
		event   map[string]any
		want    paymentdomain.EventKind
		wantErr error
		payment string
	}{{
		name: "renewal invoice",
		event: map[string]any{
			"id": "evt_inv", "object": "event", "type": "invoice.paid", "created": 1718000100,
			"data": map[string]any{"object": map[string]any{
				"id": "in_1", "amount_paid": 999, "currency": "usd", "billing_reason": "subscription_cycle",
				"subscription_details": map[string]any{"metadata": map[string]any{"payment_id": "stripe_1", "user_id": "u1", "subscription_tier": "pro"}},
			}},
		},
		want:    paymentdomain.EventSubscriptionRenewed,
		payment: "in_1",
	}, {
		name: "first invoice is ignored",
		event: map[string]any{
			"id": "evt_inv0", "object": "event", "type": "invoice.paid", "created": 1718000100,
			"data": map[string]any{"object": map[string]any{"id": "in_0", "amount_paid": 999, "currency": "usd", "billing_reason": "subscription_create"}},
		},
		wantErr: paymentdomain.ErrEventIgnored,
	}, {
		name: "subscription deleted",
		event: map[string]any{
			"id": "evt_del", "object": "event", "type": "customer.subscription.deleted", "created": 1718000200,
			"data": map[string]any{"object": map[string]any{
				"id": "sub_1", "canceled_at": 1718000150, "metadata": map[string]any{"payment_id": "stripe_1"},
			}},
		},
		want:    paymentdomain.EventSubscriptionCancelled,
		payment: "stripe_1",
	}, {
		name: "async failure",
		event: map[string]any{
			"id": "evt_fail", "object": "event", "type": "checkout.session.async_payment_failed", "created": 1718000300,
			"data": map[string]any{"object": map[string]any{"id": "cs_2", "client_reference_id": "stripe_2", "amount_total": 500, "currency": "usd", "payment_status": "unpaid"}},
		},
		want:    paymentdomain.EventFailed,
		payment: "stripe_2",
	}, {
		name: "payment link created outside checkout",
		event: map[string]any{
			"id": "evt_plink", "object": "event", "type": "checkout.session.completed", "created": 1718000400,
			"data": map[string]any{"object": map[string]any{"id": "cs_plink", "amount_total": 2500, "currency": "usd", "payment_status": "paid"}},
		},
		wantErr: paymentdomain.ErrEventUnattributed,
	}, {
		name: "dashboard subscription deleted",
		event: map[string]any{
			"id": "evt_del2", "object": "event", "type": "customer.subscription.deleted", "created": 1718000500,
			"data": map[string]any{"object": map[string]any{"id": "sub_dash", "canceled_at": 1718000450}},
		},
		wantErr: paymentdomain.ErrEventUnattributed,
	}, {
		name: "unhandled type",
		event: map[string]any{
			"id": "evt_x", "object": "event", "type": "customer.created", "created": 1718000300,
			"data": map[string]any{"object": map[string]any{"id": "cus_1"}},
		},
		wantErr: paymentdomain.ErrEventIgnored,
	}}

	adapter := newTestAdapter(t, "")
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload := mustJSON(t, tc.event)
			event, err := adapter.VerifyWebhook(context.Background(), payload, signedHeaders(t, payload, testSecret))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if event.Kind != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, event.Kind)
			}
			if event.PaymentID != tc.payment {
				t.Fatalf("expected payment %s, got %s", tc.payment, event.PaymentID)
			}
		})
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Idempotency-Key"); got != "stripe_1001" {
			t.Errorf("expected idempotency key, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_abc","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_abc","amount_total":999,"currency":"usd"}`))
	}))
	defer srv.Close()

	adapter := newTestAdapter(t, srv.URL)
	session, err := adapter.CreateCheckoutSession(context.Background(), paymentdomain.CheckoutRequest{
		PaymentID:       "stripe_1001",
		Amount:          decimal.RequireFromString("9.99"),
		Currency:        "USD",
		ItemID:          "course_go",
		ItemDescription: "Go for professionals",
		ReturnURL:       "https://learn.example.com/return",
		UserID:          "user_1",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.SessionID != "cs_test_abc" || session.CheckoutURL == "" {
		t.Fatalf("unexpected session %+v", session)
	}
	if got := form.Get("line_items[0][price_data][unit_amount]"); got != "999" {
		t.Fatalf("expected unit amount 999, got %q", got)
	}
	if got := form.Get("mode"); got != "payment" {
		t.Fatalf("expected payment mode, got %q", got)
	}
	if got := form.Get("client_reference_id"); got != "stripe_1001" {
		t.Fatalf("expected client reference, got %q", got)
	}
}

func TestCreateCheckoutSessionTranslatesErrors(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{{http.StatusPaymentRequired, false}, {http.StatusInternalServerError, true}}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"type":"api_error","code":"resource_missing","message":"provider detail"}}`))
		}))
		adapter := newTestAdapter(t, srv.URL)
		_, err := adapter.CreateCheckoutSession(context.Background(), paymentdomain.CheckoutRequest{
			PaymentID: "p", Amount: decimal.NewFromInt(1), Currency: "USD", ItemID: "i", ReturnURL: "https://x",
		})
		srv.Close()

		if !errors.Is(err, paymentdomain.ErrGateway) {
			t.Fatalf("status %d: expected gateway error, got %v", tc.status, err)
		}
		if paymentdomain.IsRetryable(err) != tc.retryable {
			t.Fatalf("status %d: expected retryable=%v", tc.status, tc.retryable)
		}
	}
}

func TestNewAdapterRequiresSecretOutsideTestMode(t *testing.T) {
	_, err := NewFactory().NewAdapter(credentialdomain.Credentials{GatewayID: "stripe"})
	if !errors.Is(err, paymentdomain.ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
	if _, err := NewFactory().NewAdapter(credentialdomain.Credentials{GatewayID: "stripe", TestMode: true}); err != nil {
		t.Fatalf("test mode adapter: %v", err)
	}
}

func TestRecurringIntervalMatchesGrantedCycle(t *testing.T) {
	for _, value := range []string{"annually", "annual", "yearly", "weekly", "monthly", "", "quarterly"} {
		want := string(subscriptiondomain.ParseBillingCycle(value))
		if got := recurringInterval(value); got != want {
			t.Fatalf("%q: expected %s, got %s", value, want, got)
		}
	}
	if got := recurringInterval("Annually"); got != "year" {
		t.Fatalf("expected year, got %s", got)
	}
}
