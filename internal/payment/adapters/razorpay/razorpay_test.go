package razorpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "rzp_webhook_secret"

func newAdapter(t *testing.T, baseURL string) paymentdomain.GatewayAdapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(credentialdomain.Credentials{
		GatewayID:      "razorpay",
		PublishableKey: "rzp_test_key",
		SecretKey:      "rzp_test_secret",
		WebhookSecret:  webhookSecret,
		Options:        map[string]string{"api_base_url": baseURL},
	})
	require.NoError(t, err)
	return adapter
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCreateCheckoutSessionUsesPaymentLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_links", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "rzp_test_key", user)
		assert.Equal(t, "rzp_test_secret", pass)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(83000), body["amount"])
		assert.Equal(t, "INR", body["currency"])
		assert.Equal(t, "razorpay_1", body["reference_id"])

		_, _ = w.Write([]byte(`{"id":"plink_1","short_url":"https://rzp.io/i/abc","status":"created","amount":83000,"currency":"INR"}`))
	}))
	defer srv.Close()

	session, err := newAdapter(t, srv.URL).CreateCheckoutSession(context.Background(), paymentdomain.CheckoutRequest{
		PaymentID: "razorpay_1",
		Amount:    decimal.RequireFromString("830.00"),
		Currency:  "INR",
		ItemID:    "course_1",
		ReturnURL: "https://learn.example.com/done",
	})
	require.NoError(t, err)
	assert.Equal(t, "plink_1", session.SessionID)
	assert.Equal(t, "https://rzp.io/i/abc", session.CheckoutURL)
	assert.Equal(t, "razorpay", session.Metadata[paymentdomain.MetaGatewayID])
}

func TestVerifyWebhookPaymentLinkPaid(t *testing.T) {
	payload := []byte(`{"entity":"event","event":"payment_link.paid","created_at":1718000000,"payload":{"payment_link":{"entity":{"id":"plink_1","amount":83000,"amount_paid":83000,"currency":"INR","reference_id":"razorpay_1","status":"paid","notes":{"user_id":"u1"}}},"payment":{"entity":{"id":"pay_1","amount":83000,"currency":"INR","status":"captured"}}}}`)
	headers := http.Header{}
	headers.Set("X-Razorpay-Signature", sign(payload, webhookSecret))
	headers.Set("X-Razorpay-Event-Id", "evt_rzp_1")

	event, err := newAdapter(t, "").VerifyWebhook(context.Background(), payload, headers)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventSucceeded, event.Kind)
	assert.Equal(t, "razorpay_1", event.PaymentID)
	assert.Equal(t, "plink_1", event.SessionID)
	assert.Equal(t, "evt_rzp_1", event.ProviderEventID)
	assert.True(t, event.Amount.Equal(decimal.RequireFromString("830")))
	assert.Equal(t, "u1", event.Metadata["user_id"])
}

func TestVerifyWebhookRejectsTamperedBody(t *testing.T) {
	payload := []byte(`{"event":"payment_link.paid","created_at":1,"payload":{"payment_link":{"entity":{"id":"plink_1","amount":100,"currency":"INR","reference_id":"p"}}}}`)
	headers := http.Header{}
	headers.Set("X-Razorpay-Signature", sign(payload, webhookSecret))

	tampered := []byte(`{"event":"payment_link.paid","created_at":1,"payload":{"payment_link":{"entity":{"id":"plink_1","amount":1,"currency":"INR","reference_id":"p"}}}}`)
	_, err := newAdapter(t, "").VerifyWebhook(context.Background(), tampered, headers)
	require.True(t, errors.Is(err, paymentdomain.ErrVerificationFailed), "got %v", err)

	_, err = newAdapter(t, "").VerifyWebhook(context.Background(), payload, http.Header{})
	require.True(t, errors.Is(err, paymentdomain.ErrVerificationFailed), "got %v", err)
}

func TestVerifyWebhookSubscriptionEvents(t *testing.T) {
	charged := []byte(`{"event":"subscription.charged","created_at":1718000500,"payload":{"subscription":{"entity":{"id":"sub_1","notes":{"payment_id":"razorpay_1","user_id":"u1","subscription_tier":"pro"}}},"payment":{"entity":{"id":"pay_2","amount":49900,"currency":"INR"}}}}`)
	headers := http.Header{}
	headers.Set("X-Razorpay-Signature", sign(charged, webhookSecret))

	event, err := newAdapter(t, "").VerifyWebhook(context.Background(), charged, headers)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventSubscriptionRenewed, event.Kind)
	assert.Equal(t, "pay_2", event.PaymentID)
	assert.Equal(t, "razorpay_1", event.Metadata[paymentdomain.MetaPaymentID])
	assert.Equal(t, "subscription.charged:sub_1", event.ProviderEventID)

	cancelled := []byte(`{"event":"subscription.cancelled","created_at":1718000600,"payload":{"subscription":{"entity":{"id":"sub_1","notes":{"payment_id":"razorpay_1"}}}}}`)
	headers.Set("X-Razorpay-Signature", sign(cancelled, webhookSecret))
	event, err = newAdapter(t, "").VerifyWebhook(context.Background(), cancelled, headers)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventSubscriptionCancelled, event.Kind)
	assert.Equal(t, "razorpay_1", event.PaymentID)

	ignored := []byte(`{"event":"order.paid","created_at":1718000600,"payload":{}}`)
	headers.Set("X-Razorpay-Signature", sign(ignored, webhookSecret))
	_, err = newAdapter(t, "").VerifyWebhook(context.Background(), ignored, headers)
	assert.True(t, errors.Is(err, paymentdomain.ErrEventIgnored))
}

func TestRetrievePaymentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_links/plink_1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"plink_1","status":"paid","amount":83000,"amount_paid":83000,"currency":"INR"}`))
	}))
	defer srv.Close()

	status, err := newAdapter(t, srv.URL).RetrievePaymentStatus(context.Background(), paymentdomain.StatusQuery{PaymentID: "razorpay_1", SessionID: "plink_1"})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusSucceeded, status.Status)
	assert.Equal(t, "INR", status.Currency)
}
