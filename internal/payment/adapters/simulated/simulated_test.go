package simulated

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/coursepay/internal/clock"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/razorpay"
	"github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = credentialdomain.Credentials{
	GatewayID:     "razorpay",
	TestMode:      true,
	WebhookSecret: "whsec_sim",
}

func newSimulated(t *testing.T, clk clock.Clock) (*Simulator, domain.GatewayAdapter) {
	t.Helper()
	real, err := razorpay.NewFactory().NewAdapter(testCreds)
	require.NoError(t, err)
	sim := NewSimulator(clk)
	return sim, sim.Simulate(real, testCreds)
}

func TestCreateCheckoutSessionIsSynthesized(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1718000000, 42))
	_, adapter := newSimulated(t, clk)

	session, err := adapter.CreateCheckoutSession(context.Background(), domain.CheckoutRequest{
		PaymentID: "razorpay_7",
		Amount:    decimal.RequireFromString("179.82"),
		Currency:  "ZAR",
		ItemID:    "course_1",
	})
	require.NoError(t, err)

	wantID := "sim_course_1_1718000000000000042"
	assert.Equal(t, wantID, session.SessionID)
	assert.Equal(t, "https://razorpay.sandbox.local/checkout/"+wantID, session.CheckoutURL)
	assert.Equal(t, "true", session.Metadata[domain.MetaTestMode])
	assert.Equal(t, "razorpay_7", session.Metadata[domain.MetaPaymentID])
}

func TestStatusComesFromSessionBook(t *testing.T) {
	sim, adapter := newSimulated(t, clock.NewFakeClock(time.Unix(1718000000, 0)))
	ctx := context.Background()

	_, err := adapter.RetrievePaymentStatus(ctx, domain.StatusQuery{PaymentID: "missing"})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	session, err := adapter.CreateCheckoutSession(ctx, domain.CheckoutRequest{PaymentID: "razorpay_8", ItemID: "course_2", Currency: "INR"})
	require.NoError(t, err)

	status, err := adapter.RetrievePaymentStatus(ctx, domain.StatusQuery{PaymentID: "razorpay_8", SessionID: session.SessionID})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status.Status)

	require.True(t, sim.Complete("razorpay_8", domain.StatusSucceeded))
	status, err = adapter.RetrievePaymentStatus(ctx, domain.StatusQuery{PaymentID: "razorpay_8"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, status.Status)
}

func TestVerifyWebhookDelegatesToRealAdapter(t *testing.T) {
	_, adapter := newSimulated(t, clock.NewFakeClock(time.Unix(1718000000, 0)))
	ctx := context.Background()

	_, err := adapter.CreateCheckoutSession(ctx, domain.CheckoutRequest{PaymentID: "razorpay_9", ItemID: "course_3", Currency: "INR"})
	require.NoError(t, err)

	payload := []byte(`{"entity":"event","event":"payment_link.paid","created_at":1718000100,"payload":{"payment_link":{"entity":{"id":"plink_9","amount":100,"currency":"INR","reference_id":"razorpay_9","status":"paid"}},"payment":{"entity":{"id":"pay_9","amount":100,"currency":"INR","status":"captured"}}}}`)
	mac := hmac.New(sha256.New, []byte(testCreds.WebhookSecret))
	mac.Write(payload)
	headers := http.Header{}
	headers.Set("X-Razorpay-Signature", hex.EncodeToString(mac.Sum(nil)))

	event, err := adapter.VerifyWebhook(ctx, payload, headers)
	require.NoError(t, err)
	assert.Equal(t, domain.EventSucceeded, event.Kind)

	status, err := adapter.RetrievePaymentStatus(ctx, domain.StatusQuery{PaymentID: "razorpay_9"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, status.Status)

	headers.Set("X-Razorpay-Signature", "deadbeef")
	_, err = adapter.VerifyWebhook(ctx, payload, headers)
	assert.ErrorIs(t, err, domain.ErrVerificationFailed)
}

func TestSessionBookDropsExpiredSessions(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1718000000, 0))
	sim, adapter := newSimulated(t, clk)
	ctx := context.Background()

	_, err := adapter.CreateCheckoutSession(ctx, domain.CheckoutRequest{PaymentID: "razorpay_old", ItemID: "course_1", Currency: "INR"})
	require.NoError(t, err)

	clk.Advance(bookTTL + time.Minute)
	_, err = adapter.CreateCheckoutSession(ctx, domain.CheckoutRequest{PaymentID: "razorpay_new", ItemID: "course_1", Currency: "INR"})
	require.NoError(t, err)

	assert.Equal(t, 1, sim.size())
	assert.False(t, sim.Complete("razorpay_old", domain.StatusSucceeded))
	assert.True(t, sim.Complete("razorpay_new", domain.StatusSucceeded))
}

func TestStatusFallsBackToStoredCheckout(t *testing.T) {
	_, adapter := newSimulated(t, clock.NewFakeClock(time.Unix(1718000000, 0)))

	status, err := adapter.RetrievePaymentStatus(context.Background(), domain.StatusQuery{
		PaymentID: "razorpay_restart",
		SessionID: "sim_course_1_1717990000000000000",
		Amount:    decimal.RequireFromString("830.00"),
		Currency:  "INR",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status.Status)
	assert.Equal(t, "razorpay_restart", status.PaymentID)
	assert.True(t, decimal.RequireFromString("830").Equal(status.Amount))
	assert.Equal(t, "INR", status.Currency)

	_, err = adapter.RetrievePaymentStatus(context.Background(), domain.StatusQuery{PaymentID: "x", SessionID: "plink_live"})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}
