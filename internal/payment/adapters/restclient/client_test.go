package restclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "pay_1", r.Header.Get("Idempotency-Key"))
		_, _ = w.Write([]byte(`{"id":"ch_1"}`))
	}))
	defer srv.Close()

	client := New("yoco", srv.URL, WithBearer("sk_test"), WithHTTPClient(srv.Client()))
	var out struct {
		ID string `json:"id"`
	}
	err := client.Do(context.Background(), "create_checkout", Request{
		Method:  http.MethodPost,
		Path:    "/api/checkouts",
		JSON:    map[string]any{"amount": 100},
		Headers: map[string]string{"Idempotency-Key": "pay_1"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "ch_1", out.ID)
}

func TestDoTranslatesStatus(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":"card_declined","secret":"detail"}`))
		}))

		err := New("razorpay", srv.URL).Do(context.Background(), "create_link", Request{Method: http.MethodGet, Path: "/x"}, nil)
		srv.Close()

		require.Error(t, err)
		assert.True(t, errors.Is(err, paymentdomain.ErrGateway))
		assert.Equal(t, tc.retryable, paymentdomain.IsRetryable(err), "status %d", tc.status)
	}
}

func TestDoTimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := New("paypal", srv.URL).Do(ctx, "create_order", Request{Method: http.MethodPost, Path: "/v2/checkout/orders"}, nil)
	require.Error(t, err)
	assert.True(t, paymentdomain.IsRetryable(err))
}
