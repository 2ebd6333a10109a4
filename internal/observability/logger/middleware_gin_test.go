package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/coursepay/internal/observability/context"
	"github.com/smallbiznis/coursepay/pkg/telemetry/correlation"
	"go.uber.org/zap/zapcore"
)

func TestGinMiddlewareBindsRouteIDs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{}))

	var gatewayID, paymentID, requestID string
	r.GET("/gateway/:gatewayId/verify/:paymentId", func(c *gin.Context) {
		ctx := c.Request.Context()
		gatewayID = obscontext.GatewayIDFromContext(ctx)
		paymentID = obscontext.PaymentIDFromContext(ctx)
		requestID = obscontext.RequestIDFromContext(ctx)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/gateway/Yoco/verify/pay_1", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if gatewayID != "yoco" || paymentID != "pay_1" || requestID != "req-123" {
		t.Fatalf("unexpected context ids: gateway=%q payment=%q request=%q", gatewayID, paymentID, requestID)
	}
	if w.Header().Get(HeaderRequestID) != "req-123" {
		t.Fatalf("request id not echoed")
	}
	if w.Header().Get(correlation.Header) == "" {
		t.Fatalf("correlation id not set")
	}
}

func TestAccessLevel(t *testing.T) {
	cases := []struct {
		route  string
		status int
		want   zapcore.Level
	}{
		{"/health", 200, zapcore.DebugLevel},
		{"/gateway/:gatewayId/webhook", 401, zapcore.DebugLevel},
		{"/gateway/:gatewayId/webhook", 500, zapcore.ErrorLevel},
		{"/gateway/:gatewayId/checkout-session", 200, zapcore.InfoLevel},
	}
	for _, tc := range cases {
		if got := accessLevel(tc.route, tc.status); got != tc.want {
			t.Fatalf("accessLevel(%q, %d) = %v, want %v", tc.route, tc.status, got, tc.want)
		}
	}
}
