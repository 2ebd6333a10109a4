package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestHTTPMetricsCountsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m, err := newHTTPMetrics(registry, Config{ServiceName: "coursepay", Environment: "test"})
	require.NoError(t, err)

	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/gateway/:gatewayId/verify/:paymentId", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/gateway/stripe/verify/pay_1", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	count := testutil.ToFloat64(m.requests.WithLabelValues("GET", "/gateway/:gatewayId/verify/:paymentId", "200"))
	require.Equal(t, float64(3), count)
}

func TestHTTPMetricsReRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	first, err := newHTTPMetrics(registry, Config{})
	require.NoError(t, err)
	second, err := newHTTPMetrics(registry, Config{})
	require.NoError(t, err)
	require.Same(t, first.requests, second.requests)
}
