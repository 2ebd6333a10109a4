package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/coursepay/internal/observability/context"
	"github.com/smallbiznis/coursepay/pkg/telemetry/correlation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const HeaderRequestID = "X-Request-Id"

// MiddlewareConfig controls request logging.
type MiddlewareConfig struct {
	// ErrorClassifier turns the last handler error into (type, code) log fields.
	ErrorClassifier func(err error) (string, string)
}

// quietRoutes are polled by infrastructure and only logged at debug.
var quietRoutes = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// GinMiddleware binds request, correlation, gateway and payment ids to the
// request context and writes one access log line per request.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		bindRequestContext(c)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if lastErr := c.Errors.Last(); lastErr != nil && cfg.ErrorClassifier != nil {
			errType, errCode := cfg.ErrorClassifier(lastErr.Err)
			fields = append(fields, zap.String("error_type", errType), zap.String("error_code", errCode))
		}

		if ce := FromContext(c.Request.Context()).Check(accessLevel(route, status), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func bindRequestContext(c *gin.Context) {
	requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header(HeaderRequestID, requestID)

	correlationID := correlation.FromHeader(c.Request.Header)
	c.Header(correlation.Header, correlationID)

	ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
	ctx = obscontext.WithCorrelationID(ctx, correlationID)

	ctx = obscontext.WithGatewayID(ctx, c.Param("gatewayId"))
	ctx = obscontext.WithPaymentID(ctx, c.Param("paymentId"))
	c.Request = c.Request.WithContext(ctx)
}

func accessLevel(route string, status int) zapcore.Level {
	switch {
	case quietRoutes[route]:
		return zapcore.DebugLevel
	case strings.HasSuffix(route, "/webhook") && status == http.StatusUnauthorized:
		// already reported on the security logger
		return zapcore.DebugLevel
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
