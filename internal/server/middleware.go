package server

import (
	"crypto/subtle"
	"errors"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/coursepay/internal/observability/logger"
	"go.uber.org/zap"
)

const HeaderAdminToken = "X-Admin-Token"

// AdminTokenRequired hides the admin surface entirely when no token is configured.
func (s *Server) AdminTokenRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := s.cfg.AdminToken
		if expected == "" {
			AbortWithError(c, ErrNotFound)
			return
		}
		provided := strings.TrimSpace(c.GetHeader(HeaderAdminToken))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			logger.FromContext(c.Request.Context()).Named("security").Warn("admin token rejected",
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.FullPath()),
			)
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// CheckoutRateLimit throttles checkout session creation per gateway and client address.
func (s *Server) CheckoutRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		gatewayID := strings.ToLower(strings.TrimSpace(c.Param("gatewayId")))
		allowed, retryAfter := s.checkoutLimiter.Allow(c.Request.Context(), gatewayID, c.ClientIP())
		if allowed {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)
		logger.FromContext(ctx).Warn("checkout rate limit exceeded",
			zap.String("endpoint", endpoint),
		)
		s.obsMetrics.RecordRateLimitDenied(ctx, gatewayID, endpoint)

		seconds := int(math.Ceil(retryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		AbortWithError(c, ErrRateLimited)
	}
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}

// newValidator reports json field names so validation errors match the request body.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Server) validateBody(body any) error {
	err := s.validate.Struct(body)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return invalidRequestError()
	}
	out := &ValidationErrors{}
	for _, fe := range fieldErrs {
		out.Errors = append(out.Errors, ValidationError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: validationMessage(fe),
		})
	}
	return out
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email address"
	case "url", "http_url":
		return fe.Field() + " must be an http(s) url"
	case "len":
		return fe.Field() + " must be " + fe.Param() + " characters"
	case "max":
		return fe.Field() + " is too long"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}
