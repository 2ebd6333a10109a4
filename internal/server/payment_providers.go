package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/coursepay/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

func (s *Server) ListGateways(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "gateways": s.registry.Gateways()})
}

// InvalidateGatewayCredentials drops the cached credentials so the next
// request reads the current settings.
func (s *Server) InvalidateGatewayCredentials(c *gin.Context) {
	gatewayID := strings.ToLower(strings.TrimSpace(c.Param("gatewayId")))
	if !s.registry.GatewayExists(gatewayID) {
		AbortWithError(c, paymentdomain.ErrGatewayNotFound)
		return
	}

	s.credentials.Invalidate(gatewayID)
	logger.FromContext(c.Request.Context()).Info("gateway credentials invalidated")
	c.Status(http.StatusNoContent)
}
