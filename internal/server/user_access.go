package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/coursepay/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/coursepay/internal/subscription/domain"
)

type subscriptionView struct {
	subscriptiondomain.Subscription
	Status subscriptiondomain.Status `json:"status"`
}

func (s *Server) ListUserPurchases(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	purchases, err := s.ledgerSvc.ListPurchases(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if purchases == nil {
		purchases = []ledgerdomain.Purchase{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "purchases": purchases})
}

func (s *Server) ListUserSubscriptions(c *gin.Context) {
	subs, err := s.subscriptionSvc.List(c.Request.Context(), c.Param("userId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	now := time.Now().UTC()
	if s.clock != nil {
		now = s.clock.Now()
	}
	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, subscriptionView{Subscription: sub, Status: sub.StatusAt(now)})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "subscriptions": views})
}

func (s *Server) GetPurchase(c *gin.Context) {
	purchase, err := s.ledgerSvc.FindPurchase(c.Request.Context(), c.Param("paymentId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "purchase": purchase})
}
