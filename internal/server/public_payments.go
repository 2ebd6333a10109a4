package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

type checkoutSessionRequest struct {
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency" validate:"required,len=3,alpha"`
	ItemID           string          `json:"itemId" validate:"required,max=128"`
	ItemName         string          `json:"itemName" validate:"max=255"`
	CustomerEmail    string          `json:"customerEmail" validate:"omitempty,email"`
	CustomerName     string          `json:"customerName" validate:"max=255"`
	ReturnURL        string          `json:"returnUrl" validate:"required,http_url"`
	UserID           string          `json:"userId" validate:"max=64"`
	SubscriptionTier string          `json:"subscriptionTier" validate:"max=64"`
	BillingInterval  string          `json:"billingInterval" validate:"omitempty,oneof=week weekly month monthly year yearly annual annually"`
}

type checkoutSessionResponse struct {
	Success     bool        `json:"success"`
	PaymentID   string      `json:"paymentId"`
	CheckoutURL string      `json:"checkoutUrl"`
	SessionID   string      `json:"sessionId"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
}

type verifyPaymentResponse struct {
	Success   bool        `json:"success"`
	PaymentID string      `json:"paymentId"`
	Status    string      `json:"status"`
	Amount    json.Number `json:"amount"`
	Currency  string      `json:"currency"`
}

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	var req checkoutSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := s.validateBody(req); err != nil {
		AbortWithError(c, err)
		return
	}

	session, err := s.checkoutSvc.Checkout(c.Request.Context(), c.Param("gatewayId"), paymentdomain.CheckoutRequest{
		Amount:          req.Amount,
		Currency:        req.Currency,
		ItemID:          strings.TrimSpace(req.ItemID),
		ItemDescription: strings.TrimSpace(req.ItemName),
		CustomerEmail:   strings.TrimSpace(req.CustomerEmail),
		CustomerName:    strings.TrimSpace(req.CustomerName),
		ReturnURL:       strings.TrimSpace(req.ReturnURL),
		UserID:          strings.TrimSpace(req.UserID),
		Tier:            strings.TrimSpace(req.SubscriptionTier),
		BillingInterval: strings.TrimSpace(req.BillingInterval),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, checkoutSessionResponse{
		Success:     true,
		PaymentID:   session.PaymentID,
		CheckoutURL: session.CheckoutURL,
		SessionID:   session.SessionID,
		Amount:      json.Number(session.Amount.StringFixed(2)),
		Currency:    session.Currency,
	})
}

func (s *Server) VerifyPayment(c *gin.Context) {
	paymentID := strings.TrimSpace(c.Param("paymentId"))
	if paymentID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.checkoutSvc.VerifyPayment(c.Request.Context(), c.Param("gatewayId"), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, verifyPaymentResponse{
		Success:   true,
		PaymentID: result.PaymentID,
		Status:    string(result.Status),
		Amount:    json.Number(result.Amount.StringFixed(2)),
		Currency:  result.Currency,
	})
}
