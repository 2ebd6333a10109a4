package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	ledgerdomain "github.com/smallbiznis/coursepay/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	"github.com/smallbiznis/coursepay/internal/providers/email"
	"github.com/smallbiznis/coursepay/internal/providers/pdf"
	awsx "github.com/smallbiznis/coursepay/pkg/aws"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	EventReceiptIssued = "receipt.issued"

	downloadLinkExpiry = 7 * 24 * time.Hour
	dateLayout         = "2006-01-02"
)

// Delivery channels reported on failure metrics.
const (
	ChannelPDF   = "pdf"
	ChannelS3    = "s3"
	ChannelEmail = "email"
	ChannelSNS   = "sns"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Cfg        config.Config
	PDF        pdf.Provider
	Email      email.Provider
	Store      awsx.ObjectStore    `optional:"true"`
	Publisher  awsx.SNSPublisher   `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Service renders a receipt PDF, archives it, mails it to the buyer and
// announces it on the receipts topic. Each channel is attempted even when an
// earlier one fails.
type Service struct {
	log        *zap.Logger
	clock      clock.Clock
	cfg        config.ReceiptConfig
	pdf        pdf.Provider
	email      email.Provider
	store      awsx.ObjectStore
	publisher  awsx.SNSPublisher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		log:        p.Log.Named("receipt.service"),
		clock:      p.Clock,
		cfg:        p.Cfg.Receipts,
		pdf:        p.PDF,
		email:      p.Email,
		store:      p.Store,
		publisher:  p.Publisher,
		obsMetrics: p.ObsMetrics,
	}
}

type issuedMessage struct {
	PaymentID          string     `json:"payment_id"`
	UserID             string     `json:"user_id"`
	ItemID             string     `json:"item_id"`
	Tier               string     `json:"tier,omitempty"`
	Amount             string     `json:"amount"`
	Currency           string     `json:"currency"`
	SettlementAmount   string     `json:"settlement_amount"`
	SettlementCurrency string     `json:"settlement_currency"`
	PaymentMethod      string     `json:"payment_method"`
	AccessExpiresAt    *time.Time `json:"access_expires_at,omitempty"`
	DocumentKey        string     `json:"document_key,omitempty"`
	TestMode           bool       `json:"test_mode"`
	IssuedAt           time.Time  `json:"issued_at"`
}

func (s *Service) Send(ctx context.Context, r ledgerdomain.Receipt) error {
	purchase := r.Purchase
	data := s.receiptData(r)

	var errs []error
	fail := func(channel string, err error) {
		s.obsMetrics.RecordReceiptFailure(ctx, channel)
		s.log.Warn("receipt channel failed",
			zap.String("channel", channel),
			zap.String("payment_id", purchase.PaymentID),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("%s: %w", channel, err))
	}

	document, err := s.pdf.GenerateReceipt(ctx, data)
	if err != nil {
		fail(ChannelPDF, err)
		document = nil
	}

	var documentKey, downloadURL string
	if len(document) > 0 && s.store != nil && s.cfg.S3Bucket != "" {
		key := objectKey(purchase)
		if err := s.store.Put(ctx, s.cfg.S3Bucket, key, "application/pdf", document); err != nil {
			fail(ChannelS3, err)
		} else {
			documentKey = key
			if url, err := s.store.PresignGet(ctx, s.cfg.S3Bucket, key, downloadLinkExpiry); err == nil {
				downloadURL = url
			}
		}
	}

	if r.CustomerEmail != "" {
		msg := email.Message{
			To:      []string{r.CustomerEmail},
			Subject: fmt.Sprintf("Your %s receipt", data.BrandName),
		}
		if len(document) > 0 {
			msg.Attachments = []email.Attachment{{
				Filename:    "receipt-" + purchase.PaymentID + ".pdf",
				ContentType: "application/pdf",
				Data:        document,
			}}
		}
		if err := s.email.SendTemplate(ctx, msg, "receipt", map[string]any{
			"CustomerName":    r.CustomerName,
			"Total":           data.Total,
			"ItemDescription": itemDescription(r),
			"SettlementNote":  data.SettlementNote,
			"AccessNote":      data.AccessNote,
			"PaymentID":       purchase.PaymentID,
			"DownloadURL":     downloadURL,
			"BrandName":       data.BrandName,
		}); err != nil {
			fail(ChannelEmail, err)
		}
	}

	if s.publisher != nil && s.cfg.SNSTopicARN != "" {
		if err := s.publish(ctx, r, documentKey); err != nil {
			fail(ChannelSNS, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Service) publish(ctx context.Context, r ledgerdomain.Receipt, documentKey string) error {
	purchase := r.Purchase
	msg := issuedMessage{
		PaymentID:          purchase.PaymentID,
		UserID:             purchase.UserID,
		ItemID:             purchase.ItemID,
		Tier:               purchase.Tier,
		Amount:             purchase.Amount.StringFixed(2),
		Currency:           purchase.Currency,
		SettlementAmount:   purchase.SettlementAmount.StringFixed(2),
		SettlementCurrency: purchase.SettlementCurrency,
		PaymentMethod:      purchase.PaymentMethod,
		DocumentKey:        documentKey,
		TestMode:           purchase.TestMode,
		IssuedAt:           s.clock.Now().UTC(),
	}
	if r.Subscription != nil {
		expiresAt := r.Subscription.ExpiresAt.UTC()
		msg.AccessExpiresAt = &expiresAt
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, s.cfg.SNSTopicARN, EventReceiptIssued, payload)
}

func (s *Service) receiptData(r ledgerdomain.Receipt) pdf.ReceiptData {
	purchase := r.Purchase
	total := formatMoney(purchase.Amount.StringFixed(2), purchase.Currency)

	data := pdf.ReceiptData{
		BrandName:     s.cfg.FromName,
		ReceiptNumber: purchase.PaymentID,
		DatePaid:      purchase.RecordedAt.UTC().Format(dateLayout),
		PaymentMethod: purchase.PaymentMethod,
		BillToName:    r.CustomerName,
		BillToEmail:   r.CustomerEmail,
		Items:         []pdf.ReceiptItem{{Description: itemDescription(r), Amount: total}},
		Total:         total,
		TestMode:      purchase.TestMode,
	}
	if data.BrandName == "" {
		data.BrandName = "CoursePay"
	}
	if purchase.SettlementCurrency != "" && purchase.SettlementCurrency != purchase.Currency {
		data.SettlementNote = "Charged as " + formatMoney(purchase.SettlementAmount.StringFixed(2), purchase.SettlementCurrency)
	}
	if r.Subscription != nil {
		data.AccessNote = fmt.Sprintf("%s access active until %s",
			r.Subscription.Tier, r.Subscription.ExpiresAt.UTC().Format(dateLayout))
	}
	return data
}

func itemDescription(r ledgerdomain.Receipt) string {
	if r.ItemDescription != "" {
		return r.ItemDescription
	}
	return r.Purchase.ItemID
}

func formatMoney(amount, currency string) string {
	return amount + " " + currency
}

func objectKey(p ledgerdomain.Purchase) string {
	return fmt.Sprintf("receipts/%s/%s.pdf", p.RecordedAt.UTC().Format("2006/01"), p.PaymentID)
}
