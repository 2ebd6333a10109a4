package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coursepay/internal/clock"
	subscriptiondomain "github.com/smallbiznis/coursepay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  subscriptiondomain.Repository
}

func NewService(p Params) subscriptiondomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: clk,
		repo:  p.Repo,
	}
}

// Extend sets expiresAt to one cycle from now. An extension whose payment is
// older than the last recorded one returns ErrStaleEvent and changes nothing.
func (s *Service) Extend(ctx context.Context, tx *gorm.DB, ext subscriptiondomain.Extension) (*subscriptiondomain.Subscription, error) {
	ext.UserID = strings.TrimSpace(ext.UserID)
	ext.Tier = strings.TrimSpace(ext.Tier)
	if ext.UserID == "" || ext.Tier == "" || ext.PaymentID == "" {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	if ext.Cycle == "" {
		ext.Cycle = subscriptiondomain.CycleMonth
	}

	now := s.clock.Now().UTC()
	if ext.OccurredAt.IsZero() {
		ext.OccurredAt = now
	}
	ext.OccurredAt = ext.OccurredAt.UTC()
	expiresAt := ext.Cycle.Advance(now)

	updated, err := s.repo.ExtendIfNewer(ctx, tx, ext, expiresAt, now)
	if err != nil {
		return nil, err
	}
	if updated == 0 {
		current, err := s.repo.FindByUserTier(ctx, tx, ext.UserID, ext.Tier)
		if err != nil {
			return nil, err
		}
		if current != nil {
			s.log.Info("stale subscription payment discarded",
				zap.String("user_id", ext.UserID),
				zap.String("tier", ext.Tier),
				zap.String("payment_id", ext.PaymentID),
				zap.Time("occurred_at", ext.OccurredAt),
			)
			return nil, subscriptiondomain.ErrStaleEvent
		}

		inserted, err := s.repo.Insert(ctx, tx, &subscriptiondomain.Subscription{
			ID:            s.genID.Generate(),
			UserID:        ext.UserID,
			Tier:          ext.Tier,
			BillingCycle:  ext.Cycle,
			ExpiresAt:     expiresAt,
			LastPaymentID: ext.PaymentID,
			LastPaymentAt: &ext.OccurredAt,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return nil, err
		}
		if !inserted {
			// lost the insert race; the winner's row is guarded like any other
			updated, err = s.repo.ExtendIfNewer(ctx, tx, ext, expiresAt, now)
			if err != nil {
				return nil, err
			}
			if updated == 0 {
				return nil, subscriptiondomain.ErrStaleEvent
			}
		}
	}

	sub, err := s.repo.FindByUserTier(ctx, tx, ext.UserID, ext.Tier)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	s.log.Info("subscription extended",
		zap.String("user_id", sub.UserID),
		zap.String("tier", sub.Tier),
		zap.Time("expires_at", sub.ExpiresAt),
	)
	return sub, nil
}

// Cancel stops renewal at the end of the paid period. expiresAt is kept.
func (s *Service) Cancel(ctx context.Context, tx *gorm.DB, c subscriptiondomain.Cancellation) (*subscriptiondomain.Subscription, error) {
	c.UserID = strings.TrimSpace(c.UserID)
	c.Tier = strings.TrimSpace(c.Tier)
	if c.UserID == "" || c.Tier == "" {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}

	now := s.clock.Now().UTC()
	if c.OccurredAt.IsZero() {
		c.OccurredAt = now
	}
	c.OccurredAt = c.OccurredAt.UTC()

	updated, err := s.repo.CancelIfNewer(ctx, tx, c, now)
	if err != nil {
		return nil, err
	}
	sub, err := s.repo.FindByUserTier(ctx, tx, c.UserID, c.Tier)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if updated == 0 {
		return nil, subscriptiondomain.ErrStaleEvent
	}
	return sub, nil
}

func (s *Service) Get(ctx context.Context, userID, tier string) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByUserTier(ctx, s.db, strings.TrimSpace(userID), strings.TrimSpace(tier))
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]subscriptiondomain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	return s.repo.ListByUser(ctx, s.db, userID)
}
