package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/coursepay/internal/clock"
	obscontext "github.com/smallbiznis/coursepay/internal/observability/context"
	"github.com/smallbiznis/coursepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/ratelimit"
	"github.com/smallbiznis/coursepay/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const JobReconcilePending = "reconcile_pending"

var ErrInvalidConfig = errors.New("scheduler: invalid config")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Repo        paymentdomain.Repository
	CheckoutSvc paymentdomain.CheckoutService
	Locker      *ratelimit.Locker            `optional:"true"`
	Metrics     *obsmetrics.SchedulerMetrics `optional:"true"`
	Config      Config                       `optional:"true"`
}

// Scheduler periodically asks gateways about checkout sessions that never
// produced a purchase, so a lost webhook does not leave a paid buyer
// without access.
type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	clock       clock.Clock
	repo        paymentdomain.Repository
	checkoutSvc paymentdomain.CheckoutService
	locker      *ratelimit.Locker
	metrics     *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Repo == nil || p.CheckoutSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		clock:       p.Clock,
		repo:        p.Repo,
		checkoutSvc: p.CheckoutSvc,
		locker:      p.Locker,
		metrics:     p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	release, acquired := s.acquireJobLock(parent, name, timeout)
	if !acquired {
		s.log.Debug("job skipped, lock held elsewhere", zap.String("job", name))
		return nil
	}
	defer release()

	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	ctx = obscontext.WithCorrelationID(ctx, correlation.New())

	log := logger.WithContext(ctx, s.log).With(zap.String("job", name))
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the remainder
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// acquireJobLock takes a redis lock so only one replica runs a job per tick.
// Without redis every replica runs the job; reconciliation is idempotent.
func (s *Scheduler) acquireJobLock(ctx context.Context, name string, ttl time.Duration) (func(), bool) {
	noop := func() {}
	if s.locker == nil {
		return noop, true
	}
	release, err := s.locker.Acquire(ctx, "scheduler:"+name, ttl)
	switch {
	case errors.Is(err, ratelimit.ErrLockHeld):
		return nil, false
	case err != nil:
		s.log.Warn("job lock unavailable, running unlocked", zap.String("job", name), zap.Error(err))
		return noop, true
	}
	return func() {
		if err := release(); err != nil {
			s.log.Warn("job lock release failed", zap.String("job", name), zap.Error(err))
		}
	}, true
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobReconcilePending, s.ReconcilePendingJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ReconcilePendingJob verifies one batch of sessions that are older than
// ReconcileAfter but still inside ReconcileWindow and have no purchase.
// VerifyPayment records any payment the gateway reports as succeeded. Every
// checked session is stamped so the next tick moves on to the rest of the
// backlog.
func (s *Scheduler) ReconcilePendingJob(ctx context.Context) error {
	now := s.clock.Now()
	from := now.Add(-s.cfg.ReconcileWindow)
	to := now.Add(-s.cfg.ReconcileAfter)

	sessions, err := s.repo.ListUnsettledSessions(ctx, s.db, from, to, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}

	var (
		jobErr  error
		settled int
	)
	for _, session := range sessions {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		status, err := s.checkoutSvc.VerifyPayment(ctx, session.GatewayID, session.PaymentID)
		if markErr := s.repo.MarkReconciled(ctx, s.db, session.PaymentID, now); markErr != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("mark %s: %w", session.PaymentID, markErr))
		}
		if err != nil {
			s.metrics.AddReconciled(session.GatewayID, "error")
			if errors.Is(err, paymentdomain.ErrPaymentMethodUnavailable) || errors.Is(err, paymentdomain.ErrGateway) {
				s.log.Warn("reconcile lookup failed",
					zap.String("gateway_id", session.GatewayID),
					zap.String("payment_id", session.PaymentID),
					zap.Error(err),
				)
				continue
			}
			jobErr = errors.Join(jobErr, fmt.Errorf("payment %s: %w", session.PaymentID, err))
			continue
		}
		s.metrics.AddReconciled(session.GatewayID, string(status.Status))
		if status.Status == paymentdomain.StatusSucceeded {
			settled++
		}
	}

	logger.WithContext(ctx, s.log).Info("reconcile batch finished",
		zap.Int("checked", len(sessions)),
		zap.Int("settled", settled),
	)
	return jobErr
}
