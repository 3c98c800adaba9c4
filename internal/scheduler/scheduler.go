// Package scheduler drives the subsystem's recurring jobs: holdback
// promotion, outbox dispatch, gateway reconciliation and the ledger audit.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/prestalabs/prestapay/internal/clock"
	"github.com/prestalabs/prestapay/internal/config"
	earningservice "github.com/prestalabs/prestapay/internal/earning/service"
	"github.com/prestalabs/prestapay/internal/events"
	ledgerservice "github.com/prestalabs/prestapay/internal/ledger/service"
	paymentservice "github.com/prestalabs/prestapay/internal/payment/service"
	payoutservice "github.com/prestalabs/prestapay/internal/payout/service"
	refundservice "github.com/prestalabs/prestapay/internal/refund/service"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Cfg      config.Config
	Notifier events.Notifier
	Earnings *earningservice.Service
	Payments *paymentservice.Service
	Payouts  *payoutservice.Service
	Refunds  *refundservice.Service
	Ledger   *ledgerservice.Service
}

type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	cfg      config.Config
	notifier events.Notifier
	earnings *earningservice.Service
	payments *paymentservice.Service
	payouts  *payoutservice.Service
	refunds  *refundservice.Service
	ledger   *ledgerservice.Service
}

func NewScheduler(p Params) *Scheduler {
	return &Scheduler{
		db:       p.DB,
		log:      p.Log.Named("scheduler"),
		clock:    p.Clock,
		cfg:      p.Cfg,
		notifier: p.Notifier,
		earnings: p.Earnings,
		payments: p.Payments,
		payouts:  p.Payouts,
		refunds:  p.Refunds,
		ledger:   p.Ledger,
	}
}

// RunForever ticks each job on its own interval until the context is
// cancelled. Jobs are serialized per tick class; a slow audit never delays
// promotion.
func (s *Scheduler) RunForever(ctx context.Context) {
	s.log.Info("scheduler started",
		zap.Duration("promotion_interval", s.cfg.Scheduler.PromotionInterval),
		zap.Duration("dispatch_interval", s.cfg.Scheduler.DispatchInterval),
		zap.Duration("reconcile_interval", s.cfg.Scheduler.ReconcileInterval),
		zap.Duration("audit_interval", s.cfg.Scheduler.AuditInterval))

	go s.loop(ctx, s.cfg.Scheduler.PromotionInterval, "promote_earnings", s.PromoteEarningsJob)
	go s.loop(ctx, s.cfg.Scheduler.DispatchInterval, "dispatch_events", s.DispatchEventsJob)
	go s.loop(ctx, s.cfg.Scheduler.ReconcileInterval, "reconcile_gateway", s.ReconcileJob)
	go s.loop(ctx, s.cfg.Scheduler.AuditInterval, "audit_ledger", s.AuditLedgerJob)

	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, name string, job func(context.Context) error) {
	if interval <= 0 {
		s.log.Warn("job disabled, interval not positive", zap.String("job", name))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, name, job)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, name string, job func(context.Context) error) {
	started := s.clock.Now(ctx)
	s.log.Debug("job started", zap.String("job", name))
	if err := job(ctx); err != nil {
		s.log.Error("job failed",
			zap.String("job", name),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return
	}
	s.log.Debug("job finished",
		zap.String("job", name),
		zap.Duration("elapsed", time.Since(started)))
}

// PromoteEarningsJob flips pending earnings past their holdback to available.
func (s *Scheduler) PromoteEarningsJob(ctx context.Context) error {
	promoted, err := s.earnings.PromoteDueEarnings(ctx, s.clock.Now(ctx))
	if err != nil {
		return err
	}
	if promoted > 0 {
		s.log.Info("earnings promoted", zap.Int64("count", promoted))
	}
	return nil
}

// ReconcileJob resolves payments, payouts and refunds left in flight by
// indeterminate gateway outcomes. Each class reconciles independently; one
// failing does not starve the others.
func (s *Scheduler) ReconcileJob(ctx context.Context) error {
	now := s.clock.Now(ctx)
	var firstErr error
	if err := s.payments.ReconcileInFlight(ctx, now); err != nil {
		firstErr = err
	}
	if err := s.payouts.Reconcile(ctx, now); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.refunds.Reconcile(ctx, now); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// AuditLedgerJob re-verifies money conservation for recently touched bookings.
func (s *Scheduler) AuditLedgerJob(ctx context.Context) error {
	since := s.clock.Now(ctx).Add(-2 * s.cfg.Scheduler.AuditInterval)
	return s.ledger.AuditRecent(ctx, since)
}
