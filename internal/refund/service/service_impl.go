package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	commissiondomain "github.com/prestalabs/prestapay/internal/commission/domain"
	commissionrepo "github.com/prestalabs/prestapay/internal/commission/repository"
	commissionservice "github.com/prestalabs/prestapay/internal/commission/service"
	"github.com/prestalabs/prestapay/internal/config"
	earningdomain "github.com/prestalabs/prestapay/internal/earning/domain"
	earningrepo "github.com/prestalabs/prestapay/internal/earning/repository"
	earningservice "github.com/prestalabs/prestapay/internal/earning/service"
	"github.com/prestalabs/prestapay/internal/events"
	ledgerdomain "github.com/prestalabs/prestapay/internal/ledger/domain"
	ledgerservice "github.com/prestalabs/prestapay/internal/ledger/service"
	"github.com/prestalabs/prestapay/internal/metrics"
	"github.com/prestalabs/prestapay/internal/money"
	paymentdomain "github.com/prestalabs/prestapay/internal/payment/domain"
	paymentrepo "github.com/prestalabs/prestapay/internal/payment/repository"
	refunddomain "github.com/prestalabs/prestapay/internal/refund/domain"
	"github.com/prestalabs/prestapay/internal/refund/repository"
)

// lateCancellationFeeBps is the cancellation fee inside the penalty window.
const lateCancellationFeeBps = 5000

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Gateway  paymentdomain.Gateway
	Ledger   *ledgerservice.Service
	Earnings *earningservice.Service
	Cfg      config.Config
}

// Service handles client refunds and booking cancellations: policy fee,
// gateway execution, and the proportional unwind of the booking's commission
// and earning so its ledger stays balanced.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	gateway  paymentdomain.Gateway
	ledger   *ledgerservice.Service
	earnings *earningservice.Service
	cfg      config.Config
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("refund.service"),
		genID:    p.GenID,
		gateway:  p.Gateway,
		ledger:   p.Ledger,
		earnings: p.Earnings,
		cfg:      p.Cfg,
	}
}

// CancellationFee quotes the fee withheld when a booking is cancelled before
// its scheduled start. Less than 24 hours of notice costs half the amount,
// rounded half up; 24 hours or more is free. A start already in the past
// gives no notice at all and takes the fee.
func CancellationFee(amountMinor int64, scheduledStart, now time.Time) int64 {
	if scheduledStart.Sub(now) >= 24*time.Hour {
		return 0
	}
	fee, err := money.ApplyBps(amountMinor, lateCancellationFeeBps)
	if err != nil {
		return 0
	}
	return fee
}

// RequestRefund records a client's refund request against a completed
// payment. The amount must fit inside what the payment can still return,
// counting refunds already completed and requests still in flight.
func (s *Service) RequestRefund(ctx context.Context, paymentID snowflake.ID, amountMinor int64, reason string, now time.Time) (*refunddomain.RefundRequest, error) {
	if amountMinor <= 0 {
		return nil, paymentdomain.ErrInvalidAmount
	}

	var refund *refunddomain.RefundRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := paymentrepo.NewRepository(tx).Get(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		refund, err = s.buildRequest(ctx, tx, payment, amountMinor, reason, now)
		if err != nil {
			return err
		}
		return repository.NewRepository(tx).Create(ctx, refund)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("refund requested",
		zap.String("refund_id", refund.ID.String()),
		zap.String("payment_id", paymentID.String()),
		zap.Int64("amount_minor", amountMinor))
	return refund, nil
}

// CancelBooking is the cancellation entry point: quote the policy fee against
// the booking's payment and open a refund for the remainder. Cancellation
// refunds are policy decisions, not discretionary ones, so the request is
// created already approved and only awaits processing.
func (s *Service) CancelBooking(ctx context.Context, bookingID snowflake.ID, scheduledStart, now time.Time) (*refunddomain.RefundRequest, error) {
	var refund *refunddomain.RefundRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := paymentrepo.NewRepository(tx).FindByBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrPaymentNotFound
		}

		fee := CancellationFee(payment.AmountMinor, scheduledStart, now)
		amount := payment.AmountMinor - fee
		if remaining := payment.RemainingRefundable(); amount > remaining {
			amount = remaining
		}
		if amount <= 0 {
			return refunddomain.ErrPaymentNotRefundable
		}

		refund, err = s.buildRequest(ctx, tx, payment, amount, "booking_cancelled", now)
		if err != nil {
			return err
		}
		refund.FeeMinor = fee
		refund.Status = refunddomain.StatusApproved
		refund.ApprovedAt = &now
		return repository.NewRepository(tx).Create(ctx, refund)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("booking cancellation refund opened",
		zap.String("refund_id", refund.ID.String()),
		zap.String("booking_id", bookingID.String()),
		zap.Int64("fee_minor", refund.FeeMinor))
	return refund, nil
}

// buildRequest validates refund capacity against the payment, counting
// completed refunds and requests still in flight, and returns the populated
// row for the caller to persist inside its transaction.
func (s *Service) buildRequest(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, amountMinor int64, reason string, now time.Time) (*refunddomain.RefundRequest, error) {
	if payment.Status != paymentdomain.StatusCompleted && payment.Status != paymentdomain.StatusRefunded {
		return nil, refunddomain.ErrPaymentNotRefundable
	}

	open, err := repository.NewRepository(tx).ListByPayment(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	available := payment.RemainingRefundable()
	for _, r := range open {
		if !r.Status.Terminal() {
			available -= r.AmountMinor
		}
	}
	if amountMinor > available {
		return nil, refunddomain.ErrRefundExceedsPayment
	}

	return &refunddomain.RefundRequest{
		ID:          s.genID.Generate(),
		PaymentID:   payment.ID,
		BookingID:   payment.BookingID,
		ClientID:    payment.PayerID,
		AmountMinor: amountMinor,
		Currency:    payment.Currency,
		Reason:      reason,
		Status:      refunddomain.StatusRequested,
		RequestedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Approve moves a requested refund to approved. Any other starting state
// fails: refund decisions are not revisited.
func (s *Service) Approve(ctx context.Context, refundID, approverID snowflake.ID, notes string, now time.Time) (*refunddomain.RefundRequest, error) {
	return s.decide(ctx, refundID, approverID, refunddomain.StatusApproved, notes, now)
}

// Reject refuses a requested refund.
func (s *Service) Reject(ctx context.Context, refundID, approverID snowflake.ID, notes string, now time.Time) (*refunddomain.RefundRequest, error) {
	return s.decide(ctx, refundID, approverID, refunddomain.StatusRejected, notes, now)
}

func (s *Service) decide(ctx context.Context, refundID, approverID snowflake.ID, decision refunddomain.Status, notes string, now time.Time) (*refunddomain.RefundRequest, error) {
	repo := repository.NewRepository(s.db)
	refund, err := repo.Get(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if refund == nil {
		return nil, refunddomain.ErrRefundNotFound
	}
	if refund.Status != refunddomain.StatusRequested {
		return nil, refunddomain.ErrRefundAlreadyDecided
	}

	refund.Status = decision
	refund.ApproverID = &approverID
	refund.AdminNotes = notes
	refund.ApprovedAt = &now
	refund.UpdatedAt = now
	if err := repo.Save(ctx, refund); err != nil {
		return nil, err
	}
	return refund, nil
}

// Process executes an approved refund. The gateway call runs outside any
// transaction; a timeout leaves the refund in processing for the
// reconciliation job to resolve.
func (s *Service) Process(ctx context.Context, refundID snowflake.ID, now time.Time) (*refunddomain.RefundRequest, error) {
	repo := repository.NewRepository(s.db)
	refund, err := repo.Get(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if refund == nil {
		return nil, refunddomain.ErrRefundNotFound
	}
	if refund.Status != refunddomain.StatusApproved {
		return nil, refunddomain.ErrRefundNotApproved
	}

	payment, err := paymentrepo.NewRepository(s.db).Get(ctx, refund.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	if payment.GatewayTransactionID == "" {
		return nil, refunddomain.ErrPaymentNotRefundable
	}

	refund.Status = refunddomain.StatusProcessing
	refund.ProcessedAt = &now
	refund.UpdatedAt = now
	if err := repo.Save(ctx, refund); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Gateway.Timeout)
	result, gwErr := s.gateway.Refund(callCtx, payment.GatewayTransactionID, refund.AmountMinor)
	cancel()
	if gwErr != nil {
		if gwErr == paymentdomain.ErrGatewayIndeterminate {
			s.log.Warn("refund outcome indeterminate, awaiting reconciliation",
				zap.String("refund_id", refund.ID.String()))
			return refund, gwErr
		}
		return nil, gwErr
	}
	if result.TransactionID != "" && refund.GatewayRefundID == "" {
		refund.GatewayRefundID = result.TransactionID
		refund.UpdatedAt = now
		if err := repo.Save(ctx, refund); err != nil {
			return nil, err
		}
	}

	return s.applyGatewayOutcome(ctx, refund.ID, result, now)
}

// Reconcile polls the gateway for refunds stuck in processing and applies the
// true outcome. Refunds without a gateway reference are surfaced for manual
// action.
func (s *Service) Reconcile(ctx context.Context, now time.Time) error {
	stuck, err := repository.NewRepository(s.db).ListInStatus(ctx, refunddomain.StatusProcessing)
	if err != nil {
		return err
	}
	for _, refund := range stuck {
		if refund.GatewayRefundID == "" {
			s.log.Error("processing refund has no gateway reference, manual reconciliation required",
				zap.String("refund_id", refund.ID.String()))
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Gateway.Timeout)
		result, err := s.gateway.RefundStatus(callCtx, refund.GatewayRefundID)
		cancel()
		if err != nil {
			s.log.Warn("refund reconciliation poll failed",
				zap.String("refund_id", refund.ID.String()), zap.Error(err))
			continue
		}
		if _, err := s.applyGatewayOutcome(ctx, refund.ID, result, now); err != nil {
			s.log.Error("refund reconciliation apply failed",
				zap.String("refund_id", refund.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) applyGatewayOutcome(ctx context.Context, refundID snowflake.ID, result paymentdomain.GatewayResult, now time.Time) (*refunddomain.RefundRequest, error) {
	var refund *refunddomain.RefundRequest
	var prestataireID snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := repository.NewRepository(tx)
		r, err := repo.Get(ctx, refundID)
		if err != nil {
			return err
		}
		if r == nil {
			return refunddomain.ErrRefundNotFound
		}
		if r.Status != refunddomain.StatusProcessing {
			refund = r
			return nil
		}

		switch result.Status {
		case paymentdomain.GatewayStatusSucceeded:
			payments := paymentrepo.NewRepository(tx)
			payment, err := payments.FindByBookingForUpdate(ctx, r.BookingID)
			if err != nil {
				return err
			}
			if payment == nil {
				return paymentdomain.ErrPaymentNotFound
			}
			newRefunded := payment.RefundedMinor + r.AmountMinor
			if newRefunded > payment.AmountMinor {
				metrics.InvariantViolations.Inc()
				return refunddomain.ErrRefundExceedsPayment
			}
			prestataireID = payment.PrestataireID

			if err := s.unwindToBase(ctx, tx, r.BookingID, payment.AmountMinor-newRefunded, now); err != nil {
				return err
			}

			if _, err := s.ledger.Append(ctx, tx, ledgerservice.Entry{
				Type:        ledgerdomain.TypeRefund,
				BookingID:   &r.BookingID,
				PaymentID:   &payment.ID,
				AmountMinor: -r.AmountMinor,
				Currency:    r.Currency,
				Status:      "completed",
			}, now); err != nil {
				return err
			}

			payment.RefundedMinor = newRefunded
			if newRefunded == payment.AmountMinor {
				payment.Status = paymentdomain.StatusRefunded
			}
			payment.UpdatedAt = now
			if err := payments.Save(ctx, payment); err != nil {
				return err
			}

			r.Status = refunddomain.StatusCompleted
			r.CompletedAt = &now
			if result.TransactionID != "" {
				r.GatewayRefundID = result.TransactionID
			}
			r.UpdatedAt = now
			if err := repo.Save(ctx, r); err != nil {
				return err
			}

			if err := events.Emit(ctx, tx, s.genID.Generate(), events.EventRefundCompleted, map[string]any{
				"refund_id":    r.ID.String(),
				"booking_id":   r.BookingID.String(),
				"client_id":    r.ClientID.String(),
				"amount_minor": r.AmountMinor,
				"fee_minor":    r.FeeMinor,
			}, now); err != nil {
				return err
			}

		case paymentdomain.GatewayStatusFailed:
			r.Status = refunddomain.StatusFailed
			r.FailureReason = result.FailureReason
			r.UpdatedAt = now
			if err := repo.Save(ctx, r); err != nil {
				return err
			}

		default:
			// Still pending at the gateway; keep processing.
		}

		refund = r
		return nil
	})
	if err != nil {
		metrics.RefundsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	switch refund.Status {
	case refunddomain.StatusCompleted:
		metrics.RefundsTotal.WithLabelValues("completed").Inc()
		s.earnings.InvalidateBalance(ctx, prestataireID)
		s.log.Info("refund completed",
			zap.String("refund_id", refund.ID.String()),
			zap.Int64("amount_minor", refund.AmountMinor))
	case refunddomain.StatusFailed:
		metrics.RefundsTotal.WithLabelValues("declined").Inc()
		s.log.Warn("refund declined by gateway",
			zap.String("refund_id", refund.ID.String()),
			zap.String("reason", refund.FailureReason))
	}
	return refund, nil
}

// Reverse fully unwinds a settled booking without going through the gateway,
// for money returned out of band. The earning side is cancelled or clawed
// back, the refund row covers the whole remaining amount, and the booking's
// ledger sums to zero afterwards.
func (s *Service) Reverse(ctx context.Context, bookingID snowflake.ID, now time.Time) error {
	var prestataireID snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payments := paymentrepo.NewRepository(tx)
		payment, err := payments.FindByBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		remaining := payment.RemainingRefundable()
		if remaining == 0 {
			return nil
		}
		prestataireID = payment.PrestataireID

		if err := s.unwindToBase(ctx, tx, bookingID, 0, now); err != nil {
			return err
		}

		if _, err := s.ledger.Append(ctx, tx, ledgerservice.Entry{
			Type:        ledgerdomain.TypeRefund,
			BookingID:   &bookingID,
			PaymentID:   &payment.ID,
			AmountMinor: -remaining,
			Currency:    payment.Currency,
			Status:      "completed",
		}, now); err != nil {
			return err
		}

		payment.RefundedMinor = payment.AmountMinor
		payment.Status = paymentdomain.StatusRefunded
		payment.UpdatedAt = now
		if err := payments.Save(ctx, payment); err != nil {
			return err
		}

		return events.Emit(ctx, tx, s.genID.Generate(), events.EventRefundCompleted, map[string]any{
			"booking_id":   bookingID.String(),
			"amount_minor": remaining,
			"out_of_band":  true,
		}, now)
	})
	if err != nil {
		metrics.RefundsTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.RefundsTotal.WithLabelValues("reversed").Inc()
	s.earnings.InvalidateBalance(ctx, prestataireID)
	s.log.Info("booking reversed", zap.String("booking_id", bookingID.String()))
	return nil
}

// unwindToBase reprices the booking's commission and earning as if the
// payment had been newBaseMinor from the start, and appends positive
// adjustment rows for the difference. Together with the refund row the
// booking's ledger keeps summing to zero. A paid earning cannot shrink, so
// the difference becomes a compensating negative earning that nets against
// the prestataire's next payout.
func (s *Service) unwindToBase(ctx context.Context, tx *gorm.DB, bookingID snowflake.ID, newBaseMinor int64, now time.Time) error {
	commission, err := commissionrepo.NewRepository(tx).FindByBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if commission == nil {
		// Not settled yet; only the payment side moves.
		return nil
	}
	earnings := earningrepo.NewRepository(tx)
	earning, err := earnings.FindByBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if earning == nil {
		return earningdomain.ErrEarningNotFound
	}

	var newCommission int64
	if newBaseMinor > 0 {
		rule, err := s.pricingRule(ctx, tx, commission)
		if err != nil {
			return err
		}
		newCommission, err = commissionservice.Compute(rule, newBaseMinor)
		if errors.Is(err, commissiondomain.ErrCommissionExceedsBase) {
			newCommission = newBaseMinor
		} else if err != nil {
			return err
		}
	}
	newNet := newBaseMinor - newCommission
	commissionDelta := earning.CommissionMinor - newCommission
	earningDelta := earning.NetMinor - newNet
	if commissionDelta == 0 && earningDelta == 0 {
		return nil
	}

	earningRefID := earning.ID
	if earning.Status == earningdomain.StatusPaid {
		compensation := &earningdomain.Earning{
			ID:              s.genID.Generate(),
			PrestataireID:   earning.PrestataireID,
			BookingID:       bookingID,
			GrossMinor:      -(commissionDelta + earningDelta),
			CommissionMinor: -commissionDelta,
			NetMinor:        -earningDelta,
			Currency:        earning.Currency,
			Status:          earningdomain.StatusAvailable,
			EarnedAt:        now,
			AvailableAt:     now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := earnings.Create(ctx, compensation); err != nil {
			return err
		}
		earningRefID = compensation.ID

		// The booking row keeps tracking the effective split so a later
		// refund adjusts incrementally instead of re-unwinding from the
		// original amounts.
		earning.GrossMinor = newBaseMinor
		earning.CommissionMinor = newCommission
		earning.NetMinor = newNet
		earning.UpdatedAt = now
		if err := earnings.Save(ctx, earning); err != nil {
			return err
		}
	} else {
		if earning.PayoutID != nil {
			// Claimed by an in-flight payout; that has to settle or fail first.
			return earningdomain.ErrEarningAlreadyClaimed
		}
		earning.GrossMinor = newBaseMinor
		earning.CommissionMinor = newCommission
		earning.NetMinor = newNet
		if newBaseMinor == 0 {
			earning.Status = earningdomain.StatusCancelled
		}
		earning.UpdatedAt = now
		if err := earnings.Save(ctx, earning); err != nil {
			return err
		}
	}

	if commissionDelta != 0 {
		if _, err := s.ledger.Append(ctx, tx, ledgerservice.Entry{
			Type:         ledgerdomain.TypeAdjustment,
			BookingID:    &bookingID,
			CommissionID: &commission.ID,
			AmountMinor:  commissionDelta,
			Currency:     commission.Currency,
			Status:       "reversal",
		}, now); err != nil {
			return err
		}
	}
	if earningDelta != 0 {
		if _, err := s.ledger.Append(ctx, tx, ledgerservice.Entry{
			Type:        ledgerdomain.TypeAdjustment,
			BookingID:   &bookingID,
			EarningID:   &earningRefID,
			AmountMinor: earningDelta,
			Currency:    earning.Currency,
			Status:      "reversal",
		}, now); err != nil {
			return err
		}
	}
	return nil
}

// pricingRule recovers the rule a commission was priced with so a partial
// refund reprices consistently. A rule deleted since settlement falls back to
// the recorded blended rate.
func (s *Service) pricingRule(ctx context.Context, tx *gorm.DB, commission *commissiondomain.Commission) (*commissiondomain.CommissionRule, error) {
	if commission.RuleID != nil {
		rule, err := commissionrepo.NewRepository(tx).GetRule(ctx, *commission.RuleID)
		if err != nil {
			return nil, err
		}
		if rule != nil {
			return rule, nil
		}
	}
	return &commissiondomain.CommissionRule{
		Name:    commissiondomain.DefaultRuleName,
		Type:    commissiondomain.RuleTypePercentage,
		RateBps: commission.RateBps,
	}, nil
}

// Get serves the read path for operators.
func (s *Service) Get(ctx context.Context, id snowflake.ID) (*refunddomain.RefundRequest, error) {
	refund, err := repository.NewRepository(s.db).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if refund == nil {
		return nil, refunddomain.ErrRefundNotFound
	}
	return refund, nil
}
