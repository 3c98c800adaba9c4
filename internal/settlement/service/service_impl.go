package service

import (
	"context"
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
	"github.com/prestalabs/prestapay/internal/events"
	ledgerdomain "github.com/prestalabs/prestapay/internal/ledger/domain"
	ledgerservice "github.com/prestalabs/prestapay/internal/ledger/service"
	"github.com/prestalabs/prestapay/internal/metrics"
	paymentdomain "github.com/prestalabs/prestapay/internal/payment/domain"
	paymentrepo "github.com/prestalabs/prestapay/internal/payment/repository"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Engine *commissionservice.Engine
	Ledger *ledgerservice.Service
	Cfg    config.Config
}

// Service converts one completed payment into a commission and a net earning
// inside a single transaction, appending both ledger rows in the same unit.
type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	engine *commissionservice.Engine
	ledger *ledgerservice.Service
	cfg    config.Config
}

func NewService(p Params) *Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("settlement.service"),
		genID:  p.GenID,
		engine: p.Engine,
		ledger: p.Ledger,
		cfg:    p.Cfg,
	}
}

// Result reports the settlement outcome. AlreadySettled marks the idempotent
// no-op path taken when the booking was settled by an earlier delivery of the
// same signal.
type Result struct {
	Commission     *commissiondomain.Commission
	Earning        *earningdomain.Earning
	AlreadySettled bool
}

// Settle runs the pipeline for one booking: verify the payment, price the
// commission, create the earning, append the ledger rows. Idempotent on the
// booking id; concurrent attempts serialize on the payment row lock and the
// unique commission index. Any failure rolls the whole unit back.
func (s *Service) Settle(ctx context.Context, bookingID snowflake.ID, now time.Time) (*Result, error) {
	var result Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := paymentrepo.NewRepository(tx).FindByBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		if payment.Status != paymentdomain.StatusCompleted {
			return paymentdomain.ErrPaymentNotSettled
		}

		commissions := commissionrepo.NewRepository(tx)
		existing, err := commissions.FindByBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if existing != nil {
			earning, err := earningrepo.NewRepository(tx).FindByBooking(ctx, bookingID)
			if err != nil {
				return err
			}
			result = Result{Commission: existing, Earning: earning, AlreadySettled: true}
			return nil
		}

		paidAt := now
		if payment.PaidAt != nil {
			paidAt = *payment.PaidAt
		}
		rule, err := s.engine.SelectRule(ctx, tx, payment.AmountMinor, payment.CategoryID, paidAt)
		if err != nil {
			return err
		}
		commissionMinor, err := commissionservice.Compute(rule, payment.AmountMinor)
		if err != nil {
			return err
		}

		var ruleID *snowflake.ID
		if rule.Name != commissiondomain.DefaultRuleName {
			id := rule.ID
			ruleID = &id
		}
		commission := &commissiondomain.Commission{
			ID:          s.genID.Generate(),
			BookingID:   bookingID,
			PaymentID:   payment.ID,
			RuleID:      ruleID,
			BaseMinor:   payment.AmountMinor,
			RateBps:     commissionservice.RateForRecord(rule, payment.AmountMinor, commissionMinor),
			AmountMinor: commissionMinor,
			Method:      rule.Type,
			Currency:    payment.Currency,
			CreatedAt:   now,
		}
		if err := commissions.CreateCommission(ctx, commission); err != nil {
			return err
		}

		earning := &earningdomain.Earning{
			ID:              s.genID.Generate(),
			PrestataireID:   payment.PrestataireID,
			BookingID:       bookingID,
			GrossMinor:      payment.AmountMinor,
			CommissionMinor: commissionMinor,
			NetMinor:        payment.AmountMinor - commissionMinor,
			Currency:        payment.Currency,
			Status:          earningdomain.StatusPending,
			EarnedAt:        now,
			AvailableAt:     now.Add(s.cfg.Ledger.Holdback()),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := earningrepo.NewRepository(tx).Create(ctx, earning); err != nil {
			return err
		}

		// Commission is recognized out of the booking's funds, the net is the
		// platform's liability to the prestataire. Together with the payment
		// inflow the booking's ledger sums to zero.
		if _, err := s.ledger.Append(ctx, tx, ledgerservice.Entry{
			Type:         ledgerdomain.TypeCommission,
			BookingID:    &bookingID,
			PaymentID:    &payment.ID,
			CommissionID: &commission.ID,
			AmountMinor:  -commissionMinor,
			Currency:     payment.Currency,
			Status:       "settled",
		}, now); err != nil {
			return err
		}
		if _, err := s.ledger.Append(ctx, tx, ledgerservice.Entry{
			Type:        ledgerdomain.TypeEarning,
			BookingID:   &bookingID,
			PaymentID:   &payment.ID,
			EarningID:   &earning.ID,
			AmountMinor: -earning.NetMinor,
			Currency:    payment.Currency,
			Status:      "settled",
		}, now); err != nil {
			return err
		}

		if err := events.Emit(ctx, tx, s.genID.Generate(), events.EventSettlementCompleted, map[string]any{
			"booking_id":       bookingID.String(),
			"prestataire_id":   payment.PrestataireID.String(),
			"gross_minor":      earning.GrossMinor,
			"commission_minor": earning.CommissionMinor,
			"net_minor":        earning.NetMinor,
			"available_at":     earning.AvailableAt,
		}, now); err != nil {
			return err
		}

		result = Result{Commission: commission, Earning: earning}
		return nil
	})
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	if result.AlreadySettled {
		metrics.SettlementsTotal.WithLabelValues("noop").Inc()
		s.log.Info("booking already settled", zap.String("booking_id", bookingID.String()))
	} else {
		metrics.SettlementsTotal.WithLabelValues("completed").Inc()
		s.log.Info("booking settled",
			zap.String("booking_id", bookingID.String()),
			zap.Int64("commission_minor", result.Commission.AmountMinor),
			zap.Int64("net_minor", result.Earning.NetMinor))
	}
	return &result, nil
}
