package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/prestalabs/prestapay/internal/config"
	ledgerdomain "github.com/prestalabs/prestapay/internal/ledger/domain"
	ledgerservice "github.com/prestalabs/prestapay/internal/ledger/service"
	paymentdomain "github.com/prestalabs/prestapay/internal/payment/domain"
	"github.com/prestalabs/prestapay/internal/payment/repository"
	settlementservice "github.com/prestalabs/prestapay/internal/settlement/service"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Gateway    paymentdomain.Gateway
	Ledger     *ledgerservice.Service
	Settlement *settlementservice.Service
	Cfg        config.Config
}

// Service records inbound client payments and drives them to completion,
// triggering settlement when a payment is confirmed.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	gateway    paymentdomain.Gateway
	ledger     *ledgerservice.Service
	settlement *settlementservice.Service
	cfg        config.Config
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		gateway:    p.Gateway,
		ledger:     p.Ledger,
		settlement: p.Settlement,
		cfg:        p.Cfg,
	}
}

type CreatePaymentInput struct {
	BookingID     snowflake.ID
	PayerID       snowflake.ID
	PrestataireID snowflake.ID
	CategoryID    *snowflake.ID
	AmountMinor   int64
	Currency      string
	Method        string
}

// CreatePayment opens the pending payment for a booking when checkout
// begins. One payment per booking.
func (s *Service) CreatePayment(ctx context.Context, input CreatePaymentInput, now time.Time) (*paymentdomain.Payment, error) {
	if input.AmountMinor <= 0 {
		return nil, paymentdomain.ErrInvalidAmount
	}
	if input.Method == "" {
		return nil, paymentdomain.ErrInvalidMethod
	}

	currency := input.Currency
	if currency == "" {
		currency = s.cfg.Ledger.Currency
	}

	repo := repository.NewRepository(s.db)
	existing, err := repo.FindByBooking(ctx, input.BookingID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, paymentdomain.ErrBookingAlreadyPaid
	}

	payment := &paymentdomain.Payment{
		ID:            s.genID.Generate(),
		BookingID:     input.BookingID,
		PayerID:       input.PayerID,
		PrestataireID: input.PrestataireID,
		CategoryID:    input.CategoryID,
		AmountMinor:   input.AmountMinor,
		Currency:      currency,
		Method:        input.Method,
		Status:        paymentdomain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := repo.Create(ctx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

// Charge runs the gateway charge for a pending payment. The gateway call is
// made outside any transaction; the resulting state transition is applied in
// a short follow-up write. An indeterminate outcome leaves the payment for
// the reconciliation job, never assuming success.
func (s *Service) Charge(ctx context.Context, paymentID snowflake.ID, now time.Time) (*paymentdomain.Payment, error) {
	repo := repository.NewRepository(s.db)
	payment, err := repo.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	if payment.Status != paymentdomain.StatusPending {
		return payment, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Gateway.Timeout)
	defer cancel()
	result, err := s.gateway.Charge(callCtx, payment.AmountMinor, payment.Currency, payment.Method)
	if err != nil {
		if err == paymentdomain.ErrGatewayIndeterminate {
			s.log.Warn("charge outcome indeterminate, leaving payment pending",
				zap.String("payment_id", payment.ID.String()))
		}
		return nil, err
	}

	switch result.Status {
	case paymentdomain.GatewayStatusSucceeded:
		return s.complete(ctx, payment.ID, result.TransactionID, now)
	case paymentdomain.GatewayStatusPending:
		payment.Status = paymentdomain.StatusProcessing
		payment.GatewayTransactionID = result.TransactionID
		payment.UpdatedAt = now
		if err := repo.Save(ctx, payment); err != nil {
			return nil, err
		}
		return payment, nil
	default:
		payment.Status = paymentdomain.StatusFailed
		payment.GatewayTransactionID = result.TransactionID
		payment.FailedAt = &now
		payment.UpdatedAt = now
		if err := repo.Save(ctx, payment); err != nil {
			return nil, err
		}
		return payment, paymentdomain.ErrGatewayDeclined
	}
}

// ConfirmGatewayCallback applies a gateway webhook. The gateway transaction
// id is the idempotency key: a callback for an already-completed payment is a
// no-op success, guarding against redelivery.
func (s *Service) ConfirmGatewayCallback(ctx context.Context, gatewayTxnID string, status paymentdomain.GatewayStatus, now time.Time) (*paymentdomain.Payment, error) {
	repo := repository.NewRepository(s.db)
	payment, err := repo.FindByGatewayTransaction(ctx, gatewayTxnID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	if payment.Status == paymentdomain.StatusCompleted || payment.Status == paymentdomain.StatusRefunded {
		return payment, nil
	}

	switch status {
	case paymentdomain.GatewayStatusSucceeded:
		return s.complete(ctx, payment.ID, gatewayTxnID, now)
	case paymentdomain.GatewayStatusFailed:
		payment.Status = paymentdomain.StatusFailed
		payment.FailedAt = &now
		payment.UpdatedAt = now
		if err := repo.Save(ctx, payment); err != nil {
			return nil, err
		}
		return payment, nil
	default:
		return payment, nil
	}
}

// complete marks the payment completed and appends its ledger inflow in one
// transaction, then triggers settlement. A settlement failure leaves the
// payment completed and eligible for manual reconciliation, it never loses
// the client's money.
func (s *Service) complete(ctx context.Context, paymentID snowflake.ID, gatewayTxnID string, now time.Time) (*paymentdomain.Payment, error) {
	var completed *paymentdomain.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := repository.NewRepository(tx)
		payment, err := repo.GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		if payment.Status == paymentdomain.StatusCompleted {
			completed = payment
			return nil
		}

		payment.Status = paymentdomain.StatusCompleted
		payment.GatewayTransactionID = gatewayTxnID
		payment.PaidAt = &now
		payment.UpdatedAt = now
		if err := repo.Save(ctx, payment); err != nil {
			return err
		}

		if _, err := s.ledger.Append(ctx, tx, ledgerservice.Entry{
			Type:        ledgerdomain.TypePayment,
			BookingID:   &payment.BookingID,
			PaymentID:   &payment.ID,
			AmountMinor: payment.AmountMinor,
			Currency:    payment.Currency,
			Status:      "completed",
		}, now); err != nil {
			return err
		}
		completed = payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.settlement.Settle(ctx, completed.BookingID, now); err != nil {
		s.log.Error("settlement failed after payment completion, booking held for reconciliation",
			zap.String("booking_id", completed.BookingID.String()),
			zap.Error(err))
	}
	return completed, nil
}

// ReconcileInFlight polls the gateway for payments stuck in processing and
// applies the true outcome. Run by the scheduler.
func (s *Service) ReconcileInFlight(ctx context.Context, now time.Time) error {
	repo := repository.NewRepository(s.db)
	stuck, err := repo.ListInStatus(ctx, paymentdomain.StatusProcessing)
	if err != nil {
		return err
	}
	for _, payment := range stuck {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Gateway.Timeout)
		result, err := s.gateway.ChargeStatus(callCtx, payment.GatewayTransactionID)
		cancel()
		if err != nil {
			s.log.Warn("charge reconciliation poll failed",
				zap.String("payment_id", payment.ID.String()), zap.Error(err))
			continue
		}
		if _, err := s.ConfirmGatewayCallback(ctx, payment.GatewayTransactionID, result.Status, now); err != nil {
			s.log.Error("charge reconciliation apply failed",
				zap.String("payment_id", payment.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// GetPayment is the read path used by refund workflows and operators.
func (s *Service) GetPayment(ctx context.Context, id snowflake.ID) (*paymentdomain.Payment, error) {
	payment, err := repository.NewRepository(s.db).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	return payment, nil
}
