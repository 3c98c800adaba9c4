package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/prestalabs/prestapay/internal/config"
	earningdomain "github.com/prestalabs/prestapay/internal/earning/domain"
	earningrepo "github.com/prestalabs/prestapay/internal/earning/repository"
	earningservice "github.com/prestalabs/prestapay/internal/earning/service"
	"github.com/prestalabs/prestapay/internal/events"
	ledgerdomain "github.com/prestalabs/prestapay/internal/ledger/domain"
	ledgerservice "github.com/prestalabs/prestapay/internal/ledger/service"
	"github.com/prestalabs/prestapay/internal/metrics"
	paymentdomain "github.com/prestalabs/prestapay/internal/payment/domain"
	payoutdomain "github.com/prestalabs/prestapay/internal/payout/domain"
	"github.com/prestalabs/prestapay/internal/payout/repository"
)

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

// Service batches available earnings into payouts and walks them through
// approval and gateway execution.
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
		log:      p.Log.Named("payout.service"),
		genID:    p.GenID,
		gateway:  p.Gateway,
		ledger:   p.Ledger,
		earnings: p.Earnings,
		cfg:      p.Cfg,
	}
}

type RequestInput struct {
	PrestataireID  snowflake.ID
	RequestedMinor *int64
	Method         string
	BankDetails    datatypes.JSON
}

// Request creates a pending payout claiming whole available earnings, oldest
// first, up to the requested amount (full balance when omitted). The payout
// amount is the sum of the claimed earnings and is authoritative; it may be
// less than a partial request. A concurrent request claiming the same
// earnings loses the update race and retries once on a fresh candidate set.
func (s *Service) Request(ctx context.Context, input RequestInput, now time.Time) (*payoutdomain.Payout, error) {
	if len(input.BankDetails) == 0 {
		return nil, payoutdomain.ErrBankDetailsMissing
	}
	if input.RequestedMinor != nil && *input.RequestedMinor <= 0 {
		return nil, paymentdomain.ErrInvalidAmount
	}

	payout, err := s.tryRequest(ctx, input, now)
	if err == earningdomain.ErrEarningAlreadyClaimed {
		// Another request won the race for part of the candidate set.
		payout, err = s.tryRequest(ctx, input, now)
	}
	if err != nil {
		return nil, err
	}

	s.earnings.InvalidateBalance(ctx, input.PrestataireID)
	s.log.Info("payout requested",
		zap.String("payout_id", payout.ID.String()),
		zap.String("prestataire_id", input.PrestataireID.String()),
		zap.Int64("amount_minor", payout.AmountMinor))
	return payout, nil
}

func (s *Service) tryRequest(ctx context.Context, input RequestInput, now time.Time) (*payoutdomain.Payout, error) {
	var payout *payoutdomain.Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		earnings := earningrepo.NewRepository(tx)
		candidates, err := earnings.ListClaimable(ctx, input.PrestataireID)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return payoutdomain.ErrNoClaimableEarnings
		}

		var balance int64
		for _, e := range candidates {
			balance += e.NetMinor
		}
		if balance < s.cfg.Ledger.MinimumPayoutMinor {
			return payoutdomain.ErrBelowPayoutMinimum
		}

		target := balance
		if input.RequestedMinor != nil && *input.RequestedMinor < balance {
			target = *input.RequestedMinor
		}

		// Whole earnings only, FIFO, never exceeding the target.
		var selected []earningdomain.Earning
		var amount int64
		currency := candidates[0].Currency
		for _, e := range candidates {
			if amount+e.NetMinor > target {
				break
			}
			selected = append(selected, e)
			amount += e.NetMinor
		}
		if len(selected) == 0 {
			return payoutdomain.ErrNoClaimableEarnings
		}

		method := input.Method
		if method == "" {
			method = "bank_transfer"
		}
		payout = &payoutdomain.Payout{
			ID:            s.genID.Generate(),
			PrestataireID: input.PrestataireID,
			AmountMinor:   amount,
			Currency:      currency,
			Status:        payoutdomain.StatusPending,
			Method:        method,
			BankDetails:   input.BankDetails,
			RequestedAt:   now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := repository.NewRepository(tx).Create(ctx, payout); err != nil {
			return err
		}

		ids := make([]snowflake.ID, len(selected))
		for i, e := range selected {
			ids[i] = e.ID
		}
		claimed, err := earnings.ClaimForPayout(ctx, payout.ID, ids, now)
		if err != nil {
			return err
		}
		if claimed != int64(len(ids)) {
			// A concurrent payout claimed part of the set; abort and let the
			// caller retry against what is left.
			return earningdomain.ErrEarningAlreadyClaimed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payout, nil
}

// Approve moves a pending payout to approved. Any other starting state fails:
// approval decisions are not revisited.
func (s *Service) Approve(ctx context.Context, payoutID, approverID snowflake.ID, now time.Time) (*payoutdomain.Payout, error) {
	return s.decide(ctx, payoutID, approverID, payoutdomain.StatusApproved, now)
}

// Reject refuses a pending payout and releases its earnings.
func (s *Service) Reject(ctx context.Context, payoutID, approverID snowflake.ID, now time.Time) (*payoutdomain.Payout, error) {
	return s.decide(ctx, payoutID, approverID, payoutdomain.StatusRejected, now)
}

func (s *Service) decide(ctx context.Context, payoutID, approverID snowflake.ID, decision payoutdomain.Status, now time.Time) (*payoutdomain.Payout, error) {
	var payout *payoutdomain.Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := repository.NewRepository(tx)
		p, err := repo.Get(ctx, payoutID)
		if err != nil {
			return err
		}
		if p == nil {
			return payoutdomain.ErrPayoutNotFound
		}
		if p.Status != payoutdomain.StatusPending {
			return payoutdomain.ErrPayoutAlreadyDecided
		}

		p.Status = decision
		p.ApproverID = &approverID
		p.ApprovedAt = &now
		p.UpdatedAt = now
		if err := repo.Save(ctx, p); err != nil {
			return err
		}
		if decision == payoutdomain.StatusRejected {
			if err := earningrepo.NewRepository(tx).ReleaseFromPayout(ctx, p.ID, now); err != nil {
				return err
			}
		}
		payout = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if decision == payoutdomain.StatusRejected {
		s.earnings.InvalidateBalance(ctx, payout.PrestataireID)
	}
	return payout, nil
}

// Process executes an approved payout. The gateway transfer runs outside any
// transaction; the verdict is applied in a short follow-up write. A timeout
// leaves the payout in processing for the reconciliation job; this service
// never guesses success. Each gateway call is final for this payout object,
// a retry after a declared failure is a new payout.
func (s *Service) Process(ctx context.Context, payoutID snowflake.ID, now time.Time) (*payoutdomain.Payout, error) {
	repo := repository.NewRepository(s.db)
	payout, err := repo.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if payout == nil {
		return nil, payoutdomain.ErrPayoutNotFound
	}
	if payout.Status != payoutdomain.StatusApproved {
		return nil, payoutdomain.ErrPayoutNotApproved
	}

	payout.Status = payoutdomain.StatusProcessing
	payout.ProcessedAt = &now
	payout.UpdatedAt = now
	if err := repo.Save(ctx, payout); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Gateway.Timeout)
	result, gwErr := s.gateway.Payout(callCtx, payout.AmountMinor, payout.Currency, payout.BankDetails)
	cancel()
	if gwErr != nil {
		if gwErr == paymentdomain.ErrGatewayIndeterminate {
			s.log.Warn("payout outcome indeterminate, awaiting reconciliation",
				zap.String("payout_id", payout.ID.String()))
			return payout, gwErr
		}
		return nil, gwErr
	}
	if result.TransactionID != "" && payout.TransactionReference == "" {
		payout.TransactionReference = result.TransactionID
		payout.UpdatedAt = now
		if err := repo.Save(ctx, payout); err != nil {
			return nil, err
		}
	}

	return s.applyGatewayOutcome(ctx, payout.ID, result, now)
}

// applyGatewayOutcome finalizes a processing payout from a definitive gateway
// verdict. Completion marks the linked earnings paid, appends the outbound
// ledger row and emits the notification event, all in one transaction.
func (s *Service) applyGatewayOutcome(ctx context.Context, payoutID snowflake.ID, result paymentdomain.GatewayResult, now time.Time) (*payoutdomain.Payout, error) {
	var payout *payoutdomain.Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := repository.NewRepository(tx)
		p, err := repo.Get(ctx, payoutID)
		if err != nil {
			return err
		}
		if p == nil {
			return payoutdomain.ErrPayoutNotFound
		}
		if p.Status != payoutdomain.StatusProcessing {
			payout = p
			return nil
		}

		switch result.Status {
		case paymentdomain.GatewayStatusSucceeded:
			earnings := earningrepo.NewRepository(tx)
			linked, err := earnings.ListByPayout(ctx, p.ID)
			if err != nil {
				return err
			}
			var sum int64
			for _, e := range linked {
				sum += e.NetMinor
			}
			if sum != p.AmountMinor {
				// Money would be created or destroyed; halt.
				metrics.InvariantViolations.Inc()
				return payoutdomain.ErrAmountMismatch
			}
			if err := earnings.MarkPaidForPayout(ctx, p.ID, now); err != nil {
				return err
			}

			p.Status = payoutdomain.StatusCompleted
			p.CompletedAt = &now
			if result.TransactionID != "" {
				p.TransactionReference = result.TransactionID
			}
			p.UpdatedAt = now
			if err := repo.Save(ctx, p); err != nil {
				return err
			}

			if _, err := s.ledger.Append(ctx, tx, ledgerservice.Entry{
				Type:        ledgerdomain.TypePayout,
				PayoutID:    &p.ID,
				AmountMinor: -p.AmountMinor,
				Currency:    p.Currency,
				Status:      "completed",
			}, now); err != nil {
				return err
			}
			if err := events.Emit(ctx, tx, s.genID.Generate(), events.EventPayoutCompleted, map[string]any{
				"payout_id":      p.ID.String(),
				"prestataire_id": p.PrestataireID.String(),
				"amount_minor":   p.AmountMinor,
				"reference":      p.TransactionReference,
			}, now); err != nil {
				return err
			}

		case paymentdomain.GatewayStatusFailed:
			p.Status = payoutdomain.StatusFailed
			p.FailureReason = result.FailureReason
			p.UpdatedAt = now
			if err := repo.Save(ctx, p); err != nil {
				return err
			}
			if err := earningrepo.NewRepository(tx).ReleaseFromPayout(ctx, p.ID, now); err != nil {
				return err
			}

		default:
			// Still pending at the gateway; keep processing.
		}

		payout = p
		return nil
	})
	if err != nil {
		metrics.PayoutsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	switch payout.Status {
	case payoutdomain.StatusCompleted:
		metrics.PayoutsTotal.WithLabelValues("completed").Inc()
		s.earnings.InvalidateBalance(ctx, payout.PrestataireID)
		s.log.Info("payout completed",
			zap.String("payout_id", payout.ID.String()),
			zap.Int64("amount_minor", payout.AmountMinor))
	case payoutdomain.StatusFailed:
		metrics.PayoutsTotal.WithLabelValues("declined").Inc()
		s.earnings.InvalidateBalance(ctx, payout.PrestataireID)
		s.log.Warn("payout declined by gateway",
			zap.String("payout_id", payout.ID.String()),
			zap.String("reason", payout.FailureReason))
	}
	return payout, nil
}

// Reconcile polls the gateway for payouts stuck in processing and applies the
// true outcome. Payouts without a gateway reference cannot be polled and are
// surfaced for manual action.
func (s *Service) Reconcile(ctx context.Context, now time.Time) error {
	stuck, err := repository.NewRepository(s.db).ListInStatus(ctx, payoutdomain.StatusProcessing)
	if err != nil {
		return err
	}
	for _, payout := range stuck {
		if payout.TransactionReference == "" {
			s.log.Error("processing payout has no gateway reference, manual reconciliation required",
				zap.String("payout_id", payout.ID.String()))
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Gateway.Timeout)
		result, err := s.gateway.PayoutStatus(callCtx, payout.TransactionReference)
		cancel()
		if err != nil {
			s.log.Warn("payout reconciliation poll failed",
				zap.String("payout_id", payout.ID.String()), zap.Error(err))
			continue
		}
		if _, err := s.applyGatewayOutcome(ctx, payout.ID, result, now); err != nil {
			s.log.Error("payout reconciliation apply failed",
				zap.String("payout_id", payout.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// Get serves the read path for operators.
func (s *Service) Get(ctx context.Context, id snowflake.ID) (*payoutdomain.Payout, error) {
	payout, err := repository.NewRepository(s.db).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if payout == nil {
		return nil, payoutdomain.ErrPayoutNotFound
	}
	return payout, nil
}
