package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	ledgerdomain "github.com/prestalabs/prestapay/internal/ledger/domain"
	"github.com/prestalabs/prestapay/internal/ledger/repository"
	"github.com/prestalabs/prestapay/internal/metrics"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
	}
}

// Entry describes one row to append. References that do not apply stay nil.
type Entry struct {
	Type         ledgerdomain.TransactionType
	BookingID    *snowflake.ID
	PaymentID    *snowflake.ID
	CommissionID *snowflake.ID
	EarningID    *snowflake.ID
	PayoutID     *snowflake.ID
	AmountMinor  int64
	Currency     string
	Status       string
}

// Append writes one ledger row inside the caller's transaction handle. Every
// state-changing operation in the subsystem appends through here so the audit
// row commits or rolls back together with the domain write.
func (s *Service) Append(ctx context.Context, tx *gorm.DB, entry Entry, now time.Time) (ledgerdomain.Transaction, error) {
	row := ledgerdomain.Transaction{
		ID:           s.genID.Generate(),
		Type:         entry.Type,
		BookingID:    entry.BookingID,
		PaymentID:    entry.PaymentID,
		CommissionID: entry.CommissionID,
		EarningID:    entry.EarningID,
		PayoutID:     entry.PayoutID,
		AmountMinor:  entry.AmountMinor,
		Currency:     entry.Currency,
		Status:       entry.Status,
		Reference:    ulid.Make().String(),
		CreatedAt:    now,
	}
	if err := repository.NewRepository(tx).Append(ctx, row); err != nil {
		return ledgerdomain.Transaction{}, err
	}
	return row, nil
}

// BookingLedger reconstructs the audit trail for one booking.
func (s *Service) BookingLedger(ctx context.Context, bookingID snowflake.ID) ([]ledgerdomain.Transaction, error) {
	return repository.NewRepository(s.db).ListByBooking(ctx, bookingID)
}

func (s *Service) BookingSum(ctx context.Context, bookingID snowflake.ID) (int64, error) {
	return repository.NewRepository(s.db).SumByBooking(ctx, bookingID)
}

// CheckConservation verifies that a fully settled booking's ledger sums to
// zero. A non-zero sum means money was created or destroyed; the caller must
// halt and alert.
func (s *Service) CheckConservation(ctx context.Context, bookingID snowflake.ID) error {
	sum, err := repository.NewRepository(s.db).SumByBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if sum != 0 {
		metrics.InvariantViolations.Inc()
		s.log.Error("booking ledger does not sum to zero",
			zap.String("booking_id", bookingID.String()),
			zap.Int64("sum_minor", sum))
		return ledgerdomain.ErrLedgerImbalance
	}
	return nil
}

// AuditRecent runs the conservation check over bookings touched since the
// cutoff. Used by the scheduler; failures are logged and counted, and the
// first imbalance is returned.
func (s *Service) AuditRecent(ctx context.Context, since time.Time) error {
	ids, err := repository.NewRepository(s.db).RecentBookingIDs(ctx, since)
	if err != nil {
		return err
	}
	var firstErr error
	for _, id := range ids {
		if err := s.CheckConservation(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
