package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	ledgerdomain "github.com/prestalabs/prestapay/internal/ledger/domain"
)

type repository struct {
	db *gorm.DB
}

// NewRepository binds the ledger repository to a connection or transaction
// handle. Services re-bind inside gorm transactions.
func NewRepository(db *gorm.DB) ledgerdomain.Repository {
	return &repository{db: db}
}

func (r *repository) Append(ctx context.Context, entry ledgerdomain.Transaction) error {
	if entry.ID == 0 || entry.Reference == "" || entry.Currency == "" {
		return ledgerdomain.ErrInvalidEntry
	}
	return r.db.WithContext(ctx).Create(&entry).Error
}

func (r *repository) ListByBooking(ctx context.Context, bookingID snowflake.ID) ([]ledgerdomain.Transaction, error) {
	var rows []ledgerdomain.Transaction
	err := r.db.WithContext(ctx).
		Where("booking_id = ?", bookingID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) SumByBooking(ctx context.Context, bookingID snowflake.ID) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount_minor), 0)
		 FROM ledger_transactions
		 WHERE booking_id = ?`,
		bookingID,
	).Scan(&sum).Error
	return sum, err
}

func (r *repository) ListByPayout(ctx context.Context, payoutID snowflake.ID) ([]ledgerdomain.Transaction, error) {
	var rows []ledgerdomain.Transaction
	err := r.db.WithContext(ctx).
		Where("payout_id = ?", payoutID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) RecentBookingIDs(ctx context.Context, since time.Time) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	// Only bookings that reached settlement are expected to balance, so the
	// audit scope requires a commission row.
	err := r.db.WithContext(ctx).Raw(
		`SELECT DISTINCT t.booking_id
		 FROM ledger_transactions t
		 WHERE t.booking_id IS NOT NULL AND t.created_at >= ?
		 AND EXISTS (
		   SELECT 1 FROM ledger_transactions c
		   WHERE c.booking_id = t.booking_id AND c.type = 'commission'
		 )`,
		since,
	).Scan(&ids).Error
	return ids, err
}
