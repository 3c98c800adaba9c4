package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	earningdomain "github.com/prestalabs/prestapay/internal/earning/domain"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) earningdomain.Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, earning *earningdomain.Earning) error {
	return r.db.WithContext(ctx).Create(earning).Error
}

func (r *repository) Get(ctx context.Context, id snowflake.ID) (*earningdomain.Earning, error) {
	var earning earningdomain.Earning
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&earning).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &earning, nil
}

func (r *repository) FindByBooking(ctx context.Context, bookingID snowflake.ID) (*earningdomain.Earning, error) {
	var earning earningdomain.Earning
	err := r.db.WithContext(ctx).Where("booking_id = ?", bookingID).First(&earning).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &earning, nil
}

func (r *repository) List(ctx context.Context, prestataireID snowflake.ID, status *earningdomain.Status) ([]earningdomain.Earning, error) {
	q := r.db.WithContext(ctx).Where("prestataire_id = ?", prestataireID)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	var rows []earningdomain.Earning
	err := q.Order("earned_at ASC, id ASC").Find(&rows).Error
	return rows, err
}

func (r *repository) Save(ctx context.Context, earning *earningdomain.Earning) error {
	return r.db.WithContext(ctx).Save(earning).Error
}

// PromoteDue flips every due pending earning to available in one statement.
// This is the only exit from pending absent a dispute or cancellation.
func (r *repository) PromoteDue(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&earningdomain.Earning{}).
		Where("status = ? AND available_at <= ?", earningdomain.StatusPending, now).
		Updates(map[string]any{"status": earningdomain.StatusAvailable, "updated_at": now})
	return res.RowsAffected, res.Error
}

func (r *repository) SumByStatus(ctx context.Context, prestataireID snowflake.ID, status earningdomain.Status) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(net_minor), 0)
		 FROM prestataire_earnings
		 WHERE prestataire_id = ? AND status = ?`,
		prestataireID, status,
	).Scan(&sum).Error
	return sum, err
}

// SumClaimable totals available earnings not yet linked to a payout. An
// earning linked to a non-terminal payout keeps status available but is
// excluded here; terminal payouts either mark it paid or clear the link.
func (r *repository) SumClaimable(ctx context.Context, prestataireID snowflake.ID) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(net_minor), 0)
		 FROM prestataire_earnings
		 WHERE prestataire_id = ? AND status = ? AND payout_id IS NULL`,
		prestataireID, earningdomain.StatusAvailable,
	).Scan(&sum).Error
	return sum, err
}

// ListClaimable returns unclaimed available earnings oldest first, the FIFO
// order payout selection consumes them in.
func (r *repository) ListClaimable(ctx context.Context, prestataireID snowflake.ID) ([]earningdomain.Earning, error) {
	var rows []earningdomain.Earning
	err := r.db.WithContext(ctx).
		Where("prestataire_id = ? AND status = ? AND payout_id IS NULL",
			prestataireID, earningdomain.StatusAvailable).
		Order("earned_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

// ClaimForPayout links earnings to a payout, guarded so a row claimed by a
// concurrent request is skipped. The caller compares the affected count with
// its candidate set to detect the race and retry.
func (r *repository) ClaimForPayout(ctx context.Context, payoutID snowflake.ID, earningIDs []snowflake.ID, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&earningdomain.Earning{}).
		Where("id IN ? AND status = ? AND payout_id IS NULL", earningIDs, earningdomain.StatusAvailable).
		Updates(map[string]any{"payout_id": payoutID, "updated_at": now})
	return res.RowsAffected, res.Error
}

// ReleaseFromPayout clears the link after a failed or rejected payout so the
// earnings become re-selectable.
func (r *repository) ReleaseFromPayout(ctx context.Context, payoutID snowflake.ID, now time.Time) error {
	return r.db.WithContext(ctx).Model(&earningdomain.Earning{}).
		Where("payout_id = ?", payoutID).
		Updates(map[string]any{"payout_id": nil, "updated_at": now}).Error
}

func (r *repository) MarkPaidForPayout(ctx context.Context, payoutID snowflake.ID, now time.Time) error {
	return r.db.WithContext(ctx).Model(&earningdomain.Earning{}).
		Where("payout_id = ?", payoutID).
		Updates(map[string]any{"status": earningdomain.StatusPaid, "paid_at": now, "updated_at": now}).Error
}

func (r *repository) ListByPayout(ctx context.Context, payoutID snowflake.ID) ([]earningdomain.Earning, error) {
	var rows []earningdomain.Earning
	err := r.db.WithContext(ctx).
		Where("payout_id = ?", payoutID).
		Order("earned_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}
