package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	paymentdomain "github.com/prestalabs/prestapay/internal/payment/domain"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, payment *paymentdomain.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *repository) Get(ctx context.Context, id snowflake.ID) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&payment).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// GetForUpdate locks the payment row for the rest of the transaction so
// racing completion attempts (duplicate webhook deliveries, a webhook racing
// the reconciliation poll) serialize on the status check.
func (r *repository) GetForUpdate(ctx context.Context, id snowflake.ID) (*paymentdomain.Payment, error) {
	q := r.db.WithContext(ctx)
	if r.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var payment paymentdomain.Payment
	err := q.Where("id = ?", id).First(&payment).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

func (r *repository) FindByBooking(ctx context.Context, bookingID snowflake.ID) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := r.db.WithContext(ctx).Where("booking_id = ?", bookingID).First(&payment).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// FindByBookingForUpdate takes a row lock on the booking's payment so
// concurrent settlement attempts serialize. The lock is a Postgres FOR
// UPDATE; on other dialects the unique index on commissions.booking_id is
// the hard guard.
func (r *repository) FindByBookingForUpdate(ctx context.Context, bookingID snowflake.ID) (*paymentdomain.Payment, error) {
	q := r.db.WithContext(ctx)
	if r.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var payment paymentdomain.Payment
	err := q.Where("booking_id = ?", bookingID).First(&payment).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

func (r *repository) FindByGatewayTransaction(ctx context.Context, gatewayTxnID string) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := r.db.WithContext(ctx).Where("gateway_transaction_id = ?", gatewayTxnID).First(&payment).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

func (r *repository) Save(ctx context.Context, payment *paymentdomain.Payment) error {
	return r.db.WithContext(ctx).Save(payment).Error
}

func (r *repository) ListInStatus(ctx context.Context, status paymentdomain.Status) ([]paymentdomain.Payment, error) {
	var rows []paymentdomain.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND gateway_transaction_id <> ''", status).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}
