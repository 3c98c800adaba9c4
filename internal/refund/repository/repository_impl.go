package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	refunddomain "github.com/prestalabs/prestapay/internal/refund/domain"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) refunddomain.Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, refund *refunddomain.RefundRequest) error {
	return r.db.WithContext(ctx).Create(refund).Error
}

func (r *repository) Get(ctx context.Context, id snowflake.ID) (*refunddomain.RefundRequest, error) {
	var refund refunddomain.RefundRequest
	err := r.db.WithContext(ctx).First(&refund, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

func (r *repository) Save(ctx context.Context, refund *refunddomain.RefundRequest) error {
	return r.db.WithContext(ctx).Save(refund).Error
}

func (r *repository) ListByPayment(ctx context.Context, paymentID snowflake.ID) ([]refunddomain.RefundRequest, error) {
	var refunds []refunddomain.RefundRequest
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Find(&refunds).Error
	return refunds, err
}

func (r *repository) ListInStatus(ctx context.Context, status refunddomain.Status) ([]refunddomain.RefundRequest, error) {
	var refunds []refunddomain.RefundRequest
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&refunds).Error
	return refunds, err
}
