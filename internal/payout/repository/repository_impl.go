package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	payoutdomain "github.com/prestalabs/prestapay/internal/payout/domain"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) payoutdomain.Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, payout *payoutdomain.Payout) error {
	return r.db.WithContext(ctx).Create(payout).Error
}

func (r *repository) Get(ctx context.Context, id snowflake.ID) (*payoutdomain.Payout, error) {
	var payout payoutdomain.Payout
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&payout).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &payout, nil
}

func (r *repository) Save(ctx context.Context, payout *payoutdomain.Payout) error {
	return r.db.WithContext(ctx).Save(payout).Error
}

func (r *repository) ListInStatus(ctx context.Context, status payoutdomain.Status) ([]payoutdomain.Payout, error) {
	var rows []payoutdomain.Payout
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("requested_at ASC").
		Find(&rows).Error
	return rows, err
}
