package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	commissiondomain "github.com/prestalabs/prestapay/internal/commission/domain"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) commissiondomain.Repository {
	return &repository{db: db}
}

func (r *repository) ListCandidateRules(ctx context.Context, at time.Time) ([]commissiondomain.CommissionRule, error) {
	var rules []commissiondomain.CommissionRule
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("valid_from <= ?", at).
		Where("valid_until IS NULL OR valid_until > ?", at).
		Order("priority DESC").
		Find(&rules).Error
	return rules, err
}

func (r *repository) GetRule(ctx context.Context, id snowflake.ID) (*commissiondomain.CommissionRule, error) {
	var rule commissiondomain.CommissionRule
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rule).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

func (r *repository) CreateRule(ctx context.Context, rule *commissiondomain.CommissionRule) error {
	return r.db.WithContext(ctx).Create(rule).Error
}

func (r *repository) FindByBooking(ctx context.Context, bookingID snowflake.ID) (*commissiondomain.Commission, error) {
	var commission commissiondomain.Commission
	err := r.db.WithContext(ctx).Where("booking_id = ?", bookingID).First(&commission).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &commission, nil
}

func (r *repository) CreateCommission(ctx context.Context, commission *commissiondomain.Commission) error {
	return r.db.WithContext(ctx).Create(commission).Error
}
