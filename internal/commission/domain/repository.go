package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Repository interface {
	ListCandidateRules(ctx context.Context, at time.Time) ([]CommissionRule, error)
	GetRule(ctx context.Context, id snowflake.ID) (*CommissionRule, error)
	CreateRule(ctx context.Context, rule *CommissionRule) error
	FindByBooking(ctx context.Context, bookingID snowflake.ID) (*Commission, error)
	CreateCommission(ctx context.Context, commission *Commission) error
}
