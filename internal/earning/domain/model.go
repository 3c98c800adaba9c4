// Package domain contains prestataire earnings and their lifecycle states.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrEarningNotFound       = errors.New("earning_not_found")
	ErrInvalidTransition     = errors.New("invalid_earning_transition")
	ErrNetAmountMismatch     = errors.New("net_amount_mismatch")
	ErrEarningAlreadyClaimed = errors.New("earning_already_claimed")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAvailable Status = "available"
	StatusPaid      Status = "paid"
	StatusDisputed  Status = "disputed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

// Earning is one prestataire's net take for one booking. Settlement creates
// exactly one per booking; refunds of an already-paid earning add negative
// compensating rows under the same booking, so BookingID is a plain index.
// NetMinor is always exactly GrossMinor - CommissionMinor; rounding happens
// once, at commission computation, and carries through.
type Earning struct {
	ID              snowflake.ID  `gorm:"primaryKey"`
	PrestataireID   snowflake.ID  `gorm:"not null;index"`
	BookingID       snowflake.ID  `gorm:"not null;index"`
	GrossMinor      int64         `gorm:"not null"`
	CommissionMinor int64         `gorm:"not null"`
	NetMinor        int64         `gorm:"not null"`
	Currency        string        `gorm:"type:text;not null"`
	PayoutID        *snowflake.ID `gorm:"index"`
	Status          Status        `gorm:"type:text;not null;index"`
	EarnedAt        time.Time     `gorm:"not null"`
	AvailableAt     time.Time     `gorm:"not null;index"`
	PaidAt          *time.Time
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (Earning) TableName() string { return "prestataire_earnings" }

// Balance is the split of a prestataire's funds by availability.
type Balance struct {
	AvailableMinor int64
	PendingMinor   int64
	Currency       string
}

type Repository interface {
	Create(ctx context.Context, earning *Earning) error
	Get(ctx context.Context, id snowflake.ID) (*Earning, error)
	FindByBooking(ctx context.Context, bookingID snowflake.ID) (*Earning, error)
	List(ctx context.Context, prestataireID snowflake.ID, status *Status) ([]Earning, error)
	Save(ctx context.Context, earning *Earning) error
	PromoteDue(ctx context.Context, now time.Time) (int64, error)
	SumByStatus(ctx context.Context, prestataireID snowflake.ID, status Status) (int64, error)
	SumClaimable(ctx context.Context, prestataireID snowflake.ID) (int64, error)
	ListClaimable(ctx context.Context, prestataireID snowflake.ID) ([]Earning, error)
	ListByPayout(ctx context.Context, payoutID snowflake.ID) ([]Earning, error)
	ClaimForPayout(ctx context.Context, payoutID snowflake.ID, earningIDs []snowflake.ID, now time.Time) (int64, error)
	ReleaseFromPayout(ctx context.Context, payoutID snowflake.ID, now time.Time) error
	MarkPaidForPayout(ctx context.Context, payoutID snowflake.ID, now time.Time) error
}
