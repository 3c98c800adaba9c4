// Package domain contains payout batches and their approval workflow.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrPayoutNotFound       = errors.New("payout_not_found")
	ErrBelowPayoutMinimum   = errors.New("below_payout_minimum")
	ErrPayoutAlreadyDecided = errors.New("payout_already_decided")
	ErrPayoutNotApproved    = errors.New("payout_not_approved")
	ErrNoClaimableEarnings  = errors.New("no_claimable_earnings")
	ErrBankDetailsMissing   = errors.New("bank_details_missing")
	ErrAmountMismatch       = errors.New("payout_amount_mismatch")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
)

// Terminal reports whether the payout can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// Payout groups whole earnings of one prestataire into a single outbound
// transfer. Its amount equals the sum of linked earnings' net amounts at all
// times. BankDetails is a snapshot taken at request time so later changes to
// the prestataire's account do not redirect an approved transfer.
type Payout struct {
	ID                   snowflake.ID   `gorm:"primaryKey"`
	PrestataireID        snowflake.ID   `gorm:"not null;index"`
	AmountMinor          int64          `gorm:"not null"`
	Currency             string         `gorm:"type:text;not null"`
	Status               Status         `gorm:"type:text;not null;index"`
	Method               string         `gorm:"type:text;not null"`
	BankDetails          datatypes.JSON `gorm:"type:jsonb;not null"`
	TransactionReference string         `gorm:"type:text;index"`
	FailureReason        string         `gorm:"type:text"`
	RequestedAt          time.Time      `gorm:"not null"`
	ApprovedAt           *time.Time
	ProcessedAt          *time.Time
	CompletedAt          *time.Time
	ApproverID           *snowflake.ID
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

func (Payout) TableName() string { return "payouts" }

type Repository interface {
	Create(ctx context.Context, payout *Payout) error
	Get(ctx context.Context, id snowflake.ID) (*Payout, error)
	Save(ctx context.Context, payout *Payout) error
	ListInStatus(ctx context.Context, status Status) ([]Payout, error)
}
