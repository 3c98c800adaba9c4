// Package domain contains refund requests and the cancellation policy types.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrRefundNotFound       = errors.New("refund_not_found")
	ErrRefundExceedsPayment = errors.New("refund_exceeds_payment")
	ErrRefundAlreadyDecided = errors.New("refund_already_decided")
	ErrRefundNotApproved    = errors.New("refund_not_approved")
	ErrPaymentNotRefundable = errors.New("payment_not_refundable")
)

type Status string

const (
	StatusRequested  Status = "requested"
	StatusApproved   Status = "approved"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// RefundRequest tracks one client refund from request through gateway
// execution. AmountMinor is the amount returned to the client; for a
// cancellation it is the payment amount less the cancellation fee.
type RefundRequest struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	PaymentID       snowflake.ID `gorm:"not null;index"`
	BookingID       snowflake.ID `gorm:"not null;index"`
	ClientID        snowflake.ID `gorm:"not null;index"`
	AmountMinor     int64        `gorm:"not null"`
	FeeMinor        int64        `gorm:"not null;default:0"`
	Currency        string       `gorm:"type:text;not null"`
	Reason          string       `gorm:"type:text"`
	Status          Status       `gorm:"type:text;not null;index"`
	ApproverID      *snowflake.ID
	AdminNotes      string    `gorm:"type:text"`
	GatewayRefundID string    `gorm:"type:text;index"`
	FailureReason   string    `gorm:"type:text"`
	RequestedAt     time.Time `gorm:"not null"`
	ApprovedAt      *time.Time
	ProcessedAt     *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (RefundRequest) TableName() string { return "refund_requests" }

type Repository interface {
	Create(ctx context.Context, refund *RefundRequest) error
	Get(ctx context.Context, id snowflake.ID) (*RefundRequest, error)
	Save(ctx context.Context, refund *RefundRequest) error
	ListByPayment(ctx context.Context, paymentID snowflake.ID) ([]RefundRequest, error)
	ListInStatus(ctx context.Context, status Status) ([]RefundRequest, error)
}
