// Package domain contains client payments and the gateway adapter contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrPaymentNotFound      = errors.New("payment_not_found")
	ErrPaymentNotSettled    = errors.New("payment_not_settled")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidMethod        = errors.New("invalid_payment_method")
	ErrBookingAlreadyPaid   = errors.New("booking_already_paid")
	ErrGatewayDeclined      = errors.New("gateway_declined")
	ErrGatewayIndeterminate = errors.New("gateway_indeterminate")
	ErrUnknownProvider      = errors.New("unknown_gateway_provider")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

// Payment records one client payment for one booking. It becomes immutable
// once completed, except for the refund running total.
type Payment struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	BookingID     snowflake.ID `gorm:"not null;uniqueIndex"`
	PayerID       snowflake.ID `gorm:"not null;index"`
	PrestataireID snowflake.ID `gorm:"not null;index"`
	CategoryID    *snowflake.ID
	AmountMinor   int64  `gorm:"not null"`
	Currency      string `gorm:"type:text;not null"`
	Method        string `gorm:"type:text;not null"`
	// GatewayTransactionID is the idempotency key for webhook callbacks.
	// Uniqueness is enforced by a partial index (non-empty values only).
	GatewayTransactionID string `gorm:"type:text;index"`
	Status               Status `gorm:"type:text;not null;index"`
	RefundedMinor        int64  `gorm:"not null;default:0"`
	PaidAt               *time.Time
	FailedAt             *time.Time
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// RemainingRefundable is the amount a further refund may still claim.
func (p Payment) RemainingRefundable() int64 {
	return p.AmountMinor - p.RefundedMinor
}

// GatewayStatus is the provider's verdict on a charge or payout attempt.
type GatewayStatus string

const (
	GatewayStatusSucceeded GatewayStatus = "succeeded"
	GatewayStatusFailed    GatewayStatus = "failed"
	GatewayStatusPending   GatewayStatus = "pending"
)

// GatewayResult is the normalized outcome of one gateway call.
type GatewayResult struct {
	TransactionID string
	Status        GatewayStatus
	FailureReason string
}

// Gateway abstracts the external payment provider. Calls carry a bounded
// timeout through ctx; a timeout is an indeterminate outcome the caller must
// resolve by polling, never by assuming success.
type Gateway interface {
	Provider() string
	Charge(ctx context.Context, amountMinor int64, currency, method string) (GatewayResult, error)
	ChargeStatus(ctx context.Context, transactionID string) (GatewayResult, error)
	Refund(ctx context.Context, transactionID string, amountMinor int64) (GatewayResult, error)
	RefundStatus(ctx context.Context, refundID string) (GatewayResult, error)
	Payout(ctx context.Context, amountMinor int64, currency string, bankDetails datatypes.JSON) (GatewayResult, error)
	PayoutStatus(ctx context.Context, transactionID string) (GatewayResult, error)
}
