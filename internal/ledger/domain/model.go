// Package domain contains the append-only ledger entry model.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrLedgerImbalance = errors.New("ledger_imbalance")
	ErrInvalidEntry    = errors.New("invalid_ledger_entry")
)

type TransactionType string

const (
	TypePayment    TransactionType = "payment"
	TypeCommission TransactionType = "commission"
	TypeEarning    TransactionType = "earning"
	TypePayout     TransactionType = "payout"
	TypeRefund     TransactionType = "refund"
	TypeAdjustment TransactionType = "adjustment"
)

// Transaction is one immutable ledger row. Amounts are signed minor units:
// positive is an inflow to the platform float, negative an outflow or a
// recognized liability. Rows are only ever inserted, never updated or deleted.
type Transaction struct {
	ID           snowflake.ID    `gorm:"primaryKey"`
	Type         TransactionType `gorm:"type:text;not null;index"`
	BookingID    *snowflake.ID   `gorm:"index"`
	PaymentID    *snowflake.ID   `gorm:"index"`
	CommissionID *snowflake.ID
	EarningID    *snowflake.ID
	PayoutID     *snowflake.ID `gorm:"index"`
	AmountMinor  int64         `gorm:"not null"`
	Currency     string        `gorm:"type:text;not null"`
	Status       string        `gorm:"type:text;not null"`
	Reference    string        `gorm:"type:text;not null;uniqueIndex"`
	CreatedAt    time.Time     `gorm:"not null"`
}

func (Transaction) TableName() string { return "ledger_transactions" }

// Repository is insert-and-read only. The storage layer offers no update or
// delete path for ledger rows.
type Repository interface {
	Append(ctx context.Context, entry Transaction) error
	ListByBooking(ctx context.Context, bookingID snowflake.ID) ([]Transaction, error)
	SumByBooking(ctx context.Context, bookingID snowflake.ID) (int64, error)
	ListByPayout(ctx context.Context, payoutID snowflake.ID) ([]Transaction, error)
	RecentBookingIDs(ctx context.Context, since time.Time) ([]snowflake.ID, error)
}
