// Package events is the transactional outbox for non-monetary side effects.
// Monetary steps stay inside the settlement/payout/refund transactions; only
// notifications flow through here, dispatched asynchronously by the scheduler.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EventSettlementCompleted = "settlement.completed"
	EventPayoutCompleted     = "payout.completed"
	EventRefundCompleted     = "refund.completed"
	EventEarningDisputed     = "earning.disputed"
)

// Record is one outbox row. DispatchedAt is set by the dispatcher once the
// notification collaborator has accepted the event.
type Record struct {
	ID           snowflake.ID   `gorm:"primaryKey"`
	EventType    string         `gorm:"type:text;not null;index"`
	Payload      datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt    time.Time      `gorm:"not null"`
	DispatchedAt *time.Time     `gorm:"index"`
}

func (Record) TableName() string { return "ledger_events" }

// Notifier is the out-of-scope notification collaborator.
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload []byte) error
}

// Emit appends an outbox row inside the caller's transaction so the event is
// exactly as durable as the domain write it describes.
func Emit(ctx context.Context, tx *gorm.DB, id snowflake.ID, eventType string, payload any, now time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).Create(&Record{
		ID:        id,
		EventType: eventType,
		Payload:   datatypes.JSON(body),
		CreatedAt: now,
	}).Error
}
