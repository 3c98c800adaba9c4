// Package domain contains commission rules and computed commission records.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrNoApplicableRule      = errors.New("no_applicable_commission_rule")
	ErrCommissionExceedsBase = errors.New("commission_exceeds_base")
	ErrInvalidRule           = errors.New("invalid_commission_rule")
	ErrInvalidTiers          = errors.New("invalid_commission_tiers")
)

// DefaultRuleName identifies the seeded platform-default rule. Commissions
// priced by it carry a nil RuleID.
const DefaultRuleName = "platform-default"

type RuleType string

const (
	RuleTypePercentage RuleType = "percentage"
	RuleTypeFixed      RuleType = "fixed"
	RuleTypeTiered     RuleType = "tiered"
)

// Tier is one progressive band of a tiered rule. A nil UpToMinor marks the
// unbounded top band. Bands apply marginally, like tax brackets.
type Tier struct {
	UpToMinor *int64 `json:"up_to_minor"`
	RateBps   int64  `json:"rate_bps"`
}

// CommissionRule selects and prices the platform's cut of a booking. Rules
// are matched by activity, validity window, category scope and amount bounds;
// the highest priority wins. The seed guarantees one always-valid global rule
// so selection can never come up empty.
type CommissionRule struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	Name           string         `gorm:"type:text;not null"`
	Type           RuleType       `gorm:"type:text;not null"`
	RateBps        int64          `gorm:"not null;default:0"`
	FixedMinor     int64          `gorm:"not null;default:0"`
	Tiers          datatypes.JSON `gorm:"type:jsonb"`
	CategoryID     *snowflake.ID  `gorm:"index"`
	MinAmountMinor *int64
	MaxAmountMinor *int64
	Priority       int        `gorm:"not null;default:0;index"`
	ValidFrom      time.Time  `gorm:"not null"`
	ValidUntil     *time.Time `gorm:"index"`
	IsActive       bool       `gorm:"not null;default:true"`
	CreatedAt      time.Time  `gorm:"not null"`
	UpdatedAt      time.Time  `gorm:"not null"`
}

func (CommissionRule) TableName() string { return "commission_rules" }

// AppliesAt reports whether the rule's validity window covers the instant.
// The window is half-open: [ValidFrom, ValidUntil).
func (r CommissionRule) AppliesAt(at time.Time) bool {
	if at.Before(r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && !at.Before(*r.ValidUntil) {
		return false
	}
	return true
}

// Commission is the priced platform cut for one settled booking, 1:1 with the
// booking's payment. RuleID is nil when the platform default applied.
type Commission struct {
	ID          snowflake.ID  `gorm:"primaryKey"`
	BookingID   snowflake.ID  `gorm:"not null;uniqueIndex"`
	PaymentID   snowflake.ID  `gorm:"not null;index"`
	RuleID      *snowflake.ID `gorm:"index"`
	BaseMinor   int64         `gorm:"not null"`
	RateBps     int64         `gorm:"not null"`
	AmountMinor int64         `gorm:"not null"`
	Method      RuleType      `gorm:"type:text;not null"`
	Currency    string        `gorm:"type:text;not null"`
	CreatedAt   time.Time     `gorm:"not null"`
}

func (Commission) TableName() string { return "commissions" }
