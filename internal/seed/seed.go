// Package seed aligns startup data with configuration.
package seed

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	commissiondomain "github.com/prestalabs/prestapay/internal/commission/domain"
	"github.com/prestalabs/prestapay/internal/config"
)

var Module = fx.Module("seed",
	fx.Invoke(EnsureDefaultRule),
)

// EnsureDefaultRule guarantees the always-valid global commission rule and
// keeps its rate in line with configuration. It sits at the lowest possible
// priority so any operator-defined rule wins over it.
func EnsureDefaultRule(db *gorm.DB, genID *snowflake.Node, cfg config.Config) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	ctx := context.Background()
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rule commissiondomain.CommissionRule
		err := tx.First(&rule, "name = ?", commissiondomain.DefaultRuleName).Error
		if err == gorm.ErrRecordNotFound {
			rule = commissiondomain.CommissionRule{
				ID:        genID.Generate(),
				Name:      commissiondomain.DefaultRuleName,
				Type:      commissiondomain.RuleTypePercentage,
				RateBps:   cfg.Ledger.DefaultCommissionBps,
				Priority:  math.MinInt32,
				ValidFrom: time.Unix(0, 0).UTC(),
				IsActive:  true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			return tx.Create(&rule).Error
		}
		if err != nil {
			return err
		}

		if rule.RateBps == cfg.Ledger.DefaultCommissionBps && rule.IsActive {
			return nil
		}
		rule.RateBps = cfg.Ledger.DefaultCommissionBps
		rule.IsActive = true
		rule.UpdatedAt = now
		return tx.Save(&rule).Error
	})
}
