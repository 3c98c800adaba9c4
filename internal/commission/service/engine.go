package service

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	commissiondomain "github.com/prestalabs/prestapay/internal/commission/domain"
	"github.com/prestalabs/prestapay/internal/commission/repository"
	"github.com/prestalabs/prestapay/internal/money"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

// Engine selects the applicable commission rule for a booking and prices the
// platform's cut.
type Engine struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewEngine(p Params) *Engine {
	return &Engine{
		db:    p.DB,
		log:   p.Log.Named("commission.engine"),
		genID: p.GenID,
	}
}

// SelectRule returns the rule applying to the given amount, category and
// instant. The handle may be a transaction so settlement sees a consistent
// rule set. Selection is deterministic: highest priority first, then
// category-scoped over global, then smallest id.
func (e *Engine) SelectRule(ctx context.Context, db *gorm.DB, amountMinor int64, categoryID *snowflake.ID, at time.Time) (*commissiondomain.CommissionRule, error) {
	candidates, err := repository.NewRepository(db).ListCandidateRules(ctx, at)
	if err != nil {
		return nil, err
	}
	rule := pickRule(candidates, amountMinor, categoryID, at)
	if rule == nil {
		// Unreachable while the seeded platform default exists.
		return nil, commissiondomain.ErrNoApplicableRule
	}
	return rule, nil
}

func pickRule(rules []commissiondomain.CommissionRule, amountMinor int64, categoryID *snowflake.ID, at time.Time) *commissiondomain.CommissionRule {
	var best *commissiondomain.CommissionRule
	for i := range rules {
		rule := &rules[i]
		if !rule.IsActive || !rule.AppliesAt(at) {
			continue
		}
		if rule.CategoryID != nil && (categoryID == nil || *rule.CategoryID != *categoryID) {
			continue
		}
		if rule.MinAmountMinor != nil && amountMinor < *rule.MinAmountMinor {
			continue
		}
		if rule.MaxAmountMinor != nil && amountMinor > *rule.MaxAmountMinor {
			continue
		}
		if best == nil || ruleLess(best, rule) {
			best = rule
		}
	}
	return best
}

// ruleLess reports whether b beats a under the tie-break ordering.
func ruleLess(a, b *commissiondomain.CommissionRule) bool {
	if b.Priority != a.Priority {
		return b.Priority > a.Priority
	}
	aScoped := a.CategoryID != nil
	bScoped := b.CategoryID != nil
	if aScoped != bScoped {
		return bScoped
	}
	return b.ID < a.ID
}

// Compute prices the commission for a base amount under the given rule. The
// result is clamped into [0, base]; a computed value above the base is an
// invariant violation and aborts the caller.
func Compute(rule *commissiondomain.CommissionRule, amountMinor int64) (int64, error) {
	if rule == nil {
		return 0, commissiondomain.ErrInvalidRule
	}
	if amountMinor < 0 {
		return 0, money.ErrNegativeAmount
	}

	var computed int64
	switch rule.Type {
	case commissiondomain.RuleTypePercentage:
		v, err := money.ApplyBps(amountMinor, rule.RateBps)
		if err != nil {
			return 0, err
		}
		computed = v
	case commissiondomain.RuleTypeFixed:
		computed = rule.FixedMinor
		if computed > amountMinor {
			computed = amountMinor
		}
	case commissiondomain.RuleTypeTiered:
		v, err := computeTiered(rule, amountMinor)
		if err != nil {
			return 0, err
		}
		computed = v
	default:
		return 0, commissiondomain.ErrInvalidRule
	}

	if computed < 0 || computed > amountMinor {
		return 0, commissiondomain.ErrCommissionExceedsBase
	}
	return computed, nil
}

// computeTiered sums marginal band contributions, progressive-bracket style.
// Bands are sorted by upper bound with the open-ended band last.
func computeTiered(rule *commissiondomain.CommissionRule, amountMinor int64) (int64, error) {
	var tiers []commissiondomain.Tier
	if len(rule.Tiers) == 0 {
		return 0, commissiondomain.ErrInvalidTiers
	}
	if err := json.Unmarshal(rule.Tiers, &tiers); err != nil {
		return 0, commissiondomain.ErrInvalidTiers
	}
	if len(tiers) == 0 {
		return 0, commissiondomain.ErrInvalidTiers
	}

	sort.SliceStable(tiers, func(i, j int) bool {
		if tiers[i].UpToMinor == nil {
			return false
		}
		if tiers[j].UpToMinor == nil {
			return true
		}
		return *tiers[i].UpToMinor < *tiers[j].UpToMinor
	})

	var total int64
	var lower int64
	for _, tier := range tiers {
		upper := amountMinor
		if tier.UpToMinor != nil && *tier.UpToMinor < upper {
			upper = *tier.UpToMinor
		}
		if upper <= lower {
			continue
		}
		slice, err := money.ApplyBps(upper-lower, tier.RateBps)
		if err != nil {
			return 0, err
		}
		total += slice
		lower = upper
		if lower >= amountMinor {
			break
		}
	}
	return total, nil
}

// RateForRecord reports the rate persisted on the commission record. Tiered
// rules store the effective blended rate so audits can re-derive the split.
func RateForRecord(rule *commissiondomain.CommissionRule, baseMinor, commissionMinor int64) int64 {
	switch rule.Type {
	case commissiondomain.RuleTypePercentage:
		return rule.RateBps
	case commissiondomain.RuleTypeTiered:
		if baseMinor == 0 {
			return 0
		}
		return (commissionMinor*10000 + baseMinor/2) / baseMinor
	default:
		return 0
	}
}

// CreateRule persists an operator-defined rule after validation.
func (e *Engine) CreateRule(ctx context.Context, rule *commissiondomain.CommissionRule, now time.Time) error {
	if rule.Name == "" {
		return commissiondomain.ErrInvalidRule
	}
	switch rule.Type {
	case commissiondomain.RuleTypePercentage:
		if rule.RateBps < 0 || rule.RateBps > 10000 {
			return commissiondomain.ErrInvalidRule
		}
	case commissiondomain.RuleTypeFixed:
		if rule.FixedMinor < 0 {
			return commissiondomain.ErrInvalidRule
		}
	case commissiondomain.RuleTypeTiered:
		if _, err := computeTiered(rule, 1); err != nil {
			return err
		}
	default:
		return commissiondomain.ErrInvalidRule
	}
	if rule.MinAmountMinor != nil && rule.MaxAmountMinor != nil && *rule.MinAmountMinor > *rule.MaxAmountMinor {
		return commissiondomain.ErrInvalidRule
	}

	rule.ID = e.genID.Generate()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if rule.ValidFrom.IsZero() {
		rule.ValidFrom = now
	}
	return repository.NewRepository(e.db).CreateRule(ctx, rule)
}
